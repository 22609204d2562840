package task

import "container/heap"

// pendingQueue is a bounded min-heap of pending jobs ordered by priority,
// then by submission sequence. It is not safe for concurrent use; JobQueue
// guards it with its mutex.
type pendingQueue struct {
	entries  []*jobEntry
	capacity int
}

func newPendingQueue(capacity int) *pendingQueue {
	return &pendingQueue{
		entries:  make([]*jobEntry, 0, capacity),
		capacity: capacity,
	}
}

// Len implements heap.Interface
func (q *pendingQueue) Len() int { return len(q.entries) }

// Less implements heap.Interface. Job IDs are never compared; seq breaks ties.
func (q *pendingQueue) Less(i, j int) bool {
	a, b := q.entries[i], q.entries[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

// Swap implements heap.Interface
func (q *pendingQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].heapIndex = i
	q.entries[j].heapIndex = j
}

// Push implements heap.Interface. Use push instead.
func (q *pendingQueue) Push(x any) {
	e := x.(*jobEntry)
	e.heapIndex = len(q.entries)
	q.entries = append(q.entries, e)
}

// Pop implements heap.Interface. Use pop instead.
func (q *pendingQueue) Pop() any {
	old := q.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	q.entries = old[:n-1]
	return e
}

// full reports whether the queue is at capacity
func (q *pendingQueue) full() bool {
	return len(q.entries) >= q.capacity
}

// push adds an entry. Returns false if the queue is at capacity.
func (q *pendingQueue) push(e *jobEntry) bool {
	if q.full() {
		return false
	}
	heap.Push(q, e)
	return true
}

// pop removes and returns the most urgent entry, or nil if empty.
func (q *pendingQueue) pop() *jobEntry {
	if len(q.entries) == 0 {
		return nil
	}
	return heap.Pop(q).(*jobEntry)
}

// remove drops e from the queue if present.
func (q *pendingQueue) remove(e *jobEntry) {
	if e.heapIndex < 0 || e.heapIndex >= len(q.entries) || q.entries[e.heapIndex] != e {
		return
	}
	heap.Remove(q, e.heapIndex)
}

// drain removes and returns every entry in no particular order.
func (q *pendingQueue) drain() []*jobEntry {
	out := q.entries
	for _, e := range out {
		e.heapIndex = -1
	}
	q.entries = make([]*jobEntry, 0, q.capacity)
	return out
}
