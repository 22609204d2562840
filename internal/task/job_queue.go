package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobQueueConfig holds configuration for the job queue
type JobQueueConfig struct {
	// WorkerCount determines how many concurrent workers process jobs
	WorkerCount int

	// QueueSize is the maximum number of pending jobs. Submissions beyond it
	// fail immediately with ErrQueueFull.
	QueueSize int

	// BlockingWorkers is the size of the auxiliary pool that runs jobs
	// submitted WithBlocking and blocking maintenance passes
	BlockingWorkers int

	// ForceGrace is how long Stop waits for workers to unwind after their
	// context has been cancelled
	ForceGrace time.Duration
}

// DefaultJobQueueConfig returns a JobQueueConfig with reasonable defaults
func DefaultJobQueueConfig() JobQueueConfig {
	return JobQueueConfig{
		WorkerCount:     4,
		QueueSize:       100,
		BlockingWorkers: 2,
		ForceGrace:      250 * time.Millisecond,
	}
}

// QueueStats is a snapshot of the queue's counters
type QueueStats struct {
	Total           int  `json:"total"`
	Pending         int  `json:"pending"`
	Running         int  `json:"running"`
	Completed       int  `json:"completed"`
	Failed          int  `json:"failed"`
	Cancelled       int  `json:"cancelled"`
	Queued          int  `json:"queued"`
	Capacity        int  `json:"capacity"`
	Workers         int  `json:"workers"`
	BlockingWorkers int  `json:"blocking_workers"`
	Started         bool `json:"started"`
	Stopped         bool `json:"stopped"`
}

// JobQueue is a bounded, priority-aware job queue drained by a fixed pool of
// workers. It owns job status tracking, result storage, cancellation, and
// retention cleanup. It is safe for concurrent use.
type JobQueue struct {
	config JobQueueConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	jobs     map[string]*jobEntry
	// issued holds every ID ever handed out; CleanupOldJobs never prunes it
	issued   map[string]struct{}
	pending  *pendingQueue
	running  map[string]*jobEntry
	seq      uint64
	started  bool
	stopping bool
	stopped  bool
	drained  chan struct{}

	// ready holds at least one token per pending entry
	ready chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	blocking *blockingPool
}

// NewJobQueue creates a new JobQueue. Invalid config values fall back to the
// defaults. The queue accepts no jobs until Start is called.
func NewJobQueue(config JobQueueConfig, logger *slog.Logger) *JobQueue {
	defaults := DefaultJobQueueConfig()
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", defaults.WorkerCount)
		config.WorkerCount = defaults.WorkerCount
	}
	if config.QueueSize <= 0 {
		logger.Warn("invalid queue size specified, using default",
			"specified_size", config.QueueSize,
			"default_size", defaults.QueueSize)
		config.QueueSize = defaults.QueueSize
	}
	if config.BlockingWorkers <= 0 {
		logger.Warn("invalid blocking worker count specified, using default",
			"specified_count", config.BlockingWorkers,
			"default_count", defaults.BlockingWorkers)
		config.BlockingWorkers = defaults.BlockingWorkers
	}
	if config.ForceGrace <= 0 {
		logger.Warn("invalid force grace specified, using default",
			"specified_grace", config.ForceGrace,
			"default_grace", defaults.ForceGrace)
		config.ForceGrace = defaults.ForceGrace
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &JobQueue{
		config:   config,
		logger:   logger,
		now:      time.Now,
		jobs:     make(map[string]*jobEntry),
		issued:   make(map[string]struct{}),
		pending:  newPendingQueue(config.QueueSize),
		running:  make(map[string]*jobEntry),
		ready:    make(chan struct{}, config.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		blocking: newBlockingPool(config.BlockingWorkers, logger),
	}
}

// Start launches the worker goroutines and the blocking pool. Calling it
// again while running is a no-op.
func (q *JobQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping || q.stopped {
		return ErrQueueStopped
	}
	if q.started {
		return nil
	}
	q.started = true

	q.logger.Info("job queue starting",
		"worker_count", q.config.WorkerCount,
		"queue_size", q.config.QueueSize,
		"blocking_workers", q.config.BlockingWorkers)

	q.blocking.start()
	for i := 0; i < q.config.WorkerCount; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return nil
}

// SubmitJob adds a job to the queue and returns its ID. It never blocks:
// the job is either queued immediately or rejected with an error wrapping
// ErrSubmissionRejected.
func (q *JobQueue) SubmitJob(work WorkFunc, opts ...SubmitOption) (string, error) {
	if work == nil {
		return "", ErrNilWork
	}

	o := submitOptions{priority: PriorityDefault}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.stopping || q.stopped:
		return "", ErrQueueStopped
	case !q.started:
		return "", ErrQueueNotStarted
	case q.pending.full():
		return "", fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, q.pending.capacity)
	}

	id := o.jobID
	if id == "" {
		id = q.newJobIDLocked()
	} else if _, exists := q.issued[id]; exists {
		return "", fmt.Errorf("%w: %q", ErrDuplicateJobID, id)
	}
	q.issued[id] = struct{}{}

	q.seq++
	e := &jobEntry{
		id:        id,
		seq:       q.seq,
		priority:  o.priority,
		blocking:  o.blocking,
		work:      work,
		status:    JobStatusPending,
		createdAt: q.now(),
		heapIndex: -1,
	}
	q.pending.push(e)
	q.jobs[id] = e

	select {
	case q.ready <- struct{}{}:
	default:
	}

	q.logger.Debug("job enqueued",
		"job_id", id,
		"priority", o.priority,
		"blocking", o.blocking,
		"queue_len", q.pending.Len(),
		"queue_cap", q.pending.capacity)
	return id, nil
}

// newJobIDLocked generates a time-ordered ID never issued before.
func (q *JobQueue) newJobIDLocked() string {
	for {
		u, err := uuid.NewV7()
		if err != nil {
			u = uuid.New()
		}
		id := u.String()
		if _, exists := q.issued[id]; !exists {
			return id
		}
	}
}

// GetJobStatus returns a snapshot of the job, or false if it is unknown.
func (q *JobQueue) GetJobStatus(jobID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return e.snapshot(), true
}

// GetJobResult returns the job's result if it completed successfully, and
// nil in every other case.
func (q *JobQueue) GetJobResult(jobID string) any {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[jobID]
	if !ok || e.status != JobStatusCompleted {
		return nil
	}
	return e.result
}

// CancelJob cancels a pending job. It returns false if the job is unknown,
// already running, or already terminal. Running jobs are never preempted.
func (q *JobQueue) CancelJob(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[jobID]
	if !ok || e.status != JobStatusPending {
		return false
	}

	q.pending.remove(e)
	e.status = JobStatusCancelled
	e.completedAt = q.now()
	q.checkDrainedLocked()

	q.logger.Info("job cancelled", "job_id", jobID)
	return true
}

// GetQueueStats returns a snapshot of the queue's counters.
func (q *JobQueue) GetQueueStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		Total:           len(q.jobs),
		Queued:          q.pending.Len(),
		Capacity:        q.pending.capacity,
		Workers:         q.config.WorkerCount,
		BlockingWorkers: q.config.BlockingWorkers,
		Started:         q.started,
		Stopped:         q.stopped,
	}
	for _, e := range q.jobs {
		switch e.status {
		case JobStatusPending:
			stats.Pending++
		case JobStatusRunning:
			stats.Running++
		case JobStatusCompleted:
			stats.Completed++
		case JobStatusFailed:
			stats.Failed++
		case JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// CleanupOldJobs removes terminal jobs that completed more than maxAge ago
// and returns how many were removed. Pending and running jobs are kept.
// Removed IDs stay reserved and cannot be submitted again.
func (q *JobQueue) CleanupOldJobs(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	removed := 0
	for id, e := range q.jobs {
		if !e.status.IsTerminal() || e.completedAt.IsZero() {
			continue
		}
		if e.completedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}

	if removed > 0 {
		q.logger.Info("cleaned up old jobs",
			"removed", removed,
			"remaining", len(q.jobs),
			"max_age", maxAge)
	}
	return removed
}

// Executor returns the queue's blocking pool. It accepts work only while the
// queue is started.
func (q *JobQueue) Executor() Executor {
	return q.blocking
}

// Stop stops accepting submissions and waits until every queued and running
// job has finished or ctx is done. In the latter case outstanding jobs are
// marked cancelled, their contexts are cancelled, and workers get
// ForceGrace to unwind before Stop returns ErrShutdownTimeoutExceeded.
// Calling Stop again is a no-op.
func (q *JobQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopping || q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopping = true
	if !q.started {
		q.stopped = true
		q.mu.Unlock()
		q.cancel()
		return nil
	}
	var drained chan struct{}
	if !q.idleLocked() {
		drained = make(chan struct{})
		q.drained = drained
	}
	q.mu.Unlock()

	q.logger.Info("job queue stopping")

	var stopErr error
	if drained != nil {
		select {
		case <-drained:
			q.logger.Debug("job queue drained")
		case <-ctx.Done():
			stopErr = ErrShutdownTimeoutExceeded
		}
	}

	q.cancel()

	if stopErr != nil {
		cancelled := q.cancelOutstanding()
		q.logger.Warn("job queue drain timed out, cancelled outstanding jobs",
			"cancelled", cancelled)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(q.config.ForceGrace):
		q.logger.Warn("job queue workers did not exit within grace period, abandoning them",
			"grace", q.config.ForceGrace)
	}

	q.blocking.stop()

	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	q.logger.Info("job queue stopped")
	return stopErr
}

// cancelOutstanding marks every pending and running job cancelled and
// returns how many were affected.
func (q *JobQueue) cancelOutstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	count := 0
	for _, e := range q.pending.drain() {
		e.status = JobStatusCancelled
		e.completedAt = now
		count++
	}
	for id, e := range q.running {
		e.status = JobStatusCancelled
		e.err = "cancelled during shutdown"
		e.completedAt = now
		delete(q.running, id)
		count++
	}
	return count
}

func (q *JobQueue) idleLocked() bool {
	return q.pending.Len() == 0 && len(q.running) == 0
}

func (q *JobQueue) checkDrainedLocked() {
	if q.drained != nil && q.idleLocked() {
		close(q.drained)
		q.drained = nil
	}
}

// worker processes jobs from the queue
func (q *JobQueue) worker(id int) {
	defer q.wg.Done()

	q.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-q.ctx.Done():
			q.logger.Debug("stopping worker", "worker_id", id)
			return

		case <-q.ready:
			e := q.next()
			if e == nil {
				// stale token left behind by a cancelled job
				continue
			}
			q.processJob(e, id)
		}
	}
}

// next pops the most urgent pending job and marks it running.
func (q *JobQueue) next() *jobEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		e := q.pending.pop()
		if e == nil {
			return nil
		}
		if e.status != JobStatusPending {
			continue
		}
		e.status = JobStatusRunning
		e.startedAt = q.now()
		q.running[e.id] = e
		return e
	}
}

// processJob handles execution of a single job
func (q *JobQueue) processJob(e *jobEntry, workerID int) {
	logger := q.logger.With(
		"job_id", e.id,
		"priority", e.priority,
		"worker_id", workerID,
	)

	ctx := context.WithValue(q.ctx, progressKey{}, progressReporter(func(pct int) {
		q.setProgress(e, pct)
	}))

	logger.Info("processing job", "blocking", e.blocking)

	run := func() {
		result, err := execute(ctx, e.work)
		q.finish(e, result, err, logger)
	}

	if !e.blocking {
		run()
		return
	}

	if err := q.blocking.Execute(ctx, run); err != nil {
		q.finish(e, nil, err, logger)
	}
}

// execute runs work and converts a panic into a PanicError.
func execute(ctx context.Context, work WorkFunc) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &PanicError{Value: p}
		}
	}()
	return work(ctx)
}

// finish records the job's terminal state. A job already terminal (force
// cancelled during Stop) keeps its state and the outcome is discarded.
func (q *JobQueue) finish(e *jobEntry, result any, err error, logger *slog.Logger) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.status != JobStatusRunning {
		logger.Debug("discarding outcome of job no longer running",
			"status", e.status,
			"error", err)
		return
	}

	e.completedAt = q.now()
	duration := e.completedAt.Sub(e.startedAt)
	delete(q.running, e.id)

	switch {
	case err == nil:
		e.status = JobStatusCompleted
		e.result = result
		e.progress = 100
		logger.Info("job completed successfully", "duration", duration)
	case errors.Is(err, context.Canceled) && q.ctx.Err() != nil:
		e.status = JobStatusCancelled
		e.err = err.Error()
		logger.Info("job cancelled while running", "duration", duration)
	default:
		jobErr := &JobError{JobID: e.id, Err: err}
		e.status = JobStatusFailed
		e.err = err.Error()
		logger.Error("job execution failed", "error", jobErr, "duration", duration)
	}

	q.checkDrainedLocked()
}

func (q *JobQueue) setProgress(e *jobEntry, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if e.status == JobStatusRunning {
		e.progress = pct
	}
}
