package task

import (
	"context"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

// Possible job status values
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Priority conventions. Any integer is accepted; lower runs first.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// WorkFunc is the unit of work carried by a job. Arguments are bound by
// closure. The context is cancelled when the queue is force-stopped.
type WorkFunc func(ctx context.Context) (any, error)

// Job is a point-in-time snapshot of one submitted unit of work.
type Job struct {
	ID          string     `json:"id"`
	Priority    int        `json:"priority"`
	Status      JobStatus  `json:"status"`
	Blocking    bool       `json:"blocking"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Progress    int        `json:"progress"`
}

// IsComplete reports whether the job reached a terminal state.
func (j Job) IsComplete() bool {
	return j.Status.IsTerminal()
}

// Duration returns how long the job ran, or zero if it has not finished
// running.
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// jobEntry is the queue's mutable record of a job. All fields except work
// and id are guarded by JobQueue.mu.
type jobEntry struct {
	id          string
	seq         uint64
	priority    int
	blocking    bool
	work        WorkFunc
	status      JobStatus
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	result      any
	err         string
	progress    int

	// heapIndex is the entry's position in the pending heap, -1 when absent.
	heapIndex int
}

func (e *jobEntry) snapshot() Job {
	j := Job{
		ID:        e.id,
		Priority:  e.priority,
		Status:    e.status,
		Blocking:  e.blocking,
		CreatedAt: e.createdAt,
		Result:    e.result,
		Error:     e.err,
		Progress:  e.progress,
	}
	if !e.startedAt.IsZero() {
		started := e.startedAt
		j.StartedAt = &started
	}
	if !e.completedAt.IsZero() {
		completed := e.completedAt
		j.CompletedAt = &completed
	}
	return j
}

// SubmitOption customizes a job at submission time.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	priority int
	jobID    string
	blocking bool
}

// WithPriority sets the job priority. Lower values are dequeued first.
func WithPriority(priority int) SubmitOption {
	return func(o *submitOptions) { o.priority = priority }
}

// WithJobID uses a caller-supplied job ID instead of a generated one.
// Submitting an ID that is already tracked fails with ErrDuplicateJobID.
func WithJobID(id string) SubmitOption {
	return func(o *submitOptions) { o.jobID = id }
}

// WithBlocking runs the job on the queue's blocking pool so long blocking
// calls cannot occupy every worker.
func WithBlocking() SubmitOption {
	return func(o *submitOptions) { o.blocking = true }
}

type progressKey struct{}

type progressReporter func(pct int)

// ReportProgress records the completion percentage of the job running with
// ctx. Values are clamped to 0..100. It is a no-op outside a job.
func ReportProgress(ctx context.Context, pct int) {
	if report, ok := ctx.Value(progressKey{}).(progressReporter); ok {
		report(pct)
	}
}
