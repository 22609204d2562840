package task

import (
	"errors"
	"fmt"
)

// Common errors returned by the JobQueue and Supervisor
var (
	// ErrSubmissionRejected is the umbrella error for every synchronous
	// submission failure. All rejection errors below wrap it.
	ErrSubmissionRejected = errors.New("job submission rejected")

	ErrQueueNotStarted = fmt.Errorf("%w: job queue not started", ErrSubmissionRejected)
	ErrQueueFull       = fmt.Errorf("%w: job queue is full", ErrSubmissionRejected)
	ErrQueueStopped    = fmt.Errorf("%w: job queue is stopped", ErrSubmissionRejected)
	ErrDuplicateJobID  = fmt.Errorf("%w: duplicate job id", ErrSubmissionRejected)
	ErrNilWork         = fmt.Errorf("%w: nil work function", ErrSubmissionRejected)

	// ErrShutdownTimeoutExceeded reports that a bounded wait ran out and the
	// forced cancellation path was taken. It is informational.
	ErrShutdownTimeoutExceeded = errors.New("shutdown timeout exceeded")

	// ErrSignalInstallation reports that termination signal handlers could not
	// be installed. It is logged, never fatal.
	ErrSignalInstallation = errors.New("signal handler installation failed")

	// ErrShutdownRequested is returned by operations that refuse to start new
	// work once shutdown has begun.
	ErrShutdownRequested = errors.New("shutdown already requested")
)

// JobError describes a failed job. The queue stores its message on the job;
// it is never returned to the scheduler.
type JobError struct {
	JobID string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking job or task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
