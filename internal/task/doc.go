// Package task manages background job queuing, processing, and lifecycle.
// It provides a bounded, priority-aware job queue drained by a fixed pool of
// workers, periodic maintenance runners, and a supervisor that tracks every
// concurrently running unit of work and drives a bounded graceful shutdown
// when the process is asked to terminate.
package task
