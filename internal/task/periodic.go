package task

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Maintenance is a recurring housekeeping routine. Implementations should
// return promptly, handle their own errors, and be safe to call repeatedly.
type Maintenance interface {
	Run(ctx context.Context) error
}

// MaintenanceFunc adapts an ordinary function to the Maintenance interface.
type MaintenanceFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f MaintenanceFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// RunnerStats is a snapshot of a PeriodicRunner's counters
type RunnerStats struct {
	Name      string    `json:"name"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

// RunnerOption configures a PeriodicRunner.
type RunnerOption func(*PeriodicRunner)

// WithBlockingExecutor runs every pass through e instead of the runner's own
// goroutine.
func WithBlockingExecutor(e Executor) RunnerOption {
	return func(r *PeriodicRunner) { r.executor = e }
}

// PeriodicRunner runs a Maintenance once immediately, then again every
// interval until the shutdown signal is raised or its context is done. A
// failing or panicking pass is logged and never stops the runner.
type PeriodicRunner struct {
	name        string
	maintenance Maintenance
	interval    time.Duration
	signal      *ShutdownSignal
	executor    Executor
	logger      *slog.Logger

	mu    sync.Mutex
	stats RunnerStats
}

// NewPeriodicRunner creates a runner. A non-positive interval falls back to
// one minute.
func NewPeriodicRunner(
	name string,
	maintenance Maintenance,
	interval time.Duration,
	signal *ShutdownSignal,
	logger *slog.Logger,
	opts ...RunnerOption,
) *PeriodicRunner {
	if interval <= 0 {
		logger.Warn("invalid maintenance interval specified, using default",
			"runner", name,
			"specified_interval", interval,
			"default_interval", time.Minute)
		interval = time.Minute
	}
	if signal == nil {
		signal = NewShutdownSignal()
	}

	r := &PeriodicRunner{
		name:        name,
		maintenance: maintenance,
		interval:    interval,
		signal:      signal,
		logger:      logger.With("runner", name),
		stats:       RunnerStats{Name: name},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Name returns the runner's name
func (r *PeriodicRunner) Name() string {
	return r.name
}

// Run blocks until shutdown is signalled (returning nil) or ctx is done
// (returning ctx.Err()).
func (r *PeriodicRunner) Run(ctx context.Context) error {
	r.logger.Debug("periodic runner started", "interval", r.interval)

	r.runOnce(ctx)

	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-r.signal.Done():
			r.logger.Debug("periodic runner stopping on shutdown signal")
			return nil
		case <-ctx.Done():
			r.logger.Debug("periodic runner context cancelled")
			return ctx.Err()
		case <-timer.C:
			if r.signal.IsSet() {
				return nil
			}
			r.runOnce(ctx)
			timer.Reset(r.interval)
		}
	}
}

// Stats returns a snapshot of the runner's counters
func (r *PeriodicRunner) Stats() RunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *PeriodicRunner) runOnce(ctx context.Context) {
	start := time.Now()
	err := r.invoke(ctx)

	r.mu.Lock()
	r.stats.Runs++
	r.stats.LastRun = start
	if err != nil {
		r.stats.Failures++
		r.stats.LastError = err.Error()
	} else {
		r.stats.LastError = ""
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("maintenance run failed",
			"error", err,
			"duration", time.Since(start))
		return
	}
	r.logger.Debug("maintenance run completed", "duration", time.Since(start))
}

func (r *PeriodicRunner) invoke(ctx context.Context) error {
	if r.executor == nil {
		return runMaintenance(ctx, r.maintenance)
	}

	result := make(chan error, 1)
	if err := r.executor.Execute(ctx, func() {
		result <- runMaintenance(ctx, r.maintenance)
	}); err != nil {
		return err
	}
	return <-result
}

func runMaintenance(ctx context.Context, m Maintenance) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()
	return m.Run(ctx)
}
