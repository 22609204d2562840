package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"
)

// State is a step of the supervisor's shutdown state machine
type State string

// Supervisor states, in the order they are entered
const (
	StateRunning           State = "running"
	StateShutdownRequested State = "shutdown_requested"
	StateDraining          State = "draining"
	StateForceCancelling   State = "force_cancelling"
	StateCleaningUp        State = "cleaning_up"
	StateStopped           State = "stopped"
)

// Names of the maintenance runners started by StartBackgroundServices
const (
	CacheCleanupTaskName = "cache_cleanup"
	JobCleanupTaskName   = "job_cleanup"
)

// SupervisorConfig holds configuration for the supervisor
type SupervisorConfig struct {
	// ShutdownTimeout bounds the drain phase of a signal-triggered shutdown
	ShutdownTimeout time.Duration

	// ForceCancelGrace is how long cancelled tasks get to unwind
	ForceCancelGrace time.Duration

	// HandleSignals installs termination signal handlers at construction
	HandleSignals bool

	// Signals overrides the default termination signals (SIGINT, SIGTERM)
	Signals []os.Signal
}

// DefaultSupervisorConfig returns a SupervisorConfig with reasonable defaults
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ShutdownTimeout:  10 * time.Second,
		ForceCancelGrace: 250 * time.Millisecond,
		HandleSignals:    true,
	}
}

// PeriodicSpec describes an additional maintenance runner
type PeriodicSpec struct {
	Name        string
	Maintenance Maintenance
	Interval    time.Duration
	// Blocking runs each pass on the job queue's blocking pool
	Blocking bool
}

// BackgroundConfig describes the maintenance started alongside the queue
type BackgroundConfig struct {
	// CacheCleanup is the external cache's maintenance routine. Optional.
	CacheCleanup         Maintenance
	CacheCleanupInterval time.Duration
	CacheCleanupBlocking bool

	// JobCleanupInterval is how often terminal jobs older than JobRetention
	// are removed from the queue's registry
	JobCleanupInterval time.Duration
	JobRetention       time.Duration

	Extra []PeriodicSpec
}

// DefaultBackgroundConfig returns a BackgroundConfig with reasonable defaults
func DefaultBackgroundConfig() BackgroundConfig {
	return BackgroundConfig{
		CacheCleanupInterval: 5 * time.Minute,
		JobCleanupInterval:   time.Hour,
		JobRetention:         24 * time.Hour,
	}
}

// TaskResult is the outcome of a managed task: success, an error, or a
// recovered panic.
type TaskResult struct {
	Err   error
	Panic any
}

// OK reports whether the task returned without error
func (r TaskResult) OK() bool {
	return r.Err == nil && r.Panic == nil
}

// Cancelled reports whether the task ended because its context was cancelled
func (r TaskResult) Cancelled() bool {
	return r.Panic == nil && errors.Is(r.Err, context.Canceled)
}

// ManagedTask is a handle to one unit of work tracked by the supervisor.
type ManagedTask struct {
	id        uint64
	name      string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	result    TaskResult
}

// ID returns the task's supervisor-assigned identifier
func (t *ManagedTask) ID() uint64 { return t.id }

// Name returns the task's human-readable name
func (t *ManagedTask) Name() string { return t.name }

// StartedAt returns when the task was started
func (t *ManagedTask) StartedAt() time.Time { return t.startedAt }

// Done returns a channel closed when the task has finished
func (t *ManagedTask) Done() <-chan struct{} { return t.done }

// Cancel cancels the task's context
func (t *ManagedTask) Cancel() { t.cancel() }

// Result returns the task's outcome. It is only meaningful after Done is
// closed.
func (t *ManagedTask) Result() TaskResult {
	select {
	case <-t.done:
		return t.result
	default:
		return TaskResult{}
	}
}

// TaskStats is a snapshot of the supervisor's counters
type TaskStats struct {
	Total             int64 `json:"total"`
	Running           int   `json:"running"`
	Completed         int64 `json:"completed"`
	Failed            int64 `json:"failed"`
	Cancelled         int64 `json:"cancelled"`
	BackgroundRunning bool  `json:"background_running"`
	ShutdownRequested bool  `json:"shutdown_requested"`
	State             State `json:"state"`
}

// Supervisor tracks every concurrently running unit of work and drives a
// bounded graceful shutdown: signal, drain, force-cancel, cleanup callbacks,
// then job queue shutdown. Construct one at the composition root and pass
// it to whatever needs to start tasks or register cleanup.
type Supervisor struct {
	queue  *JobQueue
	config SupervisorConfig
	logger *slog.Logger
	signal *ShutdownSignal

	// ctx is the parent of every task context; cancelled once shutdown ends
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	tasks      map[uint64]*ManagedTask
	nextID     uint64
	created    int64
	completed  int64
	failed     int64
	cancelled  int64
	cleanups   []func() error
	background bool
	runners    []*PeriodicRunner
	state      State

	done chan struct{}

	sigCh       chan os.Signal
	sigStop     chan struct{}
	sigOnce     sync.Once
	sigReceived atomic.Bool
}

// NewSupervisor creates a supervisor for queue. When config.HandleSignals is
// set it installs termination signal handlers; failure to do so is logged
// and otherwise ignored.
func NewSupervisor(queue *JobQueue, config SupervisorConfig, logger *slog.Logger) *Supervisor {
	defaults := DefaultSupervisorConfig()
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.ForceCancelGrace <= 0 {
		config.ForceCancelGrace = defaults.ForceCancelGrace
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		queue:   queue,
		config:  config,
		logger:  logger,
		signal:  NewShutdownSignal(),
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[uint64]*ManagedTask),
		state:   StateRunning,
		done:    make(chan struct{}),
		sigStop: make(chan struct{}),
	}

	if config.HandleSignals {
		if err := s.installSignalHandlers(); err != nil {
			logger.Warn("running without termination signal handlers", "error", err)
		}
	}
	return s
}

func (s *Supervisor) installSignalHandlers() error {
	sigs := s.config.Signals
	if len(sigs) == 0 {
		sigs = defaultSignals()
	}
	if len(sigs) == 0 {
		return fmt.Errorf("%w: no termination signals available", ErrSignalInstallation)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	s.sigCh = ch

	go s.watchSignals(ch)

	s.logger.Debug("termination signal handlers installed", "signals", fmt.Sprint(sigs))
	return nil
}

func (s *Supervisor) watchSignals(ch <-chan os.Signal) {
	for {
		select {
		case <-s.sigStop:
			return
		case sig := <-ch:
			s.handleSignal(sig)
		}
	}
}

// handleSignal triggers shutdown on the first signal and ignores the rest.
func (s *Supervisor) handleSignal(sig os.Signal) {
	if !s.sigReceived.CompareAndSwap(false, true) || s.signal.IsSet() {
		s.logger.Debug("ignoring signal, shutdown already in progress", "signal", sig.String())
		return
	}
	s.logger.Info("received termination signal, shutting down", "signal", sig.String())
	go s.Shutdown(s.config.ShutdownTimeout)
}

// Close stops termination signal delivery. Shutdown calls it.
func (s *Supervisor) Close() {
	s.sigOnce.Do(func() {
		close(s.sigStop)
		if s.sigCh != nil {
			signal.Stop(s.sigCh)
		}
	})
}

// CreateTask starts fn as a tracked concurrent unit of work. The task is
// removed from the tracked set as soon as fn returns; its outcome is logged
// and never propagated. Tasks created after shutdown was requested start
// with a cancelled context.
func (s *Supervisor) CreateTask(name string, fn func(ctx context.Context) error) *ManagedTask {
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	s.nextID++
	t := &ManagedTask{
		id:        s.nextID,
		name:      name,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.tasks[t.id] = t
	s.created++
	s.mu.Unlock()

	if s.signal.IsSet() {
		cancel()
	}

	s.logger.Debug("task started", "task", name, "task_id", t.id)

	go func() {
		result := runTask(ctx, fn)
		s.onTaskDone(t, result)
	}()
	return t
}

func runTask(ctx context.Context, fn func(ctx context.Context) error) (result TaskResult) {
	if fn == nil {
		return TaskResult{Err: errors.New("nil task function")}
	}
	defer func() {
		if p := recover(); p != nil {
			result = TaskResult{Err: &PanicError{Value: p}, Panic: p}
		}
	}()
	return TaskResult{Err: fn(ctx)}
}

// onTaskDone is the completion path: untrack, count, log.
func (s *Supervisor) onTaskDone(t *ManagedTask, result TaskResult) {
	t.result = result

	s.mu.Lock()
	delete(s.tasks, t.id)
	switch {
	case result.OK():
		s.completed++
	case result.Cancelled():
		s.cancelled++
	default:
		s.failed++
	}
	s.mu.Unlock()

	logger := s.logger.With("task", t.name, "task_id", t.id, "duration", time.Since(t.startedAt))
	switch {
	case result.OK():
		logger.Debug("task finished")
	case result.Cancelled():
		logger.Info("task cancelled")
	default:
		logger.Error("task failed", "error", result.Err)
	}

	close(t.done)
	t.cancel()
}

// AddCleanupCallback registers fn to run once during shutdown, after all
// tracked tasks have settled. Callbacks run in registration order; a
// failing callback does not prevent the rest from running.
func (s *Supervisor) AddCleanupCallback(fn func() error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// StartBackgroundServices starts the job queue and the periodic
// maintenance runners. Calling it again while running is a no-op.
func (s *Supervisor) StartBackgroundServices(config BackgroundConfig) error {
	s.mu.Lock()
	if s.signal.IsSet() {
		s.mu.Unlock()
		return ErrShutdownRequested
	}
	if s.background {
		s.mu.Unlock()
		s.logger.Debug("background services already running")
		return nil
	}
	s.background = true
	s.mu.Unlock()

	if err := s.queue.Start(); err != nil {
		s.mu.Lock()
		s.background = false
		s.mu.Unlock()
		return fmt.Errorf("failed to start job queue: %w", err)
	}

	defaults := DefaultBackgroundConfig()
	if config.CacheCleanupInterval <= 0 {
		config.CacheCleanupInterval = defaults.CacheCleanupInterval
	}
	if config.JobCleanupInterval <= 0 {
		config.JobCleanupInterval = defaults.JobCleanupInterval
	}
	if config.JobRetention <= 0 {
		config.JobRetention = defaults.JobRetention
	}

	specs := make([]PeriodicSpec, 0, 2+len(config.Extra))
	if config.CacheCleanup != nil {
		specs = append(specs, PeriodicSpec{
			Name:        CacheCleanupTaskName,
			Maintenance: config.CacheCleanup,
			Interval:    config.CacheCleanupInterval,
			Blocking:    config.CacheCleanupBlocking,
		})
	} else {
		s.logger.Debug("no cache cleanup configured")
	}

	retention := config.JobRetention
	specs = append(specs, PeriodicSpec{
		Name: JobCleanupTaskName,
		Maintenance: MaintenanceFunc(func(context.Context) error {
			s.queue.CleanupOldJobs(retention)
			return nil
		}),
		Interval: config.JobCleanupInterval,
	})
	specs = append(specs, config.Extra...)

	for _, spec := range specs {
		if spec.Maintenance == nil {
			s.logger.Warn("skipping periodic runner without maintenance", "runner", spec.Name)
			continue
		}
		s.startRunner(spec)
	}

	s.logger.Info("background services started", "runners", len(specs))
	return nil
}

func (s *Supervisor) startRunner(spec PeriodicSpec) {
	var opts []RunnerOption
	if spec.Blocking {
		opts = append(opts, WithBlockingExecutor(s.queue.Executor()))
	}
	r := NewPeriodicRunner(spec.Name, spec.Maintenance, spec.Interval, s.signal, s.logger, opts...)

	s.mu.Lock()
	s.runners = append(s.runners, r)
	s.mu.Unlock()

	s.CreateTask(spec.Name, r.Run)
}

// RunnerStats returns a snapshot of every maintenance runner's counters
func (s *Supervisor) RunnerStats() []RunnerStats {
	s.mu.Lock()
	runners := make([]*PeriodicRunner, len(s.runners))
	copy(runners, s.runners)
	s.mu.Unlock()

	out := make([]RunnerStats, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.Stats())
	}
	return out
}

// Shutdown stops everything the supervisor owns. It waits up to timeout for
// tracked tasks, cancels the survivors and gives them ForceCancelGrace to
// unwind, runs the cleanup callbacks, then stops the job queue with
// whatever remains of timeout. Cleanup callbacks get the remaining budget,
// or ForceCancelGrace if less remains; callbacks still running after that
// are abandoned. A call made while a shutdown is in progress or finished
// returns immediately.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	if !s.signal.Set() {
		s.logger.Debug("shutdown already requested, ignoring")
		return
	}

	start := time.Now()
	deadline := start.Add(timeout)

	s.setState(StateShutdownRequested)
	s.logger.Info("shutdown requested", "timeout", timeout)

	s.setState(StateDraining)
	remaining := waitTasks(s.trackedTasks(), timeout)

	if len(remaining) > 0 {
		s.setState(StateForceCancelling)
		s.logger.Warn("tasks still running after shutdown timeout, cancelling",
			"error", ErrShutdownTimeoutExceeded,
			"remaining", len(remaining))
		for _, t := range remaining {
			t.Cancel()
		}
		for _, t := range waitTasks(remaining, s.config.ForceCancelGrace) {
			s.logger.Error("task did not exit after cancellation",
				"task", t.name,
				"task_id", t.id)
		}
	}
	s.cancel()

	s.setState(StateCleaningUp)
	cleanupWait := time.Until(deadline)
	if cleanupWait < s.config.ForceCancelGrace {
		cleanupWait = s.config.ForceCancelGrace
	}
	s.runCleanups(cleanupWait)

	if s.queue != nil {
		budget := time.Until(deadline)
		if budget < 0 {
			budget = 0
		}
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		if err := s.queue.Stop(ctx); err != nil {
			s.logger.Warn("job queue did not drain before shutdown deadline", "error", err)
		}
		cancel()
	}

	s.mu.Lock()
	s.background = false
	s.mu.Unlock()

	s.Close()
	s.setState(StateStopped)
	close(s.done)

	s.logger.Info("shutdown complete", "duration", time.Since(start))
}

// runCleanups runs the callbacks in registration order on one goroutine and
// waits at most wait for them.
func (s *Supervisor) runCleanups(wait time.Duration) {
	s.mu.Lock()
	cleanups := make([]func() error, len(s.cleanups))
	copy(cleanups, s.cleanups)
	s.mu.Unlock()

	if len(cleanups) == 0 {
		return
	}

	var finished atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, fn := range cleanups {
			if err := callCleanup(fn); err != nil {
				s.logger.Error("cleanup callback failed", "index", i, "error", err)
			}
			finished.Add(1)
		}
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		n := int(finished.Load())
		s.logger.Error("cleanup callbacks did not finish in time, abandoning",
			"stuck_index", n,
			"completed", n,
			"abandoned", len(cleanups)-n,
			"wait", wait)
	}
}

func callCleanup(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()
	return fn()
}

// waitTasks waits up to d for tasks to finish and returns the unfinished ones.
func waitTasks(tasks []*ManagedTask, d time.Duration) []*ManagedTask {
	if len(tasks) == 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	for i, t := range tasks {
		select {
		case <-t.done:
		case <-timer.C:
			var unfinished []*ManagedTask
			for _, rest := range tasks[i:] {
				select {
				case <-rest.done:
				default:
					unfinished = append(unfinished, rest)
				}
			}
			return unfinished
		}
	}
	return nil
}

func (s *Supervisor) trackedTasks() []*ManagedTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ManagedTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("supervisor state changed", "state", state)
}

// State returns the current step of the shutdown state machine
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel closed once shutdown has completed
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// ShutdownRequested returns a channel closed as soon as shutdown begins
func (s *Supervisor) ShutdownRequested() <-chan struct{} {
	return s.signal.Done()
}

// IsShutdownRequested reports whether shutdown has begun
func (s *Supervisor) IsShutdownRequested() bool {
	return s.signal.IsSet()
}

// GetTaskStats returns a snapshot of the supervisor's counters
func (s *Supervisor) GetTaskStats() TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return TaskStats{
		Total:             s.created,
		Running:           len(s.tasks),
		Completed:         s.completed,
		Failed:            s.failed,
		Cancelled:         s.cancelled,
		BackgroundRunning: s.background,
		ShutdownRequested: s.signal.IsSet(),
		State:             s.state,
	}
}
