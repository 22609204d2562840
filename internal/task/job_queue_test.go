package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobQueue_Defaults(t *testing.T) {
	t.Parallel()

	logger, logs := setupCaptureLogger()
	q := NewJobQueue(JobQueueConfig{WorkerCount: -1, QueueSize: 0, BlockingWorkers: -2}, logger)

	for _, msg := range []string{
		"invalid worker count specified",
		"invalid queue size specified",
		"invalid blocking worker count specified",
		"invalid force grace specified",
	} {
		assert.Contains(t, logs.String(), msg)
	}

	defaults := DefaultJobQueueConfig()
	assert.Equal(t, defaults.WorkerCount, q.config.WorkerCount)
	assert.Equal(t, defaults.QueueSize, q.config.QueueSize)
	assert.Equal(t, defaults.BlockingWorkers, q.config.BlockingWorkers)
	assert.Equal(t, defaults.ForceGrace, q.config.ForceGrace)

	stats := q.GetQueueStats()
	assert.False(t, stats.Started)
	assert.False(t, stats.Stopped)
	assert.Equal(t, defaults.QueueSize, stats.Capacity)
}

func TestJobQueue_Start_Idempotent(t *testing.T) {
	t.Parallel()

	q := newStartedQueue(t, JobQueueConfig{WorkerCount: 2, QueueSize: 10})
	require.NoError(t, q.Start())
	assert.True(t, q.GetQueueStats().Started)
}

func TestJobQueue_SubmitJob_Rejections(t *testing.T) {
	t.Parallel()

	logger := setupTestLogger()
	noop := func(context.Context) (any, error) { return nil, nil }

	t.Run("not started", func(t *testing.T) {
		q := NewJobQueue(DefaultJobQueueConfig(), logger)
		_, err := q.SubmitJob(noop)
		assert.ErrorIs(t, err, ErrQueueNotStarted)
		assert.ErrorIs(t, err, ErrSubmissionRejected)
	})

	t.Run("nil work", func(t *testing.T) {
		q := newStartedQueue(t, DefaultJobQueueConfig())
		_, err := q.SubmitJob(nil)
		assert.ErrorIs(t, err, ErrNilWork)
		assert.ErrorIs(t, err, ErrSubmissionRejected)
	})

	t.Run("duplicate id", func(t *testing.T) {
		q := newStartedQueue(t, DefaultJobQueueConfig())
		id, err := q.SubmitJob(noop, WithJobID("report-1"))
		require.NoError(t, err)
		assert.Equal(t, "report-1", id)

		_, err = q.SubmitJob(noop, WithJobID("report-1"))
		assert.ErrorIs(t, err, ErrDuplicateJobID)
		assert.ErrorIs(t, err, ErrSubmissionRejected)
	})

	t.Run("id reused after cleanup", func(t *testing.T) {
		q := newStartedQueue(t, DefaultJobQueueConfig())
		id, err := q.SubmitJob(noop, WithJobID("report-1"))
		require.NoError(t, err)
		waitForStatus(t, q, id, JobStatusCompleted)

		q.mu.Lock()
		q.jobs[id].completedAt = time.Now().Add(-48 * time.Hour)
		q.mu.Unlock()
		require.Equal(t, 1, q.CleanupOldJobs(24*time.Hour))

		_, ok := q.GetJobStatus(id)
		require.False(t, ok)

		_, err = q.SubmitJob(noop, WithJobID("report-1"))
		assert.ErrorIs(t, err, ErrDuplicateJobID)
	})

	t.Run("stopped", func(t *testing.T) {
		q := NewJobQueue(DefaultJobQueueConfig(), logger)
		require.NoError(t, q.Start())
		require.NoError(t, q.Stop(context.Background()))

		_, err := q.SubmitJob(noop)
		assert.ErrorIs(t, err, ErrQueueStopped)
		assert.ErrorIs(t, err, ErrSubmissionRejected)
		assert.ErrorIs(t, q.Start(), ErrQueueStopped)
	})
}

func TestJobQueue_SubmitJob_UniqueIDsStartPending(t *testing.T) {
	t.Parallel()

	q := newStartedQueue(t, JobQueueConfig{WorkerCount: 1, QueueSize: 50})

	release := make(chan struct{})
	defer close(release)

	gateID, err := q.SubmitJob(gateJob(release))
	require.NoError(t, err)
	waitForStatus(t, q, gateID, JobStatusRunning)

	seen := map[string]bool{gateID: true}
	for i := 0; i < 20; i++ {
		id, err := q.SubmitJob(gateJob(release))
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate job id %s", id)
		seen[id] = true

		job, ok := q.GetJobStatus(id)
		require.True(t, ok)
		assert.Equal(t, JobStatusPending, job.Status)
		assert.Equal(t, PriorityDefault, job.Priority)
		assert.False(t, job.CreatedAt.IsZero())
		assert.Nil(t, job.StartedAt)
		assert.Nil(t, job.CompletedAt)
	}
}

func TestJobQueue_SubmitJob_CapacityRejects(t *testing.T) {
	t.Parallel()

	q := newStartedQueue(t, JobQueueConfig{WorkerCount: 1, QueueSize: 2})

	release := make(chan struct{})
	defer close(release)

	gateID, err := q.SubmitJob(gateJob(release))
	require.NoError(t, err)
	waitForStatus(t, q, gateID, JobStatusRunning)

	_, err = q.SubmitJob(gateJob(release))
	require.NoError(t, err)
	_, err = q.SubmitJob(gateJob(release))
	require.NoError(t, err)

	_, err = q.SubmitJob(gateJob(release))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, ErrSubmissionRejected)
	assert.Contains(t, err.Error(), "queue capacity 2 reached")
}

func TestJobQueue_PriorityOrder(t *testing.T) {
	t.Parallel()

	q := newStartedQueue(t, JobQueueConfig{WorkerCount: 1, QueueSize: 10})

	release := make(chan struct{})
	gateID, err := q.SubmitJob(gateJob(release))
	require.NoError(t, err)
	waitForStatus(t, q, gateID, JobStatusRunning)

	var mu sync.Mutex
	var order []int
	record := func(priority int) WorkFunc {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, priority)
			mu.Unlock()
			return priority, nil
		}
	}

	var ids []string
	for _, p := range []int{PriorityLowest, PriorityDefault, PriorityHighest} {
		id, err := q.SubmitJob(record(p), WithPriority(p))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	close(release)
	for _, id := range ids {
		waitForStatus(t, q, id, JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 5, 10}, order)
}

func TestJobQueue_SamePriorityIsFIFO(t *testing.T) {
	t.Parallel()

	q := newStartedQueue(t, JobQueueConfig{WorkerCount: 1, QueueSize: 10})

	release := make(chan struct{})
	gateID, err := q.SubmitJob(gateJob(release))
	require.NoError(t, err)
	waitForStatus(t, q, gateID, JobStatusRunning)

	var mu sync.Mutex
	var order []string
	var ids []string
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("job-%d", i)
		id, err := q.SubmitJob(func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}, WithJobID(name))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	close(release)
	for _, id := range ids {
		waitForStatus(t, q, id, JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order)
}

func TestJobQueue_CancelJob(t *testing.T) {
	t.Parallel()

	q := newStartedQueue(t, JobQueueConfig{WorkerCount: 1, QueueSize: 10})

	release := make(chan struct{})
	gateID, err := q.SubmitJob(gateJob(release))
	require.NoError(t, err)
	waitForStatus(t, q, gateID, JobStatusRunning)

	ran := make(chan struct{}, 1)
	id, err := q.SubmitJob(func(context.Context) (any, error) {
		ran <- struct{}{}
		return nil, nil
	})
	require.NoError(t, err)

	assert.True(t, q.CancelJob(id))
	assert.False(t, q.CancelJob(id), "second cancel must report false")
	assert.False(t, q.CancelJob(gateID), "running jobs are not cancellable")
	assert.False(t, q.CancelJob("unknown"))

	job, ok := q.GetJobStatus(id)
	require.True(t, ok)
	assert.Equal(t, JobStatusCancelled, job.Status)
	assert.NotNil(t, job.CompletedAt)

	close(release)
	waitForStatus(t, q, gateID, JobStatusCompleted)

	// let the worker consume the cancelled job's stale token
	after, err := q.SubmitJob(func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	waitForStatus(t, q, after, JobStatusCompleted)

	select {
	case <-ran:
		t.Fatal("cancelled job was executed")
	default:
	}
	job, _ = q.GetJobStatus(id)
	assert.Equal(t, JobStatusCancelled, job.Status)
}

func TestJobQueue_JobOutcomes(t *testing.T) {
	t.Parallel()

	q := newStartedQueue(t, JobQueueConfig{WorkerCount: 2, QueueSize: 10})

	okID, err := q.SubmitJob(func(context.Context) (any, error) {
		return map[string]int{"cards": 3}, nil
	})
	require.NoError(t, err)

	failID, err := q.SubmitJob(func(context.Context) (any, error) {
		return "ignored", errors.New("upstream unavailable")
	})
	require.NoError(t, err)

	panicID, err := q.SubmitJob(func(context.Context) (any, error) {
		panic("boom")
	})
	require.NoError(t, err)

	waitForStatus(t, q, okID, JobStatusCompleted)
	waitForStatus(t, q, failID, JobStatusFailed)
	waitForStatus(t, q, panicID, JobStatusFailed)

	job, _ := q.GetJobStatus(okID)
	assert.Equal(t, 100, job.Progress)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.GreaterOrEqual(t, job.Duration(), time.Duration(0))
	assert.True(t, job.IsComplete())
	assert.Equal(t, map[string]int{"cards": 3}, q.GetJobResult(okID))

	job, _ = q.GetJobStatus(failID)
	assert.Equal(t, "upstream unavailable", job.Error)
	assert.Nil(t, q.GetJobResult(failID))

	job, _ = q.GetJobStatus(panicID)
	assert.Equal(t, "panic: boom", job.Error)
	assert.Nil(t, q.GetJobResult(panicID))

	assert.Nil(t, q.GetJobResult("unknown"))
	_, ok := q.GetJobStatus("unknown")
	assert.False(t, ok)

	// workers survive a panicking job
	id, err := q.SubmitJob(func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	waitForStatus(t, q, id, JobStatusCompleted)
}

func TestJobQueue_ReportProgress(t *testing.T) {
	t.Parallel()

	q := newStartedQueue(t, JobQueueConfig{WorkerCount: 1, QueueSize: 10})

	reported := make(chan struct{})
	release := make(chan struct{})
	id, err := q.SubmitJob(func(ctx context.Context) (any, error) {
		ReportProgress(ctx, 40)
		close(reported)
		<-release
		ReportProgress(ctx, 250)
		return nil, nil
	})
	require.NoError(t, err)

	<-reported
	job, _ := q.GetJobStatus(id)
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.Equal(t, 40, job.Progress)
	assert.Nil(t, q.GetJobResult(id), "result is only visible once completed")

	close(release)
	waitForStatus(t, q, id, JobStatusCompleted)
	job, _ = q.GetJobStatus(id)
	assert.Equal(t, 100, job.Progress)

	// outside a job it is a no-op
	ReportProgress(context.Background(), 10)
}

func TestJobQueue_BlockingJob(t *testing.T) {
	t.Parallel()

	q := newStartedQueue(t, JobQueueConfig{WorkerCount: 1, QueueSize: 10, BlockingWorkers: 1})

	id, err := q.SubmitJob(func(context.Context) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return "done", nil
	}, WithBlocking(), WithPriority(PriorityHighest))
	require.NoError(t, err)

	waitForStatus(t, q, id, JobStatusCompleted)
	job, _ := q.GetJobStatus(id)
	assert.True(t, job.Blocking)
	assert.Equal(t, "done", q.GetJobResult(id))
}

func TestJobQueue_CleanupOldJobs(t *testing.T) {
	t.Parallel()

	q := newStartedQueue(t, JobQueueConfig{WorkerCount: 2, QueueSize: 10})

	ages := map[string]time.Duration{}
	for _, age := range []time.Duration{25 * time.Hour, 26 * time.Hour, time.Hour} {
		id, err := q.SubmitJob(func(context.Context) (any, error) { return nil, nil })
		require.NoError(t, err)
		waitForStatus(t, q, id, JobStatusCompleted)
		ages[id] = age
	}

	release := make(chan struct{})
	defer close(release)
	runningID, err := q.SubmitJob(gateJob(release))
	require.NoError(t, err)
	waitForStatus(t, q, runningID, JobStatusRunning)

	now := time.Now()
	q.mu.Lock()
	for id, age := range ages {
		q.jobs[id].completedAt = now.Add(-age)
	}
	q.now = func() time.Time { return now }
	q.mu.Unlock()

	removed := q.CleanupOldJobs(24 * time.Hour)
	assert.Equal(t, 2, removed)

	for id, age := range ages {
		_, ok := q.GetJobStatus(id)
		assert.Equal(t, age < 24*time.Hour, ok, "job aged %s", age)
	}
	_, ok := q.GetJobStatus(runningID)
	assert.True(t, ok, "running jobs are never cleaned up")

	assert.Equal(t, 0, q.CleanupOldJobs(24*time.Hour))
}

func TestJobQueue_GetQueueStats(t *testing.T) {
	t.Parallel()

	q := newStartedQueue(t, JobQueueConfig{WorkerCount: 1, QueueSize: 10, BlockingWorkers: 3})

	release := make(chan struct{})
	defer close(release)

	okID, err := q.SubmitJob(func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	waitForStatus(t, q, okID, JobStatusCompleted)

	failID, err := q.SubmitJob(func(context.Context) (any, error) { return nil, errors.New("nope") })
	require.NoError(t, err)
	waitForStatus(t, q, failID, JobStatusFailed)

	gateID, err := q.SubmitJob(gateJob(release))
	require.NoError(t, err)
	waitForStatus(t, q, gateID, JobStatusRunning)

	pendingID, err := q.SubmitJob(gateJob(release))
	require.NoError(t, err)
	cancelID, err := q.SubmitJob(gateJob(release))
	require.NoError(t, err)
	require.True(t, q.CancelJob(cancelID))

	stats := q.GetQueueStats()
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 10, stats.Capacity)
	assert.Equal(t, 1, stats.Workers)
	assert.Equal(t, 3, stats.BlockingWorkers)
	assert.True(t, stats.Started)

	job, _ := q.GetJobStatus(pendingID)
	assert.Equal(t, JobStatusPending, job.Status)
}

func TestJobQueue_Stop_DrainsWithinDeadline(t *testing.T) {
	t.Parallel()

	q := NewJobQueue(JobQueueConfig{WorkerCount: 1, QueueSize: 10}, setupTestLogger())
	require.NoError(t, q.Start())

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.SubmitJob(func(context.Context) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return nil, nil
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))

	for _, id := range ids {
		job, _ := q.GetJobStatus(id)
		assert.Equal(t, JobStatusCompleted, job.Status)
	}
	assert.True(t, q.GetQueueStats().Stopped)

	// second stop is a no-op
	assert.NoError(t, q.Stop(context.Background()))
}

func TestJobQueue_Stop_ForcesCancellation(t *testing.T) {
	t.Parallel()

	q := NewJobQueue(JobQueueConfig{
		WorkerCount: 1,
		QueueSize:   10,
		ForceGrace:  50 * time.Millisecond,
	}, setupTestLogger())
	require.NoError(t, q.Start())

	slowID, err := q.SubmitJob(func(ctx context.Context) (any, error) {
		select {
		case <-time.After(2 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.NoError(t, err)
	waitForStatus(t, q, slowID, JobStatusRunning)

	queuedID, err := q.SubmitJob(func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = q.Stop(ctx)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrShutdownTimeoutExceeded)
	assert.Less(t, elapsed, time.Second)

	job, _ := q.GetJobStatus(slowID)
	assert.Equal(t, JobStatusCancelled, job.Status)
	job, _ = q.GetJobStatus(queuedID)
	assert.Equal(t, JobStatusCancelled, job.Status)
}

func TestJobQueue_Stop_AbandonsUncooperativeWork(t *testing.T) {
	t.Parallel()

	q := NewJobQueue(JobQueueConfig{
		WorkerCount: 1,
		QueueSize:   10,
		ForceGrace:  20 * time.Millisecond,
	}, setupTestLogger())
	require.NoError(t, q.Start())

	id, err := q.SubmitJob(func(context.Context) (any, error) {
		time.Sleep(2 * time.Second)
		return "ignored", nil
	})
	require.NoError(t, err)
	waitForStatus(t, q, id, JobStatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.ErrorIs(t, q.Stop(ctx), ErrShutdownTimeoutExceeded)
	assert.Less(t, time.Since(start), time.Second)

	job, _ := q.GetJobStatus(id)
	assert.Equal(t, JobStatusCancelled, job.Status)
}

// TestJobQueue_StatusTransitions drives random submissions, outcomes and
// cancellations concurrently and checks every observed status sequence only
// moves forward.
func TestJobQueue_StatusTransitions(t *testing.T) {
	t.Parallel()

	allowed := map[JobStatus][]JobStatus{
		JobStatusPending: {JobStatusPending, JobStatusRunning, JobStatusCancelled},
		JobStatusRunning: {JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	}
	isAllowed := func(from, to JobStatus) bool {
		if from == to {
			return true
		}
		for _, s := range allowed[from] {
			if s == to {
				return true
			}
		}
		return false
	}

	for seed := int64(1); seed <= 5; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewSource(seed))
			q := newStartedQueue(t, JobQueueConfig{WorkerCount: 3, QueueSize: 200, BlockingWorkers: 2})

			var ids []string
			for i := 0; i < 60; i++ {
				outcome := rng.Intn(3)
				delay := time.Duration(rng.Intn(3)) * time.Millisecond
				opts := []SubmitOption{WithPriority(rng.Intn(10) + 1)}
				if rng.Intn(4) == 0 {
					opts = append(opts, WithBlocking())
				}
				id, err := q.SubmitJob(func(context.Context) (any, error) {
					time.Sleep(delay)
					switch outcome {
					case 0:
						return "ok", nil
					case 1:
						return nil, errors.New("failed")
					default:
						panic("boom")
					}
				}, opts...)
				require.NoError(t, err)
				ids = append(ids, id)
			}

			last := make(map[string]JobStatus, len(ids))
			observe := func() {
				for _, id := range ids {
					job, ok := q.GetJobStatus(id)
					if !assert.True(t, ok) {
						continue
					}
					if prev, seen := last[id]; seen {
						assert.True(t, isAllowed(prev, job.Status),
							"job %s moved from %s to %s", id, prev, job.Status)
					}
					last[id] = job.Status
				}
			}

			var cancelled sync.WaitGroup
			cancelled.Add(1)
			go func() {
				defer cancelled.Done()
				for _, i := range rng.Perm(len(ids))[:20] {
					q.CancelJob(ids[i])
				}
			}()

			require.Eventually(t, func() bool {
				observe()
				for _, status := range last {
					if !status.IsTerminal() {
						return false
					}
				}
				return true
			}, 5*time.Second, time.Millisecond)
			cancelled.Wait()

			// terminal states are never overwritten
			observe()
			time.Sleep(10 * time.Millisecond)
			observe()
		})
	}
}
