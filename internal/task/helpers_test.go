package task

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// logBuffer is a goroutine-safe sink for inspecting log output.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func setupCaptureLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})), buf
}

// newStartedQueue returns a started queue that is stopped when the test ends.
func newStartedQueue(t *testing.T, config JobQueueConfig) *JobQueue {
	t.Helper()

	q := NewJobQueue(config, setupTestLogger())
	require.NoError(t, q.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

// gateJob returns work that blocks until release is closed or ctx is done.
func gateJob(release <-chan struct{}) WorkFunc {
	return func(ctx context.Context) (any, error) {
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func waitForStatus(t *testing.T, q *JobQueue, id string, status JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, ok := q.GetJobStatus(id)
		return ok && job.Status == status
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
}
