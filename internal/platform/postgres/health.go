package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pinger is the part of a connection pool the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus is the outcome of the most recent health check.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// HealthMaintenance pings the database on every run and logs pool
// statistics. It satisfies task.Maintenance so the supervisor can run it
// periodically.
type HealthMaintenance struct {
	pool    Pinger
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	status HealthStatus
}

// NewHealthMaintenance creates a health check for pool. Each ping is bounded
// by timeout; a non-positive timeout falls back to five seconds.
func NewHealthMaintenance(pool Pinger, timeout time.Duration, logger *slog.Logger) *HealthMaintenance {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMaintenance{
		pool:    pool,
		timeout: timeout,
		logger:  logger.With("component", "db_health"),
	}
}

// Run pings the database once and records the outcome.
func (h *HealthMaintenance) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.pool.Ping(ctx)

	status := HealthStatus{Healthy: err == nil, CheckedAt: time.Now()}
	if err != nil {
		status.Error = describe(err)
	}
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()

	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	if p, ok := h.pool.(*pgxpool.Pool); ok {
		stat := p.Stat()
		h.logger.Debug("database pool healthy",
			"total_conns", stat.TotalConns(),
			"idle_conns", stat.IdleConns(),
			"acquired_conns", stat.AcquiredConns())
	}
	return nil
}

// Status returns the outcome of the most recent check. It reports unhealthy
// until the first check has run.
func (h *HealthMaintenance) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// describe renders err without leaking connection details.
func describe(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Sprintf("postgres error %s", pgErr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "ping timed out"
	}
	return "database unreachable"
}
