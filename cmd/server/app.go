package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/phrazzld/scry-jobs/internal/api"
	"github.com/phrazzld/scry-jobs/internal/config"
	"github.com/phrazzld/scry-jobs/internal/platform/postgres"
	"github.com/phrazzld/scry-jobs/internal/task"
)

// Names of the tasks the application starts under the supervisor
const (
	httpServerTaskName = "http_server"
	dbHealthTaskName   = "db_health"
)

// dbPingTimeout bounds each database health check
const dbPingTimeout = 5 * time.Second

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	queue      *task.JobQueue
	supervisor *task.Supervisor

	// nil when no database is configured
	dbHealth *postgres.HealthMaintenance
}

// newApplication creates the job queue and supervisor and, when a database
// URL is configured, connects to the database and registers its health
// maintenance and cleanup.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}

	app.queue = task.NewJobQueue(cfg.JobQueueConfig(), logger.With("component", "job_queue"))
	app.supervisor = task.NewSupervisor(app.queue, cfg.SupervisorConfig(), logger.With("component", "supervisor"))

	if cfg.Database.URL == "" {
		logger.Info("no database configured, skipping database health maintenance")
		return app, nil
	}

	pool, err := postgres.Connect(ctx, cfg.Database.URL, logger)
	if err != nil {
		app.supervisor.Close()
		return nil, fmt.Errorf("failed to set up database: %w", err)
	}
	app.dbHealth = postgres.NewHealthMaintenance(pool, dbPingTimeout, logger)
	app.supervisor.AddCleanupCallback(postgres.CloseFunc(pool, logger))

	return app, nil
}

// backgroundConfig returns the maintenance the supervisor runs alongside
// the job queue.
func (app *application) backgroundConfig() task.BackgroundConfig {
	bg := app.config.BackgroundConfig()
	if app.dbHealth != nil {
		bg.Extra = append(bg.Extra, task.PeriodicSpec{
			Name:        dbHealthTaskName,
			Maintenance: app.dbHealth,
			Interval:    app.config.Supervisor.DBHealthInterval,
			Blocking:    true,
		})
	}
	return bg
}

// router creates the ops API handler.
func (app *application) router() http.Handler {
	rc := api.RouterConfig{
		Queue:      app.queue,
		Supervisor: app.supervisor,
		JWTSecret:  app.config.Auth.JWTSecret,
		Logger:     app.logger,
	}
	if app.dbHealth != nil {
		rc.Database = app.dbHealth
	}
	return api.NewRouter(rc)
}

// run starts the background services and the HTTP server on ln, then blocks
// until the supervisor has shut down.
func (app *application) run(ln net.Listener) error {
	if err := app.supervisor.StartBackgroundServices(app.backgroundConfig()); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to start background services: %w", err)
	}

	app.supervisor.CreateTask(httpServerTaskName, func(ctx context.Context) error {
		return app.serveHTTP(ctx, ln)
	})

	<-app.supervisor.Done()
	app.logger.Info("application stopped")
	return nil
}
