// Package main implements the entry point for the scry-jobs server, which
// runs the background job queue and its maintenance under a supervisor and
// exposes an ops API for inspecting and controlling jobs.
package main

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/phrazzld/scry-jobs/internal/config"
	"github.com/phrazzld/scry-jobs/internal/platform/logger"
)

// main is the entry point for the scry-jobs server. It blocks until the
// supervisor has completed shutdown, normally after SIGINT or SIGTERM.
func main() {
	if err := run(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"worker_count", cfg.Task.WorkerCount,
		"queue_size", cfg.Task.QueueSize,
		"database_configured", cfg.Database.URL != "",
		"auth_enabled", cfg.Auth.JWTSecret != "")

	app, err := newApplication(context.Background(), cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		app.supervisor.Shutdown(cfg.Supervisor.ShutdownTimeout)
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}

	return app.run(ln)
}
