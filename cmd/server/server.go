package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// serveHTTP serves the ops API on ln until shutdown is requested or ctx is
// cancelled, then shuts the server down gracefully. Open connections are
// closed once ctx is cancelled or the shutdown timeout passes. If the server
// fails on its own it requests shutdown of the whole application.
func (app *application) serveHTTP(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           app.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		app.logger.Info("starting server", "addr", ln.Addr().String())
		serveErr <- server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		app.logger.Error("server failed", "error", err)
		go app.supervisor.Shutdown(app.config.Supervisor.ShutdownTimeout)
		return fmt.Errorf("server failed: %w", err)
	case <-app.supervisor.ShutdownRequested():
		app.logger.Info("shutting down server")
	case <-ctx.Done():
		app.logger.Info("server context cancelled, shutting down")
	}

	// ctx is cancelled by the supervisor's force phase, which cuts the
	// graceful drain short
	shutdownCtx, cancel := context.WithTimeout(ctx, app.config.Supervisor.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn("graceful server shutdown interrupted, closing connections", "error", err)
		if closeErr := server.Close(); closeErr != nil {
			app.logger.Error("failed to close server", "error", closeErr)
		}
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.logger.Info("server shutdown completed")
	return nil
}
