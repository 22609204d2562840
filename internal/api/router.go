package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apiMiddleware "github.com/phrazzld/scry-jobs/internal/api/middleware"
)

// tokenClockSkew is the leeway allowed on token time claims
const tokenClockSkew = 30 * time.Second

// RouterConfig holds the dependencies of the ops API router.
type RouterConfig struct {
	Queue      JobQueue
	Supervisor Supervisor
	// Database is optional
	Database DatabaseHealth
	// JWTSecret guards /api when set
	JWTSecret string
	Logger    *slog.Logger
}

// NewRouter creates the ops API router with all routes and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(cfg.Logger))

	jobHandler := NewJobHandler(cfg.Queue, cfg.Logger)
	statsHandler := NewStatsHandler(cfg.Queue, cfg.Supervisor, cfg.Database)

	r.Route("/api", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(apiMiddleware.NewAuthMiddleware(cfg.JWTSecret, tokenClockSkew).Authenticate)
		} else {
			cfg.Logger.Warn("ops API is unauthenticated, no JWT secret configured")
		}

		r.Post("/jobs/cleanup", jobHandler.CleanupJobs)
		r.Get("/jobs/{id}", jobHandler.GetJob)
		r.Get("/jobs/{id}/result", jobHandler.GetJobResult)
		r.Delete("/jobs/{id}", jobHandler.CancelJob)

		r.Get("/stats/queue", statsHandler.QueueStats)
		r.Get("/stats/tasks", statsHandler.TaskStats)
	})

	r.Get("/health", statsHandler.Health)

	return r
}
