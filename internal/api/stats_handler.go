package api

import (
	"net/http"

	"github.com/phrazzld/scry-jobs/internal/api/shared"
	"github.com/phrazzld/scry-jobs/internal/platform/postgres"
	"github.com/phrazzld/scry-jobs/internal/task"
)

// Supervisor is the part of the supervisor the ops API reads.
type Supervisor interface {
	GetTaskStats() task.TaskStats
	RunnerStats() []task.RunnerStats
	IsShutdownRequested() bool
}

// DatabaseHealth reports the outcome of the latest database health check.
type DatabaseHealth interface {
	Status() postgres.HealthStatus
}

// TaskStatsResponse is the payload of GET /api/stats/tasks.
type TaskStatsResponse struct {
	task.TaskStats
	Runners []task.RunnerStats `json:"runners"`
}

// HealthResponse is the payload of GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Database *postgres.HealthStatus `json:"database,omitempty"`
}

// StatsHandler serves queue and task statistics and the health check.
type StatsHandler struct {
	queue      JobQueue
	supervisor Supervisor
	database   DatabaseHealth
}

// NewStatsHandler creates a new StatsHandler. database may be nil.
func NewStatsHandler(queue JobQueue, supervisor Supervisor, database DatabaseHealth) *StatsHandler {
	return &StatsHandler{
		queue:      queue,
		supervisor: supervisor,
		database:   database,
	}
}

// QueueStats handles GET /api/stats/queue.
func (h *StatsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.queue.GetQueueStats())
}

// TaskStats handles GET /api/stats/tasks.
func (h *StatsHandler) TaskStats(w http.ResponseWriter, r *http.Request) {
	runners := h.supervisor.RunnerStats()
	if runners == nil {
		runners = []task.RunnerStats{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, TaskStatsResponse{
		TaskStats: h.supervisor.GetTaskStats(),
		Runners:   runners,
	})
}

// Health handles GET /health. It reports 503 once shutdown has been
// requested so load balancers stop routing to the instance. Database
// health is informational only.
func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.database != nil {
		status := h.database.Status()
		resp.Database = &status
	}

	if h.supervisor.IsShutdownRequested() {
		resp.Status = "shutting_down"
		shared.RespondWithJSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}
