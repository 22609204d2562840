package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phrazzld/scry-jobs/internal/api/shared"
	"github.com/phrazzld/scry-jobs/internal/redact"
	"github.com/phrazzld/scry-jobs/internal/task"
)

// JobQueue is the part of the job queue the ops API reads and controls.
type JobQueue interface {
	GetJobStatus(jobID string) (task.Job, bool)
	GetJobResult(jobID string) any
	CancelJob(jobID string) bool
	CleanupOldJobs(maxAge time.Duration) int
	GetQueueStats() task.QueueStats
}

// JobResultResponse is the payload of GET /api/jobs/{id}/result.
type JobResultResponse struct {
	ID     string         `json:"id"`
	Status task.JobStatus `json:"status"`
	Result any            `json:"result"`
	Error  string         `json:"error,omitempty"`
}

// CancelJobResponse is the payload of DELETE /api/jobs/{id}.
type CancelJobResponse struct {
	ID        string         `json:"id"`
	Cancelled bool           `json:"cancelled"`
	Status    task.JobStatus `json:"status"`
}

// CleanupJobsRequest is the body of POST /api/jobs/cleanup.
type CleanupJobsRequest struct {
	MaxAgeSeconds int64 `json:"max_age_seconds" validate:"required,gt=0"`
}

// CleanupJobsResponse is the payload of POST /api/jobs/cleanup.
type CleanupJobsResponse struct {
	Removed int `json:"removed"`
}

// JobHandler serves job status, results, cancellation and retention cleanup.
type JobHandler struct {
	queue  JobQueue
	logger *slog.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(queue JobQueue, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		queue:  queue,
		logger: logger.With("component", "job_handler"),
	}
}

// GetJob handles GET /api/jobs/{id}. Job errors are redacted before they
// are returned.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, ok := h.queue.GetJobStatus(id)
	if !ok {
		shared.RespondWithError(w, r, http.StatusNotFound, "Job not found")
		return
	}
	job.Error = redact.String(job.Error)
	shared.RespondWithJSON(w, r, http.StatusOK, job)
}

// GetJobResult handles GET /api/jobs/{id}/result.
func (h *JobHandler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, ok := h.queue.GetJobStatus(id)
	if !ok {
		shared.RespondWithError(w, r, http.StatusNotFound, "Job not found")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, JobResultResponse{
		ID:     job.ID,
		Status: job.Status,
		Result: h.queue.GetJobResult(id),
		Error:  redact.String(job.Error),
	})
}

// CancelJob handles DELETE /api/jobs/{id}. Only pending jobs can be
// cancelled; any other known job yields 409.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok := h.queue.GetJobStatus(id); !ok {
		shared.RespondWithError(w, r, http.StatusNotFound, "Job not found")
		return
	}

	if !h.queue.CancelJob(id) {
		shared.RespondWithError(w, r, http.StatusConflict, "Job is not pending and cannot be cancelled")
		return
	}

	h.logger.Info("job cancelled via API", "job_id", id)

	job, _ := h.queue.GetJobStatus(id)
	shared.RespondWithJSON(w, r, http.StatusOK, CancelJobResponse{
		ID:        id,
		Cancelled: true,
		Status:    job.Status,
	})
}

// CleanupJobs handles POST /api/jobs/cleanup, removing terminal jobs older
// than the requested age.
func (h *JobHandler) CleanupJobs(w http.ResponseWriter, r *http.Request) {
	var req CleanupJobsRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "max_age_seconds must be a positive integer", err)
		return
	}

	removed := h.queue.CleanupOldJobs(time.Duration(req.MaxAgeSeconds) * time.Second)
	shared.RespondWithJSON(w, r, http.StatusOK, CleanupJobsResponse{Removed: removed})
}
