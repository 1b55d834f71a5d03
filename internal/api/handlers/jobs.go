// Package handlers implements the admin jobs API handlers.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trailpulse/internal/api"
	"trailpulse/internal/jobstore"
	"trailpulse/internal/types"
)

// recentRunsLimit is the page size of the recent-runs listing, matching the
// admin page's table.
const recentRunsLimit = 100

// maxRetryBodySize caps the retry request body (1 MB).
const maxRetryBodySize = 1 << 20

// JobAdminStore is the slice of the Job Store the admin surface needs.
type JobAdminStore interface {
	GetJob(ctx context.Context, queue, jobID string) (*jobstore.Job, error)
	RetryJob(ctx context.Context, queue, jobID string) error
	Counts(ctx context.Context, queue string) (map[jobstore.Status]int64, error)
}

// RunLister reads the JobRun ledger for the admin surface.
type RunLister interface {
	ListRecent(ctx context.Context, limit int) ([]*types.JobRun, error)
}

// AuditRecorder writes best-effort audit rows for admin actions.
type AuditRecorder interface {
	Record(ctx context.Context, entry types.AuditEntry) error
}

// JobsHandler serves the admin jobs endpoints.
type JobsHandler struct {
	store  JobAdminStore
	runs   RunLister
	audit  AuditRecorder
	logger *slog.Logger
}

// NewJobsHandler creates the admin jobs handler. audit may be nil.
func NewJobsHandler(store JobAdminStore, runs RunLister, audit AuditRecorder, logger *slog.Logger) *JobsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobsHandler{
		store:  store,
		runs:   runs,
		audit:  audit,
		logger: logger,
	}
}

// RegisterRoutes mounts the jobs endpoints on the given router.
func (h *JobsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/counts", h.Counts)
	r.Get("/runs", h.Runs)
	r.Post("/retry", h.Retry)
}

// queueCountsResponse maps each queue to its per-status job counts.
type queueCountsResponse map[string]map[string]int64

// Counts returns the Job Store's per-status counts for both queues.
func (h *JobsHandler) Counts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	out := queueCountsResponse{}
	for _, queue := range []types.Queue{types.QueueWeatherSync, types.QueueDigest} {
		counts, err := h.store.Counts(ctx, string(queue))
		if err != nil {
			api.Error(w, err)
			return
		}
		byStatus := make(map[string]int64, len(counts))
		for status, n := range counts {
			byStatus[string(status)] = n
		}
		out[string(queue)] = byStatus
	}

	api.JSON(w, http.StatusOK, out)
}

// jobRunItem is the wire shape of one ledger row.
type jobRunItem struct {
	ID         string `json:"id"`
	Queue      string `json:"queue"`
	JobID      string `json:"jobId"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

// Runs returns the newest JobRun ledger rows.
func (h *JobsHandler) Runs(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRecent(r.Context(), recentRunsLimit)
	if err != nil {
		api.Error(w, err)
		return
	}

	items := make([]jobRunItem, 0, len(runs))
	for _, run := range runs {
		item := jobRunItem{
			ID:        run.ID,
			Queue:     string(run.Queue),
			JobID:     run.JobID,
			Name:      run.Name,
			Status:    string(run.Status),
			Attempts:  run.Attempts,
			Error:     run.Error,
			StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
		}
		if !run.FinishedAt.IsZero() {
			item.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}

	api.JSON(w, http.StatusOK, items)
}

// retryRequest is the body of the manual retry endpoint.
type retryRequest struct {
	Queue string `json:"queue"`
	JobID string `json:"jobId"`
}

// Retry looks up a job by id and re-enqueues it. Unknown ids report
// not-found without mutating anything.
func (h *JobsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req retryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRetryBodySize)).Decode(&req); err != nil {
		api.Error(w, types.NewAppError(types.ErrCodeValidationMissingField, "invalid request body", err))
		return
	}
	if req.JobID == "" {
		api.Error(w, types.NewAppError(types.ErrCodeValidationMissingField, "jobId is required", nil))
		return
	}

	queue := types.Queue(req.Queue)
	if queue != types.QueueWeatherSync && queue != types.QueueDigest {
		api.Error(w, types.NewAppError(types.ErrCodeValidationInvalidQueue, "queue must be weatherSync or digest", nil))
		return
	}

	job, err := h.store.GetJob(ctx, string(queue), req.JobID)
	if err != nil {
		api.Error(w, err)
		return
	}
	if job == nil {
		api.Error(w, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil))
		return
	}

	if err := h.store.RetryJob(ctx, string(queue), req.JobID); err != nil {
		api.Error(w, err)
		return
	}

	if h.audit != nil {
		entry := types.AuditEntry{
			Action: types.AuditJobRun,
			Target: req.JobID,
			Meta:   map[string]any{"op": "retry", "queue": string(queue)},
		}
		if err := h.audit.Record(ctx, entry); err != nil {
			h.logger.WarnContext(ctx, "audit write failed",
				"job_id", req.JobID,
				"error", err,
			)
		}
	}

	api.JSON(w, http.StatusOK, map[string]bool{"retried": true})
}
