package queue

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// EnqueueRequest is the body for POST /api/queue/v1alpha1/jobs.
type EnqueueRequest struct {
	Type        JobType         `json:"type"`
	ProjectID   string          `json:"projectId,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
	DedupeKey   string          `json:"dedupeKey,omitempty"`
	RunAt       *time.Time      `json:"runAt,omitempty"`
}

// EnqueueJobHandler handles POST /api/queue/v1alpha1/jobs
func EnqueueJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if !KnownType(req.Type) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job type %q", req.Type))
			return
		}
		payload := string(req.Payload)
		if payload == "" {
			payload = "{}"
		}
		if err := ValidatePayload(req.Type, payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		maxAttempts := req.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = MaxAttemptsFor(req.Type)
		}

		job := &Job{
			ID:          uuid.New().String(),
			Type:        req.Type,
			ProjectID:   req.ProjectID,
			Payload:     payload,
			Priority:    req.Priority,
			MaxAttempts: maxAttempts,
			DedupeKey:   req.DedupeKey,
		}
		if req.RunAt != nil {
			job.RunAt = *req.RunAt
		}

		created, err := store.Enqueue(job)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to enqueue job: %v", err))
			return
		}
		// A dedupe hit returns the existing row with 200; a fresh insert 201.
		status := http.StatusCreated
		if created.ID != job.ID {
			status = http.StatusOK
		}
		writeJSON(w, status, jobToResponse(created))
	}
}

// GetJobHandler handles GET /api/queue/v1alpha1/jobs/{jobId}
func GetJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "missing job ID")
			return
		}
		job, err := store.Get(jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get job: %v", err))
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", jobID))
			return
		}
		writeJSON(w, http.StatusOK, jobToResponse(job))
	}
}

// ListJobsHandler handles GET /api/queue/v1alpha1/jobs
// Query params: state, type, projectId, q, limit, offset
func ListJobsHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := JobFilter{
			State:     JobState(r.URL.Query().Get("state")),
			Type:      JobType(r.URL.Query().Get("type")),
			ProjectID: r.URL.Query().Get("projectId"),
			Search:    r.URL.Query().Get("q"),
		}

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		offset := 0
		if v := r.URL.Query().Get("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		jobs, err := store.List(filter, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list jobs: %v", err))
			return
		}
		total, err := store.Count(filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to count jobs: %v", err))
			return
		}

		out := make([]jobResponse, len(jobs))
		for i := range jobs {
			out[i] = jobToResponse(&jobs[i])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":      out,
			"totalSize": total,
		})
	}
}

// CancelJobHandler handles POST /api/queue/v1alpha1/jobs/{jobId}:cancel
// A queued job transitions to cancelled directly; a running job gets a
// cancel request honored at the handler's next cooperative check.
func CancelJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		job, err := store.Get(jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get job: %v", err))
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", jobID))
			return
		}

		switch job.State {
		case JobStateQueued:
			if _, err := store.CancelQueued(jobID); err != nil {
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to cancel job: %v", err))
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "jobId": jobID})
		case JobStateRunning:
			if _, err := store.RequestCancel(jobID); err != nil {
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to request cancel: %v", err))
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested", "jobId": jobID})
		default:
			writeError(w, http.StatusConflict, fmt.Sprintf("job %q is already %s", jobID, job.State))
		}
	}
}

// RetryJobHandler handles POST /api/queue/v1alpha1/jobs/{jobId}:retry
func RetryJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		created, err := store.RetryAsNew(jobID, uuid.New().String())
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to retry job: %v", err))
			return
		}
		writeJSON(w, http.StatusCreated, jobToResponse(created))
	}
}

// DeleteJobHandler handles DELETE /api/queue/v1alpha1/jobs/{jobId}
func DeleteJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if err := store.Delete(jobID); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to delete job: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "jobId": jobID})
	}
}

// DeleteJobsByStateHandler handles DELETE /api/queue/v1alpha1/jobs?state=failed
func DeleteJobsByStateHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := JobState(r.URL.Query().Get("state"))
		if state == "" {
			writeError(w, http.StatusBadRequest, "missing state query parameter")
			return
		}
		deleted, err := store.DeleteByState(state)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to delete jobs: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
	}
}

// RunNowJobHandler handles POST /api/queue/v1alpha1/jobs/{jobId}:run-now
func RunNowJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		ok, err := store.RunNow(jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to run job now: %v", err))
			return
		}
		if !ok {
			writeError(w, http.StatusConflict, fmt.Sprintf("job %q is not queued", jobID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "scheduled", "jobId": jobID})
	}
}

// ForceUnlockJobHandler handles POST /api/queue/v1alpha1/jobs/{jobId}:force-unlock
func ForceUnlockJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		ok, err := store.ForceUnlock(jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to force unlock: %v", err))
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", jobID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "failed", "jobId": jobID})
	}
}

// StatsHandler handles GET /api/queue/v1alpha1/stats
func StatsHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Stats()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to compute stats: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// GetSettingsHandler handles GET /api/queue/v1alpha1/settings
func GetSettingsHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := store.Settings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load settings: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"paused":      settings.Paused,
			"concurrency": settings.Concurrency,
		})
	}
}

// SetPausedHandler handles POST /api/queue/v1alpha1/settings/pause
func SetPausedHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Paused bool `json:"paused"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if err := store.SetPaused(req.Paused); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to set paused: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
	}
}

// SetConcurrencyHandler handles POST /api/queue/v1alpha1/settings/concurrency
func SetConcurrencyHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Concurrency int `json:"concurrency"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if err := store.SetConcurrency(req.Concurrency); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to set concurrency: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"concurrency": req.Concurrency})
	}
}

// jobResponse is the API representation of a queue job.
type jobResponse struct {
	ID                string          `json:"id"`
	Type              JobType         `json:"type"`
	State             JobState        `json:"state"`
	ProjectID         string          `json:"projectId,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Priority          int             `json:"priority"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"maxAttempts"`
	RunAt             string          `json:"runAt"`
	LockedAt          string          `json:"lockedAt,omitempty"`
	LockExpiresAt     string          `json:"lockExpiresAt,omitempty"`
	LockedBy          string          `json:"lockedBy,omitempty"`
	DedupeKey         string          `json:"dedupeKey,omitempty"`
	CancelRequestedAt string          `json:"cancelRequestedAt,omitempty"`
	CancelledAt       string          `json:"cancelledAt,omitempty"`
	LastError         string          `json:"lastError,omitempty"`
	CreatedAt         string          `json:"createdAt"`
	UpdatedAt         string          `json:"updatedAt"`
}

func jobToResponse(job *Job) jobResponse {
	resp := jobResponse{
		ID:          job.ID,
		Type:        job.Type,
		State:       job.State,
		ProjectID:   job.ProjectID,
		Payload:     json.RawMessage(job.Payload),
		Priority:    job.Priority,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		RunAt:       job.RunAt.Format(time.RFC3339),
		DedupeKey:   job.DedupeKey,
		LastError:   job.LastError,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
	if job.LockedAt != nil {
		resp.LockedAt = job.LockedAt.Format(time.RFC3339)
	}
	if job.LockExpiresAt != nil {
		resp.LockExpiresAt = job.LockExpiresAt.Format(time.RFC3339)
	}
	if job.LockedBy != nil {
		resp.LockedBy = *job.LockedBy
	}
	if job.CancelRequestedAt != nil {
		resp.CancelRequestedAt = job.CancelRequestedAt.Format(time.RFC3339)
	}
	if job.CancelledAt != nil {
		resp.CancelledAt = job.CancelledAt.Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
