package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// ListEventsHandler handles GET /events.
// Query params: actor, action, jobId, outcome, limit, offset
func ListEventsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := Filter{
			Actor:   r.URL.Query().Get("actor"),
			Action:  r.URL.Query().Get("action"),
			JobID:   r.URL.Query().Get("jobId"),
			Outcome: r.URL.Query().Get("outcome"),
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		events, total, err := store.List(filter, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list audit events: %v", err))
			return
		}

		out := make([]eventResponse, len(events))
		for i := range events {
			out[i] = toResponse(&events[i])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events":    out,
			"totalSize": total,
		})
	}
}

// GetEventHandler handles GET /events/{eventId}.
func GetEventHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventId")
		if eventID == "" {
			writeError(w, http.StatusBadRequest, "missing event ID")
			return
		}
		event, err := store.Get(eventID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get audit event: %v", err))
			return
		}
		if event == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("audit event %q not found", eventID))
			return
		}
		writeJSON(w, http.StatusOK, toResponse(event))
	}
}

type eventResponse struct {
	ID         string `json:"id"`
	Actor      string `json:"actor"`
	RequestID  string `json:"requestId,omitempty"`
	Action     string `json:"action"`
	JobID      string `json:"jobId,omitempty"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Outcome    string `json:"outcome"`
	StatusCode int    `json:"statusCode"`
	DurationMs int64  `json:"durationMs"`
	CreatedAt  string `json:"createdAt"`
}

func toResponse(e *Event) eventResponse {
	return eventResponse{
		ID:         e.ID,
		Actor:      e.Actor,
		RequestID:  e.RequestID,
		Action:     e.Action,
		JobID:      e.JobID,
		Method:     e.Method,
		Path:       e.Path,
		Outcome:    e.Outcome,
		StatusCode: e.StatusCode,
		DurationMs: e.DurationMs,
		CreatedAt:  e.CreatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
