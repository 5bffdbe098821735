package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func seedEvent(t *testing.T, store *Store, actor, action string) *Event {
	t.Helper()
	e := &Event{
		ID:         uuid.New().String(),
		Actor:      actor,
		Action:     action,
		Method:     "POST",
		Path:       "/api/queue/v1alpha1/jobs",
		Outcome:    "success",
		StatusCode: 200,
		CreatedAt:  time.Now(),
	}
	if err := store.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}
	return e
}

func TestListEventsHandler_FilterByActor(t *testing.T) {
	store := newTestStore(t)
	seedEvent(t, store, "alice", "enqueue")
	seedEvent(t, store, "bob", "cancel")

	r := chi.NewRouter()
	r.Mount("/", Router(store))

	req := httptest.NewRequest("GET", "/events?actor=alice", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Events    []eventResponse `json:"events"`
		TotalSize int64           `json:"totalSize"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TotalSize != 1 || len(body.Events) != 1 {
		t.Fatalf("expected 1 event, got total=%d len=%d", body.TotalSize, len(body.Events))
	}
	if body.Events[0].Actor != "alice" {
		t.Errorf("actor = %q", body.Events[0].Actor)
	}
}

func TestGetEventHandler(t *testing.T) {
	store := newTestStore(t)
	e := seedEvent(t, store, "alice", "enqueue")

	r := chi.NewRouter()
	r.Mount("/", Router(store))

	req := httptest.NewRequest("GET", "/events/"+e.ID, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got eventResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("id = %q, want %q", got.ID, e.ID)
	}

	req = httptest.NewRequest("GET", "/events/"+uuid.New().String(), nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing event status = %d, want 404", rec.Code)
	}
}
