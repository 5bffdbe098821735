package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDeleteOlderThan(t *testing.T) {
	store := newTestStore(t)

	old := &Event{
		ID:        uuid.New().String(),
		Actor:     "alice",
		Action:    "enqueue",
		Outcome:   "success",
		CreatedAt: time.Now().Add(-100 * 24 * time.Hour),
	}
	if err := store.Append(old); err != nil {
		t.Fatalf("append: %v", err)
	}
	recent := seedEvent(t, store, "bob", "cancel")

	deleted, err := store.DeleteOlderThan(time.Now().Add(-90 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("delete older than: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	got, err := store.Get(recent.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Error("recent event should survive retention")
	}
	gone, err := store.Get(old.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gone != nil {
		t.Error("old event should be deleted")
	}
}
