package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCancelRequested is returned by JobContext.CheckCancel when an admin
// has requested cancellation. The worker pool converts it into a terminal
// cancelled state instead of a retry.
var ErrCancelRequested = errors.New("cancel_requested")

// RescheduleError is the distinguished outcome a wait handler returns to
// come back later without consuming its retry budget. It is not an error
// in the failure sense; the worker pool matches it before any retry
// classification. NewPayload, when non-nil, replaces the stored payload so
// the handler can carry state (reschedule counters) across polls.
type RescheduleError struct {
	Delay      time.Duration
	NewPayload *string
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("reschedule in %s", e.Delay)
}

// Reschedule builds the outcome for "poll again after delay".
func Reschedule(delay time.Duration) *RescheduleError {
	return &RescheduleError{Delay: delay}
}

// RescheduleWithPayload is Reschedule plus a payload replacement.
func RescheduleWithPayload(delay time.Duration, payload any) (*RescheduleError, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &RescheduleError{Delay: delay, NewPayload: &raw}, nil
}

// Handler processes one claimed job. A nil return means success; a
// *RescheduleError requeues without penalty; ErrCancelRequested cancels;
// a context error during shutdown releases the job back to the queue;
// any other error retries with backoff until the budget is spent.
// Handlers must be idempotent: retries, crash recovery and duplicate
// submissions can all run the same logical work more than once.
type Handler func(ctx context.Context, jc *JobContext) error

// Registry maps job types to handlers.
type Registry struct {
	handlers map[JobType]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[JobType]Handler)}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(t JobType, h Handler) {
	r.handlers[t] = h
}

// Lookup returns the handler for a job type.
func (r *Registry) Lookup(t JobType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered job types.
func (r *Registry) Types() []JobType {
	out := make([]JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// JobContext is handed to a handler with an immutable snapshot of the
// claimed job plus the cooperative cancellation check.
type JobContext struct {
	Job   Job
	store *JobStore
}

// NewJobContext builds a JobContext. Exposed for handler tests.
func NewJobContext(job Job, store *JobStore) *JobContext {
	return &JobContext{Job: job, store: store}
}

// CheckCancel refetches cancel_requested_at and returns ErrCancelRequested
// when set. A done ctx means the pool is shutting down, not that anyone
// cancelled the job; the context error is returned as-is so the worker
// releases the job back to the queue instead of marking it cancelled.
// Long-running handlers call it at natural yield points; cancellation
// cannot interrupt code that does not check.
func (jc *JobContext) CheckCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	requested, err := jc.store.IsCancelRequested(jc.Job.ID)
	if err != nil {
		return fmt.Errorf("cancel check: %w", err)
	}
	if requested {
		return ErrCancelRequested
	}
	return nil
}

// Unmarshal decodes the job payload into v after re-validating it against
// the job type's schema.
func (jc *JobContext) Unmarshal(v any) error {
	if err := ValidatePayload(jc.Job.Type, jc.Job.Payload); err != nil {
		return err
	}
	return unmarshalPayload(jc.Job.Payload, v)
}
