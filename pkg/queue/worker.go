package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	supervisorMaxRestarts = 3
	supervisorBackoffBase = 500 * time.Millisecond
	supervisorBackoffCap  = 5 * time.Second
)

// WorkerPool hosts the single-process scheduler: it polls the claim
// operation, dispatches claimed jobs to handlers with bounded concurrency,
// keeps their leases alive with heartbeats, and classifies outcomes.
type WorkerPool struct {
	store    *JobStore
	registry *Registry
	cfg      *Config
	logger   *slog.Logger
	workerID string

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// NewWorkerPool creates a worker pool bound to a fresh worker identity.
func NewWorkerPool(store *JobStore, registry *Registry, cfg *Config, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		workerID: newWorkerID(),
	}
}

// WorkerID returns the identity this pool leases jobs under.
func (wp *WorkerPool) WorkerID() string { return wp.workerID }

// newWorkerID builds a process-unique worker identity.
func newWorkerID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("host_%d", time.Now().UnixNano())
	}
	return "host_" + hex.EncodeToString(b)
}

// Run starts the scheduler under a supervisor, plus the recovery and
// retention loops. It blocks until ctx is cancelled, then stops claiming
// and waits for in-flight handlers to settle.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || !wp.cfg.Enabled {
		wp.logger.Info("worker pool disabled")
		return
	}

	wp.logger.Info("worker pool starting",
		"workerID", wp.workerID,
		"lease", wp.cfg.Lease.String(),
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.recoveryLoop(ctx)
	}()

	if wp.cfg.RetentionDays > 0 {
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			wp.retentionLoop(ctx)
		}()
	}

	wp.superviseScheduler(ctx)

	wp.logger.Info("worker pool shutting down, waiting for in-flight jobs")
	wp.wg.Wait()
	wp.logger.Info("worker pool stopped")
}

// superviseScheduler restarts the scheduler loop after a crash, up to
// supervisorMaxRestarts times with exponential delay. Job failures never
// reach here; only infrastructure faults (DB unreachable, panics) do.
func (wp *WorkerPool) superviseScheduler(ctx context.Context) {
	restarts := 0
	for {
		err := wp.runSchedulerOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		restarts++
		if restarts > supervisorMaxRestarts {
			wp.logger.Error("scheduler exceeded restart budget, giving up", "restarts", restarts-1, "error", err)
			return
		}
		delay := supervisorBackoffBase
		for i := 1; i < restarts; i++ {
			delay *= 2
			if delay >= supervisorBackoffCap {
				delay = supervisorBackoffCap
				break
			}
		}
		wp.logger.Error("scheduler crashed, restarting", "restart", restarts, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runSchedulerOnce runs the scheduler loop until ctx is done or an
// infrastructure fault escapes. Panics are converted to errors so the
// supervisor can restart.
func (wp *WorkerPool) runSchedulerOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler panic: %v", r)
		}
	}()
	return wp.schedulerLoop(ctx)
}

// schedulerLoop claims while capacity remains, then sleeps the poll
// interval. Concurrency is re-read from queue_settings each round so
// SetConcurrency takes effect without restart.
func (wp *WorkerPool) schedulerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		settings, err := wp.store.Settings()
		if err != nil {
			return fmt.Errorf("scheduler settings: %w", err)
		}

		claimed := false
		if !settings.Paused {
			for wp.inFlight.Load() < int64(settings.Concurrency) {
				job, err := wp.store.Claim(wp.workerID, wp.cfg.Lease)
				if err != nil {
					return fmt.Errorf("scheduler claim: %w", err)
				}
				if job == nil {
					break
				}
				claimed = true
				wp.inFlight.Add(1)
				wp.wg.Add(1)
				go func(j *Job) {
					defer wp.wg.Done()
					defer wp.inFlight.Add(-1)
					wp.runJob(ctx, j)
				}(job)
			}
		}

		if !claimed {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wp.cfg.PollInterval):
			}
		}
	}
}

// runJob executes one claimed job: heartbeat goroutine, payload check,
// handler dispatch, outcome classification. A panicking handler counts as
// a generic failure and never brings down the pool.
func (wp *WorkerPool) runJob(ctx context.Context, job *Job) {
	log := wp.logger.With("jobID", job.ID, "type", job.Type, "projectID", job.ProjectID, "attempt", job.Attempts)
	log.Info("job started")

	stopHeartbeat := wp.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	outcome := wp.invokeHandler(ctx, job)
	wp.settle(ctx, job, outcome, log)
}

// invokeHandler validates the payload, resolves the handler and calls it,
// converting panics into errors.
func (wp *WorkerPool) invokeHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if err := ValidatePayload(job.Type, job.Payload); err != nil {
		return err
	}
	handler, ok := wp.registry.Lookup(job.Type)
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", job.Type)
	}
	return handler(ctx, NewJobContext(*job, wp.store))
}

// settle routes a handler outcome to the matching lifecycle operation.
// Every store call is lease-guarded; if the lease moved on (recovery plus
// re-claim), the mutation is a silent no-op and the other worker owns the
// job's fate.
//
// A handler interrupted by pool shutdown surfaces the context error. That
// is not a cancellation: the job goes back to queued with its attempt
// refunded so the next process resumes it. Only a recorded cancel request
// may settle as cancelled.
func (wp *WorkerPool) settle(ctx context.Context, job *Job, outcome error, log *slog.Logger) {
	var resched *RescheduleError
	switch {
	case outcome == nil:
		if _, err := wp.store.Complete(job.ID, wp.workerID); err != nil {
			log.Error("failed to mark job succeeded", "error", err)
			return
		}
		log.Info("job succeeded")

	case errors.As(outcome, &resched):
		if _, err := wp.store.Reschedule(job.ID, wp.workerID, resched.Delay, resched.NewPayload); err != nil {
			log.Error("failed to reschedule job", "error", err)
			return
		}
		log.Debug("job rescheduled", "delay", resched.Delay.String())

	case errors.Is(outcome, ErrCancelRequested):
		if _, err := wp.store.CancelRunning(job.ID, wp.workerID); err != nil {
			log.Error("failed to mark job cancelled", "error", err)
			return
		}
		log.Info("job cancelled")

	case ctx.Err() != nil && (errors.Is(outcome, context.Canceled) || errors.Is(outcome, context.DeadlineExceeded)):
		if _, err := wp.store.Reschedule(job.ID, wp.workerID, 0, nil); err != nil {
			log.Error("failed to release job on shutdown", "error", err)
			return
		}
		log.Info("job released on shutdown, will resume after restart")

	default:
		if job.Attempts < job.MaxAttempts {
			delay := wp.cfg.Backoff(job.Attempts)
			if _, err := wp.store.Retry(job.ID, wp.workerID, delay, outcome.Error()); err != nil {
				log.Error("failed to requeue job for retry", "error", err)
				return
			}
			log.Warn("job failed, retrying", "delay", delay.String(), "error", outcome)
		} else {
			if _, err := wp.store.Fail(job.ID, wp.workerID, outcome.Error()); err != nil {
				log.Error("failed to mark job failed", "error", err)
				return
			}
			log.Error("job failed permanently", "error", outcome)
		}
	}
}

// startHeartbeat extends the job's lease every HeartbeatInterval until the
// returned stop function is called. A failed heartbeat is logged and
// ignored; if the lease truly lapses, the recovery loop requeues the job.
func (wp *WorkerPool) startHeartbeat(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(wp.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := wp.store.Heartbeat(jobID, wp.workerID, wp.cfg.Lease)
				if err != nil {
					wp.logger.Warn("heartbeat failed", "jobID", jobID, "error", err)
				} else if !ok {
					wp.logger.Warn("heartbeat refused, lease no longer held", "jobID", jobID)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// recoveryLoop periodically requeues running jobs whose lease expired
// (crashed workers).
func (wp *WorkerPool) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(wp.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := wp.store.ExpireLeases(time.Now())
			if err != nil {
				wp.logger.Error("failed to expire leases", "error", err)
			} else if recovered > 0 {
				wp.logger.Info("recovered expired jobs", "count", recovered)
			}
		}
	}
}

// retentionLoop deletes old terminal jobs once a minute.
func (wp *WorkerPool) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -wp.cfg.RetentionDays)
			deleted, err := wp.store.DeleteOlderThan(cutoff)
			if err != nil {
				wp.logger.Error("failed to delete old jobs", "error", err)
			} else if deleted > 0 {
				wp.logger.Info("deleted old jobs", "count", deleted)
			}
		}
	}
}
