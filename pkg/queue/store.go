package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStore provides all database operations for queue jobs and settings.
// Other components never compose their own SQL against the job table.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// AutoMigrate creates or updates the queue tables and seeds the settings
// singleton.
func (s *JobStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Job{}, &QueueSettings{}); err != nil {
		return fmt.Errorf("migrate queue tables: %w", err)
	}
	// Seed the singleton settings row if absent.
	var count int64
	if err := s.db.Model(&QueueSettings{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count settings: %w", err)
	}
	if count == 0 {
		if err := s.db.Create(&QueueSettings{ID: 1, Paused: false, Concurrency: DefaultConcurrency}).Error; err != nil {
			return fmt.Errorf("seed settings: %w", err)
		}
	}
	return nil
}

// JobFilter defines filters for listing and counting jobs.
type JobFilter struct {
	State     JobState
	Type      JobType
	ProjectID string
	Search    string // free-text match against payload and last_error
}

func (s *JobStore) filtered(base *gorm.DB, filter JobFilter) *gorm.DB {
	q := base.Model(&Job{})
	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.ProjectID != "" {
		q = q.Where("project_id = ?", filter.ProjectID)
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		q = q.Where("payload LIKE ? OR last_error LIKE ?", like, like)
	}
	return q
}

// Enqueue creates a new queued job. If the job carries a dedupe key and a
// job with the same active key already exists, the existing job is
// returned instead of creating a duplicate. Safe for concurrent use.
func (s *JobStore) Enqueue(job *Job) (*Job, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.State == "" {
		job.State = JobStateQueued
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}
	if job.DedupeKey != "" {
		active := dedupeActive
		job.DedupeActive = &active
	}

	if job.DedupeKey == "" {
		if err := s.db.Create(job).Error; err != nil {
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		return job, nil
	}

	// With a dedupe key: check-then-create in a transaction; on a lost
	// race the unique (dedupe_key, dedupe_active) index rejects the
	// insert and we return the winner's row. The winner lookup happens
	// after the transaction returns: the failed insert may have aborted
	// the transaction, and the sqlite connector holds a single
	// connection the open transaction would starve.
	var result *Job
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing Job
		err := tx.Where("dedupe_key = ? AND dedupe_active = ?", job.DedupeKey, dedupeActive).
			First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("check dedupe key: %w", err)
		}

		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
		result = job
		return nil
	})
	if err != nil {
		var winner Job
		lookupErr := s.db.Where("dedupe_key = ? AND dedupe_active = ?", job.DedupeKey, dedupeActive).
			First(&winner).Error
		if lookupErr == nil {
			return &winner, nil
		}
		return nil, err
	}
	return result, nil
}

// Get retrieves a job by ID. Returns (nil, nil) when the job does not exist.
func (s *JobStore) Get(jobID string) (*Job, error) {
	var job Job
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns jobs matching the filter, newest first, paginated by
// limit/offset.
func (s *JobStore) List(filter JobFilter, limit, offset int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var jobs []Job
	err := s.filtered(s.db, filter).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Count returns the number of jobs matching the filter.
func (s *JobStore) Count(filter JobFilter) (int64, error) {
	var n int64
	if err := s.filtered(s.db, filter).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// Claim atomically selects the highest-priority eligible queued job and
// leases it to workerID. Eligibility: queued, run_at due, retry budget
// left, lease lapsed or absent, and no other job for the same project is
// running. Returns (nil, nil) when nothing is eligible or the queue is
// paused.
//
// The candidate select and the guarded update run in one transaction; the
// update re-checks state = 'queued' so a concurrently claimed row counts
// as zero rows affected and is treated as emptiness, never double-leased.
func (s *JobStore) Claim(workerID string, lease time.Duration) (*Job, error) {
	now := time.Now()
	var claimedID string

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var settings QueueSettings
		if err := tx.First(&settings, 1).Error; err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		if settings.Paused {
			return nil
		}

		var candidate Job
		err := tx.Raw(`
			SELECT * FROM queue_jobs
			WHERE state = ?
			  AND run_at <= ?
			  AND attempts < max_attempts
			  AND (lock_expires_at IS NULL OR lock_expires_at < ?)
			  AND (project_id = '' OR NOT EXISTS (
			      SELECT 1 FROM queue_jobs r
			      WHERE r.project_id = queue_jobs.project_id AND r.state = ?))
			ORDER BY priority DESC, run_at ASC, created_at ASC
			LIMIT 1
		`, JobStateQueued, now, now, JobStateRunning).Scan(&candidate).Error
		if err != nil {
			return fmt.Errorf("select claim candidate: %w", err)
		}
		if candidate.ID == "" {
			return nil
		}

		expires := now.Add(lease)
		res := tx.Model(&Job{}).
			Where("id = ? AND state = ?", candidate.ID, JobStateQueued).
			Updates(map[string]any{
				"state":           JobStateRunning,
				"locked_at":       now,
				"lock_expires_at": expires,
				"locked_by":       workerID,
				"attempts":        gorm.Expr("attempts + 1"),
				"updated_at":      now,
			})
		if res.Error != nil {
			return fmt.Errorf("lease job: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race; benign.
			return nil
		}
		claimedID = candidate.ID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if claimedID == "" {
		return nil, nil
	}

	var job Job
	if err := s.db.First(&job, "id = ?", claimedID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed job: %w", err)
	}
	return &job, nil
}

// Heartbeat extends the lease on a running job. Returns false when the
// lease no longer belongs to workerID; a stale worker must not refresh a
// recovered job.
func (s *JobStore) Heartbeat(jobID, workerID string, lease time.Duration) (bool, error) {
	now := time.Now()
	res := s.db.Model(&Job{}).
		Where("id = ? AND state = ? AND locked_by = ?", jobID, JobStateRunning, workerID).
		Updates(map[string]any{
			"lock_expires_at": now.Add(lease),
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("heartbeat: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// transitionTerminal moves a leased job to a terminal state, clearing the
// lease triple and the active dedupe sentinel. No-ops silently when the
// lease no longer belongs to workerID.
func (s *JobStore) transitionTerminal(jobID, workerID string, state JobState, lastError string, setCancelledAt bool) (bool, error) {
	now := time.Now()
	updates := map[string]any{
		"state":           state,
		"locked_at":       nil,
		"lock_expires_at": nil,
		"locked_by":       nil,
		"dedupe_active":   nil,
		"updated_at":      now,
	}
	if lastError != "" {
		updates["last_error"] = truncateError(lastError)
	}
	if setCancelledAt {
		updates["cancelled_at"] = now
	}
	res := s.db.Model(&Job{}).
		Where("id = ? AND state = ? AND locked_by = ?", jobID, JobStateRunning, workerID).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("transition to %s: %w", state, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Complete marks a leased job succeeded.
func (s *JobStore) Complete(jobID, workerID string) (bool, error) {
	return s.transitionTerminal(jobID, workerID, JobStateSucceeded, "", false)
}

// Fail marks a leased job failed with the given error text.
func (s *JobStore) Fail(jobID, workerID, lastError string) (bool, error) {
	return s.transitionTerminal(jobID, workerID, JobStateFailed, lastError, false)
}

// CancelRunning marks a leased job cancelled.
func (s *JobStore) CancelRunning(jobID, workerID string) (bool, error) {
	return s.transitionTerminal(jobID, workerID, JobStateCancelled, "", true)
}

// Retry moves a leased job back to queued with a delay, keeping the
// attempt count from the claim so the retry budget is consumed.
func (s *JobStore) Retry(jobID, workerID string, delay time.Duration, lastError string) (bool, error) {
	now := time.Now()
	res := s.db.Model(&Job{}).
		Where("id = ? AND state = ? AND locked_by = ?", jobID, JobStateRunning, workerID).
		Updates(map[string]any{
			"state":           JobStateQueued,
			"run_at":          now.Add(delay),
			"locked_at":       nil,
			"lock_expires_at": nil,
			"locked_by":       nil,
			"last_error":      truncateError(lastError),
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("retry job: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Reschedule moves a leased job back to queued with a delay and decrements
// the attempt count to compensate for the claim's increment, so a polling
// wait job never burns its retry budget. last_error is untouched. When
// newPayload is non-nil the stored payload is replaced, letting wait
// handlers persist their reschedule counter.
func (s *JobStore) Reschedule(jobID, workerID string, delay time.Duration, newPayload *string) (bool, error) {
	now := time.Now()
	updates := map[string]any{
		"state":           JobStateQueued,
		"run_at":          now.Add(delay),
		"attempts":        gorm.Expr("attempts - 1"),
		"locked_at":       nil,
		"lock_expires_at": nil,
		"locked_by":       nil,
		"updated_at":      now,
	}
	if newPayload != nil {
		updates["payload"] = *newPayload
	}
	res := s.db.Model(&Job{}).
		Where("id = ? AND state = ? AND locked_by = ?", jobID, JobStateRunning, workerID).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("reschedule job: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RequestCancel marks cancellation without touching job state. The running
// handler observes it on its next cooperative check.
func (s *JobStore) RequestCancel(jobID string) (bool, error) {
	res := s.db.Model(&Job{}).
		Where("id = ? AND cancel_requested_at IS NULL", jobID).
		Updates(map[string]any{
			"cancel_requested_at": time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("request cancel: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// IsCancelRequested reports whether cancellation has been requested for
// the job. Used by the cooperative check inside handlers.
func (s *JobStore) IsCancelRequested(jobID string) (bool, error) {
	var job Job
	if err := s.db.Select("cancel_requested_at").First(&job, "id = ?", jobID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, fmt.Errorf("check cancel: %w", err)
	}
	return job.CancelRequestedAt != nil, nil
}

// CancelQueued transitions a queued job directly to cancelled. Idempotent:
// returns false without error when the job is not queued.
func (s *JobStore) CancelQueued(jobID string) (bool, error) {
	now := time.Now()
	res := s.db.Model(&Job{}).
		Where("id = ? AND state = ?", jobID, JobStateQueued).
		Updates(map[string]any{
			"state":         JobStateCancelled,
			"cancelled_at":  now,
			"dedupe_active": nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("cancel queued job: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ExpireLeases requeues running jobs whose lease has lapsed (crashed or
// stalled workers). Attempts and last_error are left untouched; the next
// claim increments attempts again. Idempotent.
func (s *JobStore) ExpireLeases(now time.Time) (int64, error) {
	res := s.db.Model(&Job{}).
		Where("state = ? AND lock_expires_at < ?", JobStateRunning, now).
		Updates(map[string]any{
			"state":           JobStateQueued,
			"locked_at":       nil,
			"lock_expires_at": nil,
			"locked_by":       nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("expire leases: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RunNow makes a queued job immediately eligible.
func (s *JobStore) RunNow(jobID string) (bool, error) {
	now := time.Now()
	res := s.db.Model(&Job{}).
		Where("id = ? AND state = ?", jobID, JobStateQueued).
		Updates(map[string]any{
			"run_at":     now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("run now: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ForceUnlock moves a job in any state to failed with a synthetic error,
// clearing the lease and dedupe sentinel. Admin escape hatch for jobs
// wedged by operator action or bugs.
func (s *JobStore) ForceUnlock(jobID string) (bool, error) {
	now := time.Now()
	res := s.db.Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"state":           JobStateFailed,
			"last_error":      "force-unlocked by admin",
			"locked_at":       nil,
			"lock_expires_at": nil,
			"locked_by":       nil,
			"dedupe_active":   nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("force unlock: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RetryAsNew re-enqueues a copy of a terminal job under newID, preserving
// type, payload, priority, max attempts, project and dedupe key.
func (s *JobStore) RetryAsNew(jobID, newID string) (*Job, error) {
	old, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if !old.IsTerminal() {
		return nil, fmt.Errorf("job %s is in state %s, only terminal jobs can be retried", jobID, old.State)
	}
	if newID == "" {
		newID = uuid.New().String()
	}
	copied := &Job{
		ID:          newID,
		Type:        old.Type,
		State:       JobStateQueued,
		ProjectID:   old.ProjectID,
		Payload:     old.Payload,
		Priority:    old.Priority,
		MaxAttempts: old.MaxAttempts,
		RunAt:       time.Now(),
		DedupeKey:   old.DedupeKey,
	}
	return s.Enqueue(copied)
}

// Delete removes a terminal job. Returns an error for non-terminal jobs.
func (s *JobStore) Delete(jobID string) error {
	job, err := s.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if !job.IsTerminal() {
		return fmt.Errorf("job %s is in state %s, only terminal jobs can be deleted", jobID, job.State)
	}
	if err := s.db.Delete(&Job{}, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// DeleteByState bulk-removes jobs in a terminal state.
func (s *JobStore) DeleteByState(state JobState) (int64, error) {
	switch state {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
	default:
		return 0, fmt.Errorf("state %s is not terminal", state)
	}
	res := s.db.Where("state = ?", state).Delete(&Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete jobs by state: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteOlderThan removes terminal jobs last updated before the cutoff.
func (s *JobStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res := s.db.Where("state IN ? AND updated_at < ?",
		[]JobState{JobStateSucceeded, JobStateFailed, JobStateCancelled}, cutoff).
		Delete(&Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CancelForProject cancels every pending job of the given type for a
// project: queued jobs transition directly, running jobs get a cancel
// request for their next cooperative check. Returns how many jobs were
// touched.
func (s *JobStore) CancelForProject(projectID string, jobType JobType) (int, error) {
	var jobs []Job
	err := s.db.Where("project_id = ? AND type = ? AND state IN ?",
		projectID, jobType, []JobState{JobStateQueued, JobStateRunning}).
		Find(&jobs).Error
	if err != nil {
		return 0, fmt.Errorf("find jobs to cancel: %w", err)
	}
	touched := 0
	for i := range jobs {
		switch jobs[i].State {
		case JobStateQueued:
			ok, err := s.CancelQueued(jobs[i].ID)
			if err != nil {
				return touched, err
			}
			if ok {
				touched++
			}
		case JobStateRunning:
			ok, err := s.RequestCancel(jobs[i].ID)
			if err != nil {
				return touched, err
			}
			if ok {
				touched++
			}
		}
	}
	return touched, nil
}

// Settings returns the singleton queue settings row.
func (s *JobStore) Settings() (*QueueSettings, error) {
	var settings QueueSettings
	if err := s.db.First(&settings, 1).Error; err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return &settings, nil
}

// SetPaused pauses or resumes claiming.
func (s *JobStore) SetPaused(paused bool) error {
	if err := s.db.Model(&QueueSettings{}).Where("id = ?", 1).
		Update("paused", paused).Error; err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	return nil
}

// SetConcurrency changes the max in-flight handlers. Takes effect on the
// scheduler's next poll.
func (s *JobStore) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", n)
	}
	if err := s.db.Model(&QueueSettings{}).Where("id = ?", 1).
		Update("concurrency", n).Error; err != nil {
		return fmt.Errorf("set concurrency: %w", err)
	}
	return nil
}

// Stats returns aggregate counts per state and the age of the oldest
// queued job.
func (s *JobStore) Stats() (*QueueStats, error) {
	stats := &QueueStats{}
	type row struct {
		State JobState
		N     int64
	}
	var rows []row
	if err := s.db.Model(&Job{}).Select("state, count(*) as n").Group("state").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	for _, r := range rows {
		switch r.State {
		case JobStateQueued:
			stats.Queued = r.N
		case JobStateRunning:
			stats.Running = r.N
		case JobStateSucceeded:
			stats.Succeeded = r.N
		case JobStateFailed:
			stats.Failed = r.N
		case JobStateCancelled:
			stats.Cancelled = r.N
		}
	}
	if stats.Queued > 0 {
		var oldest Job
		err := s.db.Where("state = ?", JobStateQueued).Order("run_at ASC").First(&oldest).Error
		if err == nil {
			age := time.Since(oldest.RunAt).Seconds()
			if age < 0 {
				age = 0
			}
			stats.OldestQueuedAgeSec = &age
		} else if err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("stats oldest: %w", err)
		}
	}
	return stats, nil
}

// truncateError bounds error text stored on job rows to keep listings
// readable; external tool output can be arbitrarily large.
func truncateError(msg string) string {
	const maxLen = 500
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
