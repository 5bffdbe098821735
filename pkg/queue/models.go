package queue

import (
	"time"
)

// JobState represents the lifecycle state of a queue job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// JobType identifies a pipeline step. The set is closed; payloads for
// unknown types are rejected before dispatch.
type JobType string

const (
	TypeProjectCreate        JobType = "project.create"
	TypeProjectDelete        JobType = "project.delete"
	TypeProjectsDeleteAll    JobType = "projects.deleteAllForUser"
	TypeDockerComposeUp      JobType = "docker.composeUp"
	TypeDockerWaitReady      JobType = "docker.waitReady"
	TypeDockerEnsureRunning  JobType = "docker.ensureRunning"
	TypeDockerStop           JobType = "docker.stop"
	TypeOpencodeSession      JobType = "opencode.sessionCreate"
	TypeOpencodeSendPrompt   JobType = "opencode.sendUserPrompt"
	TypeProductionBuild      JobType = "production.build"
	TypeProductionStart      JobType = "production.start"
	TypeProductionWaitReady  JobType = "production.waitReady"
	TypeProductionStop       JobType = "production.stop"
)

// dedupeActive is the sentinel stored in dedupe_active while a dedupe key
// should block duplicates. Terminal transitions clear it to NULL so the
// unique index frees the key for a new job.
const dedupeActive = "active"

// Job is the GORM model for a durable queue job.
//
// A job is leased iff state is "running" and the lease triple (locked_at,
// lock_expires_at, locked_by) is set. Queued and terminal rows carry a
// NULL lease.
type Job struct {
	ID           string   `gorm:"primaryKey;column:id;type:varchar(36)"`
	Type         JobType  `gorm:"column:type;index:idx_job_type_state,priority:1;not null"`
	State        JobState `gorm:"column:state;index:idx_job_type_state,priority:2;index:idx_job_state;not null;default:queued"`
	ProjectID    string   `gorm:"column:project_id;index:idx_job_project"`
	Payload      string   `gorm:"column:payload;type:text"`
	Priority     int      `gorm:"column:priority;default:0"`
	Attempts     int      `gorm:"column:attempts;default:0"`
	MaxAttempts  int      `gorm:"column:max_attempts;default:3"`
	RunAt        time.Time `gorm:"column:run_at;index:idx_job_run_at;not null"`
	LockedAt     *time.Time `gorm:"column:locked_at"`
	LockExpiresAt *time.Time `gorm:"column:lock_expires_at"`
	LockedBy     *string    `gorm:"column:locked_by"`
	DedupeKey    string     `gorm:"column:dedupe_key;uniqueIndex:idx_job_dedupe,priority:1"`
	DedupeActive *string    `gorm:"column:dedupe_active;uniqueIndex:idx_job_dedupe,priority:2"`
	CancelRequestedAt *time.Time `gorm:"column:cancel_requested_at"`
	CancelledAt       *time.Time `gorm:"column:cancelled_at"`
	LastError    string    `gorm:"column:last_error"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (Job) TableName() string { return "queue_jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// IsLeased reports whether the job currently holds a worker lease.
func (j *Job) IsLeased() bool {
	return j.State == JobStateRunning && j.LockedBy != nil && j.LockExpiresAt != nil
}

// QueueSettings is the singleton record controlling the worker pool.
type QueueSettings struct {
	ID          uint `gorm:"primaryKey"`
	Paused      bool `gorm:"column:paused;not null;default:false"`
	Concurrency int  `gorm:"column:concurrency;not null;default:2"`
	UpdatedAt   time.Time
}

// TableName returns the GORM table name.
func (QueueSettings) TableName() string { return "queue_settings" }

// QueueStats holds aggregate counts by job state plus the age of the
// oldest runnable queued job.
type QueueStats struct {
	Queued    int64    `json:"queued"`
	Running   int64    `json:"running"`
	Succeeded int64    `json:"succeeded"`
	Failed    int64    `json:"failed"`
	Cancelled int64    `json:"cancelled"`
	OldestQueuedAgeSec *float64 `json:"oldestQueuedAgeSec,omitempty"`
}
