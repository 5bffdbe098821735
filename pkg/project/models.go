package project

import (
	"time"
)

// Status is the project lifecycle state driven by the pipeline handlers:
// created → starting → running → stopping → stopped → (restart) starting;
// running → error on unrecoverable failure; any state → deleting.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusDeleting Status = "deleting"
)

// ProductionStatus tracks the deploy pipeline independently of the dev
// container pair.
type ProductionStatus string

const (
	ProductionNone     ProductionStatus = ""
	ProductionBuilding ProductionStatus = "building"
	ProductionStarting ProductionStatus = "starting"
	ProductionRunning  ProductionStatus = "running"
	ProductionStopped  ProductionStatus = "stopped"
	ProductionFailed   ProductionStatus = "failed"
)

// Project is the GORM model for a user project. The queue engine reads and
// writes only the fields below; everything else about a project lives
// outside the core.
type Project struct {
	ID          string `gorm:"primaryKey;column:id;type:varchar(36)"`
	OwnerUserID string `gorm:"column:owner_user_id;index:idx_project_owner;not null"`
	Name        string `gorm:"column:name"`
	Status      Status `gorm:"column:status;index:idx_project_status;not null;default:created"`

	// Dev container pair ports.
	AppPort      int `gorm:"column:app_port"`
	OpencodePort int `gorm:"column:opencode_port"`

	// Agent session bootstrap. InitialPromptSent gates the tail of the
	// create pipeline so retries and recovery stay idempotent.
	BootstrapSessionID string `gorm:"column:bootstrap_session_id"`
	InitialPromptSent  bool   `gorm:"column:initial_prompt_sent;default:false"`
	InitialMessageID   string `gorm:"column:initial_message_id"`

	// Production deploy. Hash and port survive production.stop so the
	// previous version can be rolled back.
	ProductionHash      string           `gorm:"column:production_hash"`
	ProductionPort      int              `gorm:"column:production_port"`
	ProductionURL       string           `gorm:"column:production_url"`
	ProductionStatus    ProductionStatus `gorm:"column:production_status"`
	ProductionStartedAt *time.Time       `gorm:"column:production_started_at"`
	ProductionError     string           `gorm:"column:production_error"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (Project) TableName() string { return "projects" }
