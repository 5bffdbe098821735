package project

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store provides database operations on project records. Pipeline handlers
// treat a missing project as "deleted mid-pipeline" and no-op, so Get
// returns (nil, nil) for unknown ids.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new project Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the projects table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Project{})
}

// Create inserts a new project row.
func (s *Store) Create(p *Project) error {
	if p.Status == "" {
		p.Status = StatusCreated
	}
	if err := s.db.Create(p).Error; err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// Get retrieves a project by ID. Returns (nil, nil) when absent.
func (s *Store) Get(id string) (*Project, error) {
	var p Project
	if err := s.db.First(&p, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// ListByOwner returns all projects owned by userID.
func (s *Store) ListByOwner(userID string) ([]Project, error) {
	var out []Project
	if err := s.db.Where("owner_user_id = ?", userID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

func (s *Store) update(id string, updates map[string]any) error {
	res := s.db.Model(&Project{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update project: %w", res.Error)
	}
	return nil
}

// UpdateStatus sets the project lifecycle status.
func (s *Store) UpdateStatus(id string, status Status) error {
	return s.update(id, map[string]any{"status": status})
}

// SetBootstrapSession persists the agent session id created for the
// project's initial prompt.
func (s *Store) SetBootstrapSession(id, sessionID string) error {
	return s.update(id, map[string]any{"bootstrap_session_id": sessionID})
}

// MarkInitialPromptSent records that the initial user prompt reached the
// session server, together with the message id located for it.
func (s *Store) MarkInitialPromptSent(id, messageID string) error {
	return s.update(id, map[string]any{
		"initial_prompt_sent": true,
		"initial_message_id":  messageID,
	})
}

// SetProductionBuilding flags the start of a production build.
func (s *Store) SetProductionBuilding(id string) error {
	return s.update(id, map[string]any{
		"production_status": ProductionBuilding,
		"production_error":  "",
	})
}

// SetProductionStarted persists the deployed hash, port and start time.
func (s *Store) SetProductionStarted(id, hash string, port int, startedAt time.Time) error {
	return s.update(id, map[string]any{
		"production_hash":       hash,
		"production_port":       port,
		"production_status":     ProductionStarting,
		"production_started_at": startedAt,
	})
}

// SetProductionRunning marks the deploy healthy and records its URL.
func (s *Store) SetProductionRunning(id, url string) error {
	return s.update(id, map[string]any{
		"production_status": ProductionRunning,
		"production_url":    url,
		"production_error":  "",
	})
}

// SetProductionFailed marks the deploy failed with an error string.
func (s *Store) SetProductionFailed(id, errMsg string) error {
	return s.update(id, map[string]any{
		"production_status": ProductionFailed,
		"production_error":  errMsg,
	})
}

// SetProductionStopped marks the production container stopped. Hash and
// port are intentionally kept for rollback.
func (s *Store) SetProductionStopped(id string) error {
	return s.update(id, map[string]any{"production_status": ProductionStopped})
}

// SetPorts persists the dev container pair ports.
func (s *Store) SetPorts(id string, appPort, opencodePort int) error {
	return s.update(id, map[string]any{
		"app_port":      appPort,
		"opencode_port": opencodePort,
	})
}

// SetProductionPort persists the allocated production port.
func (s *Store) SetProductionPort(id string, port int) error {
	return s.update(id, map[string]any{"production_port": port})
}

// HardDelete removes the project row. Used as the final, critical step of
// project.delete: if it fails the job retries.
func (s *Store) HardDelete(id string) error {
	if err := s.db.Delete(&Project{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("hard delete project: %w", err)
	}
	return nil
}
