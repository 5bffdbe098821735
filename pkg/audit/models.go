// Package audit records queue admin mutations: who cancelled, retried,
// force-unlocked or reconfigured what, with the request outcome. Reads
// are not audited.
package audit

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Event is one recorded admin action.
type Event struct {
	ID         string `gorm:"primaryKey;column:id;type:varchar(36)"`
	Actor      string `gorm:"column:actor;index:idx_audit_actor"`
	RequestID  string `gorm:"column:request_id"`
	Action     string `gorm:"column:action;index:idx_audit_action"`
	JobID      string `gorm:"column:job_id;index:idx_audit_job"`
	Method     string `gorm:"column:method"`
	Path       string `gorm:"column:path"`
	Outcome    string `gorm:"column:outcome"`
	StatusCode int    `gorm:"column:status_code"`
	DurationMs int64  `gorm:"column:duration_ms"`
	CreatedAt  time.Time `gorm:"column:created_at;index:idx_audit_created"`
}

// TableName returns the GORM table name.
func (Event) TableName() string { return "audit_events" }

// Store persists audit events.
type Store struct {
	db *gorm.DB
}

// NewStore creates an audit Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the audit table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Event{})
}

// Append writes one event.
func (s *Store) Append(e *Event) error {
	if err := s.db.Create(e).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Filter narrows audit listings.
type Filter struct {
	Actor   string
	Action  string
	JobID   string
	Outcome string
}

func (s *Store) filtered(filter Filter) *gorm.DB {
	q := s.db.Model(&Event{})
	if filter.Actor != "" {
		q = q.Where("actor = ?", filter.Actor)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if filter.JobID != "" {
		q = q.Where("job_id = ?", filter.JobID)
	}
	if filter.Outcome != "" {
		q = q.Where("outcome = ?", filter.Outcome)
	}
	return q
}

// List returns matching events newest first plus the total match count.
func (s *Store) List(filter Filter, limit, offset int) ([]Event, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var total int64
	if err := s.filtered(filter).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}
	var events []Event
	err := s.filtered(filter).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&events).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list audit events: %w", err)
	}
	return events, total, nil
}

// Get returns one event by id, (nil, nil) when absent.
func (s *Store) Get(id string) (*Event, error) {
	var e Event
	if err := s.db.First(&e, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return &e, nil
}

// DeleteOlderThan removes events created before the cutoff.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res := s.db.Where("created_at < ?", cutoff).Delete(&Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
