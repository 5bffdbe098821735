package db

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serializes schema migration across engine processes
// sharing one database, so two doce-server instances starting at once
// cannot run AutoMigrate concurrently.
type MigrationLocker interface {
	// WithLock runs fn while holding the lock, blocking until acquired.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker picks a lock strategy for the dialect: PostgreSQL
// gets an advisory lock, everything else a lock table with stale-row
// recovery. SQLite deployments are single-process, but the table lock
// still guards an accidental double start against the same file.
func NewMigrationLocker(db *gorm.DB) MigrationLocker {
	if db == nil {
		return &noopLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &advisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte("doce-engine-migration"))),
		}
	}
	lock := &tableLock{db: db}
	// Create the table up front so a concurrent first caller never sees
	// "no such table".
	_ = db.AutoMigrate(&engineLockRow{})
	return lock
}

type noopLock struct{}

func (n *noopLock) WithLock(_ context.Context, fn func() error) error { return fn() }

type advisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *advisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_ = l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()
	return fn()
}

type engineLockRow struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (engineLockRow) TableName() string { return "engine_locks" }

const migrationLockID = "migration"

// tableLock uses INSERT-or-fail on a single row. A crashed holder leaves
// a stale row behind; rows older than staleLockAge are reaped before
// each attempt.
type tableLock struct {
	db *gorm.DB
}

func (l *tableLock) WithLock(ctx context.Context, fn func() error) error {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	const (
		maxRetries    = 30
		retryInterval = time.Second
		staleLockAge  = 5 * time.Minute
	)

	row := engineLockRow{ID: migrationLockID, LockedBy: hostname}
	acquired := false
	for i := 0; i < maxRetries; i++ {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", migrationLockID, time.Now().Add(-staleLockAge)).
			Delete(&engineLockRow{})

		row.LockedAt = time.Now()
		if err := l.db.WithContext(ctx).Create(&row).Error; err == nil {
			acquired = true
			break
		} else if i == maxRetries-1 {
			return fmt.Errorf("acquire migration lock after %d attempts: %w", maxRetries, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	if !acquired {
		return fmt.Errorf("acquire migration lock")
	}

	defer func() {
		l.db.Where("id = ?", migrationLockID).Delete(&engineLockRow{})
	}()
	return fn()
}
