package project

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore(setupTestDB(t))
	require.NoError(t, store.AutoMigrate())
	return store
}

func newTestProject(owner string) *Project {
	return &Project{
		ID:          uuid.New().String(),
		OwnerUserID: owner,
		Name:        "todo app",
	}
}

func TestCreateAndGet(t *testing.T) {
	store := setupStore(t)
	p := newTestProject("u1")
	require.NoError(t, store.Create(p))

	got, err := store.Get(p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, "u1", got.OwnerUserID)
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	store := setupStore(t)
	got, err := store.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListByOwner(t *testing.T) {
	store := setupStore(t)
	require.NoError(t, store.Create(newTestProject("u1")))
	require.NoError(t, store.Create(newTestProject("u1")))
	require.NoError(t, store.Create(newTestProject("u2")))

	mine, err := store.ListByOwner("u1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	none, err := store.ListByOwner("u3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateStatus(t *testing.T) {
	store := setupStore(t)
	p := newTestProject("u1")
	require.NoError(t, store.Create(p))

	require.NoError(t, store.UpdateStatus(p.ID, StatusRunning))

	got, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestBootstrapSessionAndPromptSent(t *testing.T) {
	store := setupStore(t)
	p := newTestProject("u1")
	require.NoError(t, store.Create(p))

	require.NoError(t, store.SetBootstrapSession(p.ID, "ses_123"))
	require.NoError(t, store.MarkInitialPromptSent(p.ID, "msg_456"))

	got, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "ses_123", got.BootstrapSessionID)
	assert.True(t, got.InitialPromptSent)
	assert.Equal(t, "msg_456", got.InitialMessageID)
}

func TestProductionLifecycle(t *testing.T) {
	store := setupStore(t)
	p := newTestProject("u1")
	require.NoError(t, store.Create(p))

	require.NoError(t, store.SetProductionBuilding(p.ID))
	got, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProductionBuilding, got.ProductionStatus)

	startedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.SetProductionStarted(p.ID, "abc123def456", 4001, startedAt))
	require.NoError(t, store.SetProductionRunning(p.ID, "http://127.0.0.1:4001"))

	got, err = store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProductionRunning, got.ProductionStatus)
	assert.Equal(t, "abc123def456", got.ProductionHash)
	assert.Equal(t, 4001, got.ProductionPort)
	assert.Equal(t, "http://127.0.0.1:4001", got.ProductionURL)
	require.NotNil(t, got.ProductionStartedAt)
}

func TestProductionStopKeepsHashAndPort(t *testing.T) {
	store := setupStore(t)
	p := newTestProject("u1")
	require.NoError(t, store.Create(p))
	require.NoError(t, store.SetProductionStarted(p.ID, "abc123def456", 4001, time.Now()))

	require.NoError(t, store.SetProductionStopped(p.ID))

	got, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProductionStopped, got.ProductionStatus)
	// Kept for rollback.
	assert.Equal(t, "abc123def456", got.ProductionHash)
	assert.Equal(t, 4001, got.ProductionPort)
}

func TestProductionFailedRecordsError(t *testing.T) {
	store := setupStore(t)
	p := newTestProject("u1")
	require.NoError(t, store.Create(p))

	require.NoError(t, store.SetProductionFailed(p.ID, "build exited 1"))

	got, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProductionFailed, got.ProductionStatus)
	assert.Equal(t, "build exited 1", got.ProductionError)

	// A fresh build clears the previous error.
	require.NoError(t, store.SetProductionBuilding(p.ID))
	got, err = store.Get(p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ProductionError)
}

func TestHardDelete(t *testing.T) {
	store := setupStore(t)
	p := newTestProject("u1")
	require.NoError(t, store.Create(p))

	require.NoError(t, store.HardDelete(p.ID))

	got, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an already-gone row is not an error.
	require.NoError(t, store.HardDelete(p.ID))
}
