package queue

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, store *JobStore, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	Router(store).ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) jobResponse {
	t.Helper()
	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestEnqueueJobHandler(t *testing.T) {
	store := setupStore(t)

	rec := doRequest(t, store, http.MethodPost, "/jobs",
		`{"type":"docker.stop","projectId":"p1","payload":{"projectId":"p1"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeJob(t, rec)
	assert.Equal(t, TypeDockerStop, resp.Type)
	assert.Equal(t, JobStateQueued, resp.State)
	assert.Equal(t, DefaultMaxAttempts, resp.MaxAttempts)
}

func TestEnqueueJobHandlerWaitJobGetsLargeAttemptBudget(t *testing.T) {
	store := setupStore(t)

	rec := doRequest(t, store, http.MethodPost, "/jobs",
		`{"type":"docker.waitReady","projectId":"p1","payload":{"projectId":"p1","startedAt":1700000000000}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, WaitMaxAttempts, decodeJob(t, rec).MaxAttempts)

	// An explicit value still wins.
	rec = doRequest(t, store, http.MethodPost, "/jobs",
		`{"type":"production.waitReady","projectId":"p2","payload":{"projectId":"p2","productionPort":4001,"startedAt":1700000000000},"maxAttempts":5}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 5, decodeJob(t, rec).MaxAttempts)
}

func TestEnqueueJobHandlerRejectsUnknownType(t *testing.T) {
	store := setupStore(t)

	rec := doRequest(t, store, http.MethodPost, "/jobs",
		`{"type":"docker.reboot","payload":{"projectId":"p1"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown job type")
}

func TestEnqueueJobHandlerRejectsInvalidPayload(t *testing.T) {
	store := setupStore(t)

	rec := doRequest(t, store, http.MethodPost, "/jobs",
		`{"type":"project.create","projectId":"p1","payload":{"projectId":"p1"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ownerUserId is required")
}

func TestEnqueueJobHandlerDedupeReturnsExisting(t *testing.T) {
	store := setupStore(t)
	body := `{"type":"docker.stop","projectId":"p1","payload":{"projectId":"p1"},"dedupeKey":"docker.stop:p1"}`

	first := doRequest(t, store, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doRequest(t, store, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, decodeJob(t, first).ID, decodeJob(t, second).ID)
}

func TestGetJobHandler(t *testing.T) {
	store := setupStore(t)
	job, err := store.Enqueue(newTestJob(TypeDockerStop, "p1"))
	require.NoError(t, err)

	rec := doRequest(t, store, http.MethodGet, "/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job.ID, decodeJob(t, rec).ID)

	rec = doRequest(t, store, http.MethodGet, "/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsHandlerFilters(t *testing.T) {
	store := setupStore(t)
	_, err := store.Enqueue(newTestJob(TypeDockerStop, "p1"))
	require.NoError(t, err)
	_, err = store.Enqueue(newTestJob(TypeDockerComposeUp, "p2"))
	require.NoError(t, err)

	rec := doRequest(t, store, http.MethodGet, "/jobs?type=docker.stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Jobs      []jobResponse `json:"jobs"`
		TotalSize int64         `json:"totalSize"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, int64(1), list.TotalSize)
	assert.Equal(t, TypeDockerStop, list.Jobs[0].Type)
}

func TestCancelJobHandlerQueued(t *testing.T) {
	store := setupStore(t)
	job, err := store.Enqueue(newTestJob(TypeDockerStop, "p1"))
	require.NoError(t, err)

	rec := doRequest(t, store, http.MethodPost, "/jobs/"+job.ID+":cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancelled"`)

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateCancelled, got.State)
}

func TestCancelJobHandlerRunning(t *testing.T) {
	store := setupStore(t)
	job, err := store.Enqueue(newTestJob(TypeDockerStop, "p1"))
	require.NoError(t, err)
	claimed, err := store.Claim("w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	rec := doRequest(t, store, http.MethodPost, "/jobs/"+job.ID+":cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancel_requested"`)

	requested, err := store.IsCancelRequested(job.ID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestCancelJobHandlerTerminalConflict(t *testing.T) {
	store := setupStore(t)
	job, err := store.Enqueue(newTestJob(TypeDockerStop, "p1"))
	require.NoError(t, err)
	_, err = store.Claim("w1", time.Minute)
	require.NoError(t, err)
	_, err = store.Complete(job.ID, "w1")
	require.NoError(t, err)

	rec := doRequest(t, store, http.MethodPost, "/jobs/"+job.ID+":cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryJobHandlerClonesTerminalJob(t *testing.T) {
	store := setupStore(t)
	job, err := store.Enqueue(newTestJob(TypeDockerStop, "p1"))
	require.NoError(t, err)
	_, err = store.Claim("w1", time.Minute)
	require.NoError(t, err)
	_, err = store.Fail(job.ID, "w1", "boom")
	require.NoError(t, err)

	rec := doRequest(t, store, http.MethodPost, "/jobs/"+job.ID+":retry", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	clone := decodeJob(t, rec)
	assert.NotEqual(t, job.ID, clone.ID)
	assert.Equal(t, JobStateQueued, clone.State)
	assert.Equal(t, 0, clone.Attempts)
}

func TestRunNowJobHandlerConflictWhenNotQueued(t *testing.T) {
	store := setupStore(t)
	job, err := store.Enqueue(newTestJob(TypeDockerStop, "p1"))
	require.NoError(t, err)
	_, err = store.Claim("w1", time.Minute)
	require.NoError(t, err)

	rec := doRequest(t, store, http.MethodPost, "/jobs/"+job.ID+":run-now", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestForceUnlockJobHandler(t *testing.T) {
	store := setupStore(t)
	job, err := store.Enqueue(newTestJob(TypeDockerStop, "p1"))
	require.NoError(t, err)
	_, err = store.Claim("w1", time.Minute)
	require.NoError(t, err)

	rec := doRequest(t, store, http.MethodPost, "/jobs/"+job.ID+":force-unlock", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, got.State)
	assert.Contains(t, got.LastError, "force-unlocked")
}

func TestDeleteJobHandlerRejectsNonTerminal(t *testing.T) {
	store := setupStore(t)
	job, err := store.Enqueue(newTestJob(TypeDockerStop, "p1"))
	require.NoError(t, err)

	rec := doRequest(t, store, http.MethodDelete, "/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteJobsByStateHandler(t *testing.T) {
	store := setupStore(t)
	job, err := store.Enqueue(newTestJob(TypeDockerStop, "p1"))
	require.NoError(t, err)
	_, err = store.Claim("w1", time.Minute)
	require.NoError(t, err)
	_, err = store.Fail(job.ID, "w1", "boom")
	require.NoError(t, err)

	rec := doRequest(t, store, http.MethodDelete, "/jobs?state=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted":1`)

	rec = doRequest(t, store, http.MethodDelete, "/jobs", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsHandlers(t *testing.T) {
	store := setupStore(t)

	rec := doRequest(t, store, http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"paused":false`)

	rec = doRequest(t, store, http.MethodPost, "/settings/pause", `{"paused":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	settings, err := store.Settings()
	require.NoError(t, err)
	assert.True(t, settings.Paused)

	rec = doRequest(t, store, http.MethodPost, "/settings/concurrency", `{"concurrency":5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, store, http.MethodPost, "/settings/concurrency", `{"concurrency":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsHandler(t *testing.T) {
	store := setupStore(t)
	_, err := store.Enqueue(newTestJob(TypeDockerStop, "p1"))
	require.NoError(t, err)

	rec := doRequest(t, store, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued":1`)
}
