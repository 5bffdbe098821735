package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pablopunk/doce.dev-sub000/pkg/docker"
	"github.com/pablopunk/doce.dev-sub000/pkg/opencode"
	"github.com/pablopunk/doce.dev-sub000/pkg/project"
	"github.com/pablopunk/doce.dev-sub000/pkg/queue"
)

func TestProjectName(t *testing.T) {
	assert.Equal(t, "build a todo app", projectName("  build a todo app\nwith dark mode"))
	long := strings.Repeat("a very long prompt ", 10)
	assert.Len(t, projectName(long), 60)
	assert.Equal(t, "", projectName("   "))
}

func TestHandleProjectCreate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(h.cfg.TemplateDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.cfg.TemplateDir, "index.html"), []byte("<html>"), 0o644))

	projectID := uuid.New().String()
	job, err := EnqueueProjectCreate(h.jobs, queue.ProjectCreatePayload{
		ProjectID:   projectID,
		OwnerUserID: "u1",
		Prompt:      "build a todo app\nwith dark mode",
	})
	require.NoError(t, err)

	require.NoError(t, h.invoke(t, h.deps.handleProjectCreate, job))

	proj, err := h.projects.Get(projectID)
	require.NoError(t, err)
	require.NotNil(t, proj)
	assert.Equal(t, "build a todo app", proj.Name)
	assert.NotZero(t, proj.AppPort)
	assert.Equal(t, proj.AppPort+1, proj.OpencodePort)

	dir := h.cfg.ProjectDir(projectID)
	assert.FileExists(t, filepath.Join(dir, "index.html"))
	env, err := os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "OPENCODE_API_KEY=sk-test")

	staged, err := readInitialPrompt(dir)
	require.NoError(t, err)
	require.NotNil(t, staged)
	assert.Equal(t, "build a todo app\nwith dark mode", staged.Prompt)

	require.Len(t, h.jobsOfType(t, queue.TypeDockerComposeUp), 1)
}

func TestHandleProjectCreateIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(h.cfg.TemplateDir, 0o755))

	projectID := uuid.New().String()
	payload := queue.ProjectCreatePayload{ProjectID: projectID, OwnerUserID: "u1", Prompt: "an app"}
	job, err := EnqueueProjectCreate(h.jobs, payload)
	require.NoError(t, err)

	require.NoError(t, h.invoke(t, h.deps.handleProjectCreate, job))
	require.NoError(t, h.invoke(t, h.deps.handleProjectCreate, job))

	proj, err := h.projects.Get(projectID)
	require.NoError(t, err)
	require.NotNil(t, proj)

	// The second run reuses the existing row and ports; the composeUp
	// dedupe key collapses the successor too.
	require.Len(t, h.jobsOfType(t, queue.TypeDockerComposeUp), 1)
}

func TestHandleProjectCreateSkipsDeletingProject(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusDeleting)

	job, err := EnqueueProjectCreate(h.jobs, queue.ProjectCreatePayload{
		ProjectID: p.ID, OwnerUserID: "u1", Prompt: "an app",
	})
	require.NoError(t, err)

	require.NoError(t, h.invoke(t, h.deps.handleProjectCreate, job))
	assert.Empty(t, h.jobsOfType(t, queue.TypeDockerComposeUp))
}

func TestHandleComposeUp(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusCreated)

	job, err := EnqueueComposeUp(h.jobs, queue.ComposeUpPayload{ProjectID: p.ID, Reason: "create"})
	require.NoError(t, err)

	require.NoError(t, h.invoke(t, h.deps.handleComposeUp, job))
	assert.True(t, h.runner.called("compose up -d"))

	got, err := h.projects.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusStarting, got.Status)

	waits := h.jobsOfType(t, queue.TypeDockerWaitReady)
	require.Len(t, waits, 1)
	assert.Contains(t, waits[0].Payload, `"startedAt"`)
}

func TestWaitReadyAuthPushIsBounded(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusStarting)
	h.devUp(p, true)

	job, err := EnqueueWaitReady(h.jobs, queue.WaitReadyPayload{
		ProjectID: p.ID,
		StartedAt: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, h.invoke(t, h.deps.handleDockerWaitReady, job))

	// The credential push runs under its own short deadline instead of
	// the runner's default.
	assert.True(t, h.runner.calledWithDeadline("compose exec -T opencode"))
}

func TestHandleComposeUpFailureMarksError(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusCreated)
	h.runner.script("compose up", &docker.Result{ExitCode: 1, Stderr: "no such file: compose.yml"}, nil)

	job, err := EnqueueComposeUp(h.jobs, queue.ComposeUpPayload{ProjectID: p.ID})
	require.NoError(t, err)

	err = h.invoke(t, h.deps.handleComposeUp, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such file")

	got, err := h.projects.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusError, got.Status)
	assert.Empty(t, h.jobsOfType(t, queue.TypeDockerWaitReady))
}

func TestHandleComposeUpSkipsMissingProject(t *testing.T) {
	h := newHarness(t)
	job, err := EnqueueComposeUp(h.jobs, queue.ComposeUpPayload{ProjectID: uuid.New().String()})
	require.NoError(t, err)

	require.NoError(t, h.invoke(t, h.deps.handleComposeUp, job))
	assert.False(t, h.runner.called("compose up"))
}

func TestHandleDockerWaitReadyHealthy(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusStarting)
	h.devUp(p, true)

	job, err := EnqueueWaitReady(h.jobs, queue.WaitReadyPayload{ProjectID: p.ID})
	require.NoError(t, err)

	require.NoError(t, h.invoke(t, h.deps.handleDockerWaitReady, job))

	got, err := h.projects.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusRunning, got.Status)
	// Credentials pushed into the session container.
	assert.True(t, h.runner.called("compose exec -T opencode"))
	require.Len(t, h.jobsOfType(t, queue.TypeOpencodeSession), 1)
}

func TestHandleDockerWaitReadySkipsBootstrapWhenPromptSent(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusStarting)
	require.NoError(t, h.projects.MarkInitialPromptSent(p.ID, "msg_1"))
	h.devUp(p, true)

	job, err := EnqueueWaitReady(h.jobs, queue.WaitReadyPayload{ProjectID: p.ID})
	require.NoError(t, err)

	require.NoError(t, h.invoke(t, h.deps.handleDockerWaitReady, job))
	assert.Empty(t, h.jobsOfType(t, queue.TypeOpencodeSession))
}

func TestHandleDockerWaitReadyReschedules(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusStarting)
	h.devUp(p, false)

	job, err := EnqueueWaitReady(h.jobs, queue.WaitReadyPayload{ProjectID: p.ID})
	require.NoError(t, err)

	err = h.invoke(t, h.deps.handleDockerWaitReady, job)
	var rs *queue.RescheduleError
	require.True(t, errors.As(err, &rs))
	assert.Equal(t, h.cfg.WaitPollDelay, rs.Delay)
	require.NotNil(t, rs.NewPayload)
	assert.Contains(t, *rs.NewPayload, `"rescheduleCount":1`)
}

func TestHandleDockerWaitReadyDeadlineFails(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusStarting)
	h.devUp(p, false)

	job, err := EnqueueWaitReady(h.jobs, queue.WaitReadyPayload{
		ProjectID: p.ID,
		StartedAt: time.Now().Add(-10 * time.Minute).UnixMilli(),
	})
	require.NoError(t, err)

	err = h.invoke(t, h.deps.handleDockerWaitReady, job)
	require.Error(t, err)
	var rs *queue.RescheduleError
	assert.False(t, errors.As(err, &rs))
	assert.Contains(t, err.Error(), "not ready")

	got, err := h.projects.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusError, got.Status)
}

func TestHandleDockerWaitReadyBudgetExhaustedFails(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusStarting)
	h.devUp(p, false)

	job, err := EnqueueWaitReady(h.jobs, queue.WaitReadyPayload{ProjectID: p.ID})
	require.NoError(t, err)
	// Spend the reschedule budget without waiting out the wall clock.
	raw, err := queue.MarshalPayload(queue.WaitReadyPayload{
		ProjectID:       p.ID,
		StartedAt:       time.Now().UnixMilli(),
		RescheduleCount: h.cfg.MaxReschedules,
	})
	require.NoError(t, err)
	job.Payload = raw

	err = h.invoke(t, h.deps.handleDockerWaitReady, job)
	require.Error(t, err)
	var rs *queue.RescheduleError
	assert.False(t, errors.As(err, &rs))
}

func TestHandleSessionCreate(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusRunning)
	h.sessions.nextID = "ses_abc"

	job, err := EnqueueSessionCreate(h.jobs, queue.SessionCreatePayload{ProjectID: p.ID})
	require.NoError(t, err)

	require.NoError(t, h.invoke(t, h.deps.handleSessionCreate, job))

	got, err := h.projects.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "ses_abc", got.BootstrapSessionID)
	assert.Equal(t, []int{got.OpencodePort}, h.sessions.ports)
	require.Len(t, h.jobsOfType(t, queue.TypeOpencodeSendPrompt), 1)

	// A retry reuses the existing session.
	require.NoError(t, h.invoke(t, h.deps.handleSessionCreate, job))
	assert.Equal(t, 1, h.sessions.createCalls)
}

func TestHandleSendUserPrompt(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusRunning)
	require.NoError(t, h.projects.SetBootstrapSession(p.ID, "ses_abc"))

	dir := h.cfg.ProjectDir(p.ID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, writeInitialPrompt(dir, initialPrompt{
		Prompt: "build a todo app",
		Images: []queue.ImageAttachment{{Filename: "mock.png", Mime: "image/png", DataURL: "data:image/png;base64,aaaa"}},
	}))

	h.sessions.messages = []opencode.Message{
		{ID: "msg_assistant", Role: "assistant"},
		{ID: "msg_user", Role: "user", Parts: []opencode.MessagePart{{Type: "text", Text: "build a todo app"}}},
	}

	job, err := EnqueueSendUserPrompt(h.jobs, queue.SendUserPromptPayload{ProjectID: p.ID})
	require.NoError(t, err)

	require.NoError(t, h.invoke(t, h.deps.handleSendUserPrompt, job))

	require.Len(t, h.sessions.prompts, 1)
	require.Len(t, h.sessions.prompts[0].Parts, 2)
	assert.Equal(t, "text", h.sessions.prompts[0].Parts[0].Type)
	assert.Equal(t, "file", h.sessions.prompts[0].Parts[1].Type)

	got, err := h.projects.Get(p.ID)
	require.NoError(t, err)
	assert.True(t, got.InitialPromptSent)
	assert.Equal(t, "msg_user", got.InitialMessageID)

	// Staged prompt consumed.
	_, err = os.Stat(initialPromptPath(dir))
	assert.True(t, os.IsNotExist(err))
}

func TestHandleSendUserPromptIdempotent(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusRunning)
	require.NoError(t, h.projects.MarkInitialPromptSent(p.ID, "msg_1"))

	job, err := EnqueueSendUserPrompt(h.jobs, queue.SendUserPromptPayload{ProjectID: p.ID})
	require.NoError(t, err)

	require.NoError(t, h.invoke(t, h.deps.handleSendUserPrompt, job))
	assert.Empty(t, h.sessions.prompts)
}

func TestHandleSendUserPromptMissingStagingFile(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusRunning)
	require.NoError(t, h.projects.SetBootstrapSession(p.ID, "ses_abc"))
	require.NoError(t, os.MkdirAll(h.cfg.ProjectDir(p.ID), 0o755))

	job, err := EnqueueSendUserPrompt(h.jobs, queue.SendUserPromptPayload{ProjectID: p.ID})
	require.NoError(t, err)

	require.NoError(t, h.invoke(t, h.deps.handleSendUserPrompt, job))
	assert.Empty(t, h.sessions.prompts)

	got, err := h.projects.Get(p.ID)
	require.NoError(t, err)
	assert.True(t, got.InitialPromptSent)
}

func TestHandleSendUserPromptRequiresSession(t *testing.T) {
	h := newHarness(t)
	p := h.seedProject(t, project.StatusRunning)

	job, err := EnqueueSendUserPrompt(h.jobs, queue.SendUserPromptPayload{ProjectID: p.ID})
	require.NoError(t, err)

	err = h.invoke(t, h.deps.handleSendUserPrompt, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bootstrap session")
}
