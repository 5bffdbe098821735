package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pablopunk/doce.dev-sub000/pkg/opencode"
	"github.com/pablopunk/doce.dev-sub000/pkg/project"
	"github.com/pablopunk/doce.dev-sub000/pkg/queue"
)

// loadProject fetches the project for a handler. A nil project means it
// was deleted mid-pipeline: the caller no-ops and succeeds. A project in
// "deleting" is treated the same way for every job type except the
// delete jobs themselves.
func (d *Deps) loadProject(projectID string, jobType queue.JobType) (*project.Project, error) {
	p, err := d.Projects.Get(projectID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		d.Logger.Info("project gone, skipping job", "projectId", projectID, "type", jobType)
		return nil, nil
	}
	if p.Status == project.StatusDeleting && jobType != queue.TypeProjectDelete {
		d.Logger.Info("project deleting, skipping job", "projectId", projectID, "type", jobType)
		return nil, nil
	}
	return p, nil
}

// projectName derives a display name from the initial prompt.
func projectName(prompt string) string {
	name := strings.TrimSpace(prompt)
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		name = name[:i]
	}
	if len(name) > 60 {
		name = name[:60]
	}
	return name
}

// handleProjectCreate materializes a new project: DB row, port pair,
// working tree from the template, env file, staged initial prompt. Every
// step is idempotent so a retry after a partial run converges. Enqueues
// docker.composeUp on success.
func (d *Deps) handleProjectCreate(ctx context.Context, jc *queue.JobContext) error {
	var p queue.ProjectCreatePayload
	if err := jc.Unmarshal(&p); err != nil {
		return err
	}

	proj, err := d.Projects.Get(p.ProjectID)
	if err != nil {
		return err
	}
	if proj == nil {
		proj = &project.Project{
			ID:          p.ProjectID,
			OwnerUserID: p.OwnerUserID,
			Name:        projectName(p.Prompt),
			Status:      project.StatusCreated,
		}
		if err := d.Projects.Create(proj); err != nil {
			return err
		}
	}
	if proj.Status == project.StatusDeleting {
		d.Logger.Info("project deleting, skipping create", "projectId", p.ProjectID)
		return nil
	}

	appPort, opencodePort, err := d.Ports.AllocatePair(p.ProjectID)
	if err != nil {
		return err
	}

	if err := jc.CheckCancel(ctx); err != nil {
		return err
	}

	dir := d.Config.ProjectDir(p.ProjectID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create project dir: %w", err)
		}
		if err := copyDir(d.Config.TemplateDir, dir); err != nil {
			return fmt.Errorf("copy template: %w", err)
		}
	} else if err != nil {
		return err
	}

	if err := writeEnvFile(dir, d.Config.OpencodeAPIKey, appPort, opencodePort); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}

	if !proj.InitialPromptSent {
		err := writeInitialPrompt(dir, initialPrompt{
			Prompt: p.Prompt,
			Model:  p.Model,
			Images: p.Images,
		})
		if err != nil {
			return err
		}
	}

	_, err = EnqueueComposeUp(d.Jobs, queue.ComposeUpPayload{ProjectID: p.ProjectID, Reason: "create"})
	return err
}

// handleComposeUp boots the project's dev container pair. On success it
// enqueues docker.waitReady with a fresh wall-clock anchor; on runtime
// failure it marks the project "error" and lets the retry budget run.
func (d *Deps) handleComposeUp(ctx context.Context, jc *queue.JobContext) error {
	var p queue.ComposeUpPayload
	if err := jc.Unmarshal(&p); err != nil {
		return err
	}
	proj, err := d.loadProject(p.ProjectID, jc.Job.Type)
	if err != nil || proj == nil {
		return err
	}

	if err := d.Projects.UpdateStatus(p.ProjectID, project.StatusStarting); err != nil {
		return err
	}

	res, err := d.Compose.Up(ctx, d.Config.ProjectDir(p.ProjectID))
	if err != nil {
		return fmt.Errorf("compose up: %w", err)
	}
	if !res.Success() {
		if statusErr := d.Projects.UpdateStatus(p.ProjectID, project.StatusError); statusErr != nil {
			d.Logger.Error("mark project error", "projectId", p.ProjectID, "error", statusErr)
		}
		return fmt.Errorf("compose up: %s", res.ErrorText())
	}

	_, err = EnqueueWaitReady(d.Jobs, queue.WaitReadyPayload{
		ProjectID: p.ProjectID,
		StartedAt: time.Now().UnixMilli(),
	})
	return err
}

// probeDevPair checks the preview app and the session server.
func (d *Deps) probeDevPair(ctx context.Context, proj *project.Project) (appUp, sessionUp bool) {
	appUp = d.Prober.Probe(ctx, opencode.LocalURL(proj.AppPort))
	sessionUp = d.Prober.Probe(ctx, opencode.LocalURL(proj.OpencodePort))
	return appUp, sessionUp
}

// authPushTimeout bounds the credential push; it is one tiny exec and
// must not hold a readiness poll open for the runner's full default.
const authPushTimeout = 5 * time.Second

// pushAuth writes the session-server credentials into the running
// session container so the agent can call its model provider.
func (d *Deps) pushAuth(ctx context.Context, projectID string) error {
	if d.Config.OpencodeAPIKey == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, authPushTimeout)
	defer cancel()
	dir := d.Config.ProjectDir(projectID)
	const cmd = `mkdir -p /root/.local/share/opencode && printf '%s' "$OPENCODE_API_KEY" > /root/.local/share/opencode/auth.json`
	res, err := d.Compose.Exec(ctx, dir, "opencode", cmd)
	if err != nil {
		return fmt.Errorf("push auth: %w", err)
	}
	if !res.Success() {
		return fmt.Errorf("push auth: %s", res.ErrorText())
	}
	return nil
}

// handleDockerWaitReady performs one readiness poll of the dev pair.
// Healthy: push auth, mark the project running, and enqueue the session
// bootstrap unless the initial prompt already went out. Not yet healthy:
// reschedule 1s while inside the wall-clock deadline and the reschedule
// budget. Past either bound: mark the project "error" and fail.
func (d *Deps) handleDockerWaitReady(ctx context.Context, jc *queue.JobContext) error {
	var p queue.WaitReadyPayload
	if err := jc.Unmarshal(&p); err != nil {
		return err
	}
	proj, err := d.loadProject(p.ProjectID, jc.Job.Type)
	if err != nil || proj == nil {
		return err
	}
	if err := jc.CheckCancel(ctx); err != nil {
		return err
	}

	appUp, sessionUp := d.probeDevPair(ctx, proj)
	if appUp && sessionUp {
		if err := d.pushAuth(ctx, p.ProjectID); err != nil {
			d.Logger.Warn("auth push failed", "projectId", p.ProjectID, "error", err)
		}
		if err := d.Projects.UpdateStatus(p.ProjectID, project.StatusRunning); err != nil {
			return err
		}
		if proj.InitialPromptSent {
			return nil
		}
		_, err := EnqueueSessionCreate(d.Jobs, queue.SessionCreatePayload{ProjectID: p.ProjectID})
		return err
	}

	elapsed := time.Since(time.UnixMilli(p.StartedAt))
	if elapsed < d.Config.WaitDeadline && p.RescheduleCount < d.Config.MaxReschedules {
		p.RescheduleCount++
		rs, err := queue.RescheduleWithPayload(d.Config.WaitPollDelay, p)
		if err != nil {
			return err
		}
		return rs
	}

	if err := d.Projects.UpdateStatus(p.ProjectID, project.StatusError); err != nil {
		d.Logger.Error("mark project error", "projectId", p.ProjectID, "error", err)
	}
	return fmt.Errorf("containers not ready after %s (app=%t session=%t)", elapsed.Round(time.Second), appUp, sessionUp)
}

// handleSessionCreate creates the agent bootstrap session. Idempotent:
// a project that already has one returns immediately. Enqueues the
// initial prompt delivery.
func (d *Deps) handleSessionCreate(ctx context.Context, jc *queue.JobContext) error {
	var p queue.SessionCreatePayload
	if err := jc.Unmarshal(&p); err != nil {
		return err
	}
	proj, err := d.loadProject(p.ProjectID, jc.Job.Type)
	if err != nil || proj == nil {
		return err
	}

	if proj.BootstrapSessionID == "" {
		session, err := d.Sessions(proj.OpencodePort).CreateSession(ctx, proj.Name)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if err := d.Projects.SetBootstrapSession(p.ProjectID, session.ID); err != nil {
			return err
		}
	}

	_, err = EnqueueSendUserPrompt(d.Jobs, queue.SendUserPromptPayload{ProjectID: p.ProjectID})
	return err
}

// handleSendUserPrompt delivers the staged initial prompt to the agent
// session. Idempotent via initialPromptSent. The prompt goes out async;
// this handler only locates the resulting user message and records its
// id. Completion of the agent's work is observed elsewhere, through the
// session server's event stream.
func (d *Deps) handleSendUserPrompt(ctx context.Context, jc *queue.JobContext) error {
	var p queue.SendUserPromptPayload
	if err := jc.Unmarshal(&p); err != nil {
		return err
	}
	proj, err := d.loadProject(p.ProjectID, jc.Job.Type)
	if err != nil || proj == nil {
		return err
	}
	if proj.InitialPromptSent {
		return nil
	}
	if proj.BootstrapSessionID == "" {
		return fmt.Errorf("project %s has no bootstrap session", p.ProjectID)
	}

	dir := d.Config.ProjectDir(p.ProjectID)
	staged, err := readInitialPrompt(dir)
	if err != nil {
		return err
	}
	if staged == nil {
		// Staging file gone with the flag unset: nothing to send.
		d.Logger.Warn("initial prompt file missing", "projectId", p.ProjectID)
		return d.Projects.MarkInitialPromptSent(p.ProjectID, "")
	}

	parts := []opencode.MessagePart{{Type: "text", Text: staged.Prompt}}
	for _, img := range staged.Images {
		parts = append(parts, opencode.MessagePart{
			Type:     "file",
			Mime:     img.Mime,
			URL:      img.DataURL,
			Filename: img.Filename,
		})
	}

	client := d.Sessions(proj.OpencodePort)
	err = client.SendPromptAsync(ctx, proj.BootstrapSessionID, opencode.PromptRequest{
		Model: staged.Model,
		Parts: parts,
	})
	if err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}

	// Give the session server a beat to persist the message before we
	// look for it. A sleep cut short by shutdown surfaces the context
	// error so the job is released, not cancelled.
	if err := d.Sleep(ctx, time.Second); err != nil {
		return err
	}

	messageID := d.locateUserMessage(ctx, client, proj.BootstrapSessionID, staged.Prompt)
	if err := d.Projects.MarkInitialPromptSent(p.ProjectID, messageID); err != nil {
		return err
	}
	os.Remove(initialPromptPath(dir))
	return nil
}

// locateUserMessage finds the user message carrying the prompt by prefix
// match, falling back to the last user message. The fallback can pick a
// different message when prompts race; accepted limitation.
func (d *Deps) locateUserMessage(ctx context.Context, client SessionAPI, sessionID, prompt string) string {
	messages, err := client.ListMessages(ctx, sessionID)
	if err != nil {
		d.Logger.Warn("list messages", "sessionId", sessionID, "error", err)
		return ""
	}
	prefix := prompt
	if len(prefix) > 80 {
		prefix = prefix[:80]
	}
	lastUser := ""
	for i := range messages {
		if messages[i].Role != "user" {
			continue
		}
		lastUser = messages[i].ID
		if strings.HasPrefix(opencode.TextOf(&messages[i]), prefix) {
			return messages[i].ID
		}
	}
	return lastUser
}
