package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pablopunk/doce.dev-sub000/pkg/project"
	"github.com/pablopunk/doce.dev-sub000/pkg/queue"
)

// handleDockerStop stops the dev container pair. Pending ensureRunning
// jobs for the project are cancelled first so a stop request is not
// immediately undone by a queued wake-up.
func (d *Deps) handleDockerStop(ctx context.Context, jc *queue.JobContext) error {
	var p queue.DockerStopPayload
	if err := jc.Unmarshal(&p); err != nil {
		return err
	}
	proj, err := d.loadProject(p.ProjectID, jc.Job.Type)
	if err != nil || proj == nil {
		return err
	}

	if n, err := d.Jobs.CancelForProject(p.ProjectID, queue.TypeDockerEnsureRunning); err != nil {
		return err
	} else if n > 0 {
		d.Logger.Info("cancelled pending wake-ups", "projectId", p.ProjectID, "count", n)
	}

	if err := d.Projects.UpdateStatus(p.ProjectID, project.StatusStopping); err != nil {
		return err
	}

	res, err := d.Compose.Stop(ctx, d.Config.ProjectDir(p.ProjectID))
	if err != nil {
		return fmt.Errorf("compose stop: %w", err)
	}
	if !res.Success() {
		if statusErr := d.Projects.UpdateStatus(p.ProjectID, project.StatusError); statusErr != nil {
			d.Logger.Error("mark project error", "projectId", p.ProjectID, "error", statusErr)
		}
		return fmt.Errorf("compose stop: %s", res.ErrorText())
	}

	return d.Projects.UpdateStatus(p.ProjectID, project.StatusStopped)
}

// handleEnsureRunning wakes a stopped project on demand: compose up,
// then an in-handler wait (bounded, cancellation-aware) for the dev pair
// to answer. The wait stays in-handler because the caller is typically
// an interactive request that wants the project usable when the job
// succeeds. If the bootstrap session disappeared while the project was
// down, a new one is bootstrapped.
func (d *Deps) handleEnsureRunning(ctx context.Context, jc *queue.JobContext) error {
	var p queue.EnsureRunningPayload
	if err := jc.Unmarshal(&p); err != nil {
		return err
	}
	proj, err := d.loadProject(p.ProjectID, jc.Job.Type)
	if err != nil || proj == nil {
		return err
	}

	res, err := d.Compose.Up(ctx, d.Config.ProjectDir(p.ProjectID))
	if err != nil {
		return fmt.Errorf("compose up: %w", err)
	}
	if !res.Success() {
		return fmt.Errorf("compose up: %s", res.ErrorText())
	}

	deadline := time.Now().Add(d.Config.EnsureWait)
	for {
		if err := jc.CheckCancel(ctx); err != nil {
			return err
		}
		appUp, sessionUp := d.probeDevPair(ctx, proj)
		if appUp && sessionUp {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("containers not ready within %s (app=%t session=%t)", d.Config.EnsureWait, appUp, sessionUp)
		}
		if err := d.Sleep(ctx, d.Config.WaitPollDelay); err != nil {
			return err
		}
	}

	if err := d.Projects.UpdateStatus(p.ProjectID, project.StatusRunning); err != nil {
		return err
	}

	if proj.BootstrapSessionID != "" && !d.sessionExists(ctx, proj) {
		d.Logger.Info("bootstrap session gone, recreating", "projectId", p.ProjectID)
		if err := d.Projects.SetBootstrapSession(p.ProjectID, ""); err != nil {
			return err
		}
		_, err := EnqueueSessionCreate(d.Jobs, queue.SessionCreatePayload{ProjectID: p.ProjectID})
		return err
	}
	return nil
}

func (d *Deps) sessionExists(ctx context.Context, proj *project.Project) bool {
	sessions, err := d.Sessions(proj.OpencodePort).ListSessions(ctx)
	if err != nil {
		d.Logger.Warn("list sessions", "projectId", proj.ID, "error", err)
		// Assume it exists rather than respawn sessions on a flaky probe.
		return true
	}
	for i := range sessions {
		if sessions[i].ID == proj.BootstrapSessionID {
			return true
		}
	}
	return false
}

// handleProjectDelete tears a project down. Container, image and
// filesystem cleanup are best-effort; only the final row delete is
// critical, so a retry after partial cleanup converges on a fully
// removed project. Cancellation is honored between steps.
func (d *Deps) handleProjectDelete(ctx context.Context, jc *queue.JobContext) error {
	var p queue.ProjectDeletePayload
	if err := jc.Unmarshal(&p); err != nil {
		return err
	}
	proj, err := d.Projects.Get(p.ProjectID)
	if err != nil {
		return err
	}
	if proj == nil {
		return nil
	}

	if err := d.Projects.UpdateStatus(p.ProjectID, project.StatusDeleting); err != nil {
		d.Logger.Warn("mark project deleting", "projectId", p.ProjectID, "error", err)
	}
	if err := jc.CheckCancel(ctx); err != nil {
		return err
	}

	dir := d.Config.ProjectDir(p.ProjectID)
	if res, err := d.Compose.Down(ctx, dir, true); err != nil {
		d.Logger.Warn("compose down", "projectId", p.ProjectID, "error", err)
	} else if !res.Success() {
		d.Logger.Warn("compose down", "projectId", p.ProjectID, "error", res.ErrorText())
	}

	if _, err := d.Images.RemoveContainer(ctx, productionContainer(p.ProjectID)); err != nil {
		d.Logger.Warn("remove production container", "projectId", p.ProjectID, "error", err)
	}
	if proj.ProductionHash != "" {
		if _, err := d.Images.RemoveImage(ctx, productionImage(p.ProjectID, proj.ProductionHash)); err != nil {
			d.Logger.Warn("remove production image", "projectId", p.ProjectID, "error", err)
		}
	}

	if err := jc.CheckCancel(ctx); err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		d.Logger.Warn("remove project dir", "projectId", p.ProjectID, "error", err)
	}
	if err := os.RemoveAll(d.Config.ProductionProjectDir(p.ProjectID)); err != nil {
		d.Logger.Warn("remove production dir", "projectId", p.ProjectID, "error", err)
	}

	return d.Projects.HardDelete(p.ProjectID)
}

// handleDeleteAllForUser fans one delete job out per owned project.
func (d *Deps) handleDeleteAllForUser(ctx context.Context, jc *queue.JobContext) error {
	var p queue.DeleteAllForUserPayload
	if err := jc.Unmarshal(&p); err != nil {
		return err
	}

	projects, err := d.Projects.ListByOwner(p.UserID)
	if err != nil {
		return err
	}
	for i := range projects {
		if err := jc.CheckCancel(ctx); err != nil {
			return err
		}
		_, err := EnqueueProjectDelete(d.Jobs, queue.ProjectDeletePayload{
			ProjectID:         projects[i].ID,
			RequestedByUserID: p.UserID,
		})
		if err != nil {
			return err
		}
	}
	d.Logger.Info("delete fan-out complete", "userId", p.UserID, "projects", len(projects))
	return nil
}
