package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pablopunk/doce.dev-sub000/pkg/opencode"
	"github.com/pablopunk/doce.dev-sub000/pkg/queue"
)

func productionImage(projectID, hash string) string {
	return fmt.Sprintf("doce-prod-%s-%s", projectID, hash)
}

func productionContainer(projectID string) string {
	return "doce-prod-" + projectID
}

// handleProductionBuild runs the project's build command inside the dev
// container under the build timeout, hashes the resulting tree and
// enqueues production.start carrying the hash. Re-deploys of unchanged
// content produce the same hash and reuse the version dir downstream.
func (d *Deps) handleProductionBuild(ctx context.Context, jc *queue.JobContext) error {
	var p queue.ProductionBuildPayload
	if err := jc.Unmarshal(&p); err != nil {
		return err
	}
	proj, err := d.loadProject(p.ProjectID, jc.Job.Type)
	if err != nil || proj == nil {
		return err
	}

	if err := d.Projects.SetProductionBuilding(p.ProjectID); err != nil {
		return err
	}
	if err := jc.CheckCancel(ctx); err != nil {
		return err
	}

	dir := d.Config.ProjectDir(p.ProjectID)
	buildCtx, cancel := context.WithTimeout(ctx, d.Config.BuildTimeout)
	defer cancel()
	res, err := d.Compose.Exec(buildCtx, dir, d.Config.BuildService, d.Config.BuildCommand)
	if err != nil {
		d.failProduction(p.ProjectID, fmt.Sprintf("build: %v", err))
		return fmt.Errorf("production build: %w", err)
	}
	if !res.Success() {
		d.failProduction(p.ProjectID, "build: "+res.ErrorText())
		return fmt.Errorf("production build: %s", res.ErrorText())
	}

	if err := jc.CheckCancel(ctx); err != nil {
		return err
	}

	hash, err := hashDir(dir)
	if err != nil {
		return fmt.Errorf("hash build output: %w", err)
	}

	_, err = EnqueueProductionStart(d.Jobs, queue.ProductionStartPayload{
		ProjectID:      p.ProjectID,
		ProductionHash: hash,
	})
	return err
}

// handleProductionStart publishes a built version: allocate the
// production port, materialize the hash-versioned directory, flip the
// "current" symlink, build the image, swap the container, persist the
// deploy metadata and enqueue the readiness wait. Old versions beyond
// the keep window are pruned best-effort at the end.
func (d *Deps) handleProductionStart(ctx context.Context, jc *queue.JobContext) error {
	var p queue.ProductionStartPayload
	if err := jc.Unmarshal(&p); err != nil {
		return err
	}
	proj, err := d.loadProject(p.ProjectID, jc.Job.Type)
	if err != nil || proj == nil {
		return err
	}

	port, err := d.Ports.AllocateProduction(p.ProjectID)
	if err != nil {
		return err
	}

	root := d.Config.ProductionProjectDir(p.ProjectID)
	versionDir, err := materializeVersion(d.Config.ProjectDir(p.ProjectID), root, p.ProductionHash)
	if err != nil {
		d.failProduction(p.ProjectID, fmt.Sprintf("materialize version: %v", err))
		return err
	}
	env := fmt.Sprintf("PORT=%d\n", port)
	if err := os.WriteFile(filepath.Join(versionDir, ".env"), []byte(env), 0o600); err != nil {
		return fmt.Errorf("write production env: %w", err)
	}
	if err := switchCurrent(root, p.ProductionHash); err != nil {
		return err
	}

	if err := jc.CheckCancel(ctx); err != nil {
		return err
	}

	tag := productionImage(p.ProjectID, p.ProductionHash)
	buildCtx, cancel := context.WithTimeout(ctx, d.Config.BuildTimeout)
	defer cancel()
	res, err := d.Images.Build(buildCtx, versionDir, tag)
	if err != nil {
		d.failProduction(p.ProjectID, fmt.Sprintf("image build: %v", err))
		return fmt.Errorf("image build: %w", err)
	}
	if !res.Success() {
		d.failProduction(p.ProjectID, "image build: "+res.ErrorText())
		return fmt.Errorf("image build: %s", res.ErrorText())
	}

	// Previous container may not exist; removal is best-effort.
	name := productionContainer(p.ProjectID)
	if _, err := d.Images.RemoveContainer(ctx, name); err != nil {
		d.Logger.Warn("remove previous container", "projectId", p.ProjectID, "error", err)
	}

	res, err = d.Images.RunDetached(ctx, name, tag, port)
	if err != nil {
		d.failProduction(p.ProjectID, fmt.Sprintf("container run: %v", err))
		return fmt.Errorf("container run: %w", err)
	}
	if !res.Success() {
		d.failProduction(p.ProjectID, "container run: "+res.ErrorText())
		return fmt.Errorf("container run: %s", res.ErrorText())
	}

	if err := d.Projects.SetProductionStarted(p.ProjectID, p.ProductionHash, port, time.Now()); err != nil {
		return err
	}

	_, err = EnqueueProductionWaitReady(d.Jobs, queue.ProductionWaitReadyPayload{
		ProjectID:      p.ProjectID,
		ProductionPort: port,
		ProductionHash: p.ProductionHash,
		StartedAt:      time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	pruneVersions(root, d.Config.KeepVersions)
	return nil
}

// handleProductionWaitReady performs one readiness poll of the deployed
// container. Up: record the public URL and mark production running.
// Down: reschedule inside the wall-clock and reschedule budgets, then
// mark the deploy failed.
func (d *Deps) handleProductionWaitReady(ctx context.Context, jc *queue.JobContext) error {
	var p queue.ProductionWaitReadyPayload
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

	url := opencode.LocalURL(p.ProductionPort)
	if d.Prober.Probe(ctx, url) {
		return d.Projects.SetProductionRunning(p.ProjectID, url)
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

	msg := fmt.Sprintf("production container not responding after %s", elapsed.Round(time.Second))
	d.failProduction(p.ProjectID, msg)
	return fmt.Errorf("%s", msg)
}

// handleProductionStop removes the production container and its image
// best-effort and marks production stopped. Hash and port stay on the
// project row so the stopped version can be started again.
func (d *Deps) handleProductionStop(ctx context.Context, jc *queue.JobContext) error {
	var p queue.ProductionStopPayload
	if err := jc.Unmarshal(&p); err != nil {
		return err
	}
	proj, err := d.loadProject(p.ProjectID, jc.Job.Type)
	if err != nil || proj == nil {
		return err
	}

	if _, err := d.Images.RemoveContainer(ctx, productionContainer(p.ProjectID)); err != nil {
		d.Logger.Warn("remove production container", "projectId", p.ProjectID, "error", err)
	}
	if proj.ProductionHash != "" {
		if _, err := d.Images.RemoveImage(ctx, productionImage(p.ProjectID, proj.ProductionHash)); err != nil {
			d.Logger.Warn("remove production image", "projectId", p.ProjectID, "error", err)
		}
	}

	return d.Projects.SetProductionStopped(p.ProjectID)
}

// failProduction records a failed deploy on the project row. Errors are
// logged, not propagated: the caller is already returning the real one.
func (d *Deps) failProduction(projectID, msg string) {
	if err := d.Projects.SetProductionFailed(projectID, msg); err != nil {
		d.Logger.Error("mark production failed", "projectId", projectID, "error", err)
	}
}
