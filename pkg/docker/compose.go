package docker

import (
	"context"
	"fmt"
)

// Compose issues docker compose commands for a project's container pair,
// rooted at the project directory.
type Compose struct {
	runner Runner
}

// NewCompose creates a Compose wrapper over the given runner.
func NewCompose(runner Runner) *Compose {
	return &Compose{runner: runner}
}

// Up brings the container set up detached. Idempotent: compose reconciles
// already-running services.
func (c *Compose) Up(ctx context.Context, dir string) (*Result, error) {
	return c.runner.Run(ctx, dir, "compose", "up", "-d")
}

// Stop stops the container set without removing it.
func (c *Compose) Stop(ctx context.Context, dir string) (*Result, error) {
	return c.runner.Run(ctx, dir, "compose", "stop")
}

// Down removes the container set; when removeVolumes is true the named
// volumes go with it.
func (c *Compose) Down(ctx context.Context, dir string, removeVolumes bool) (*Result, error) {
	args := []string{"compose", "down"}
	if removeVolumes {
		args = append(args, "-v")
	}
	return c.runner.Run(ctx, dir, args...)
}

// Exec runs a shell command inside a service container.
func (c *Compose) Exec(ctx context.Context, dir, service, command string) (*Result, error) {
	return c.runner.Run(ctx, dir, "compose", "exec", "-T", service, "sh", "-c", command)
}

// Images issues plain docker commands for the production container flow.
type Images struct {
	runner Runner
}

// NewImages creates an Images wrapper over the given runner.
func NewImages(runner Runner) *Images {
	return &Images{runner: runner}
}

// Build builds an image tagged tag from the Dockerfile in dir.
func (i *Images) Build(ctx context.Context, dir, tag string) (*Result, error) {
	return i.runner.Run(ctx, dir, "build", "-t", tag, ".")
}

// RunDetached starts a detached container from image, publishing hostPort
// to the container's port 80.
func (i *Images) RunDetached(ctx context.Context, name, image string, hostPort int) (*Result, error) {
	return i.runner.Run(ctx, "", "run", "-d", "--name", name, "--restart", "unless-stopped",
		"-p", fmt.Sprintf("127.0.0.1:%d:80", hostPort), image)
}

// RemoveContainer force-removes a container. A missing container exits
// non-zero; callers treating removal as best-effort ignore the result.
func (i *Images) RemoveContainer(ctx context.Context, name string) (*Result, error) {
	return i.runner.Run(ctx, "", "rm", "-f", name)
}

// RemoveImage removes an image by tag.
func (i *Images) RemoveImage(ctx context.Context, tag string) (*Result, error) {
	return i.runner.Run(ctx, "", "rmi", tag)
}
