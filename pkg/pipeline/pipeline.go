// Package pipeline holds the chained per-type job handlers that drive a
// project from creation through boot, agent bootstrap, production deploy
// and teardown. Each handler is idempotent and enqueues its successor on
// success; the queue's per-project exclusion serializes the chain.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/pablopunk/doce.dev-sub000/pkg/docker"
	"github.com/pablopunk/doce.dev-sub000/pkg/opencode"
	"github.com/pablopunk/doce.dev-sub000/pkg/project"
	"github.com/pablopunk/doce.dev-sub000/pkg/queue"
)

// SessionAPI is the slice of the session-server client the handlers use.
// Satisfied by *opencode.Client; faked in tests.
type SessionAPI interface {
	CreateSession(ctx context.Context, title string) (*opencode.Session, error)
	ListSessions(ctx context.Context) ([]opencode.Session, error)
	SendPromptAsync(ctx context.Context, sessionID string, prompt opencode.PromptRequest) error
	ListMessages(ctx context.Context, sessionID string) ([]opencode.Message, error)
}

// SessionClientFactory builds a SessionAPI for a project's session-server
// port. Each project runs its own session server, so clients are per-port.
type SessionClientFactory func(port int) SessionAPI

// Deps bundles everything the handlers touch. All external side effects
// go through these, which keeps every handler testable with fakes.
type Deps struct {
	Jobs     *queue.JobStore
	Projects *project.Store
	Ports    *project.PortAllocator
	Compose  *docker.Compose
	Images   *docker.Images
	Prober   opencode.Prober
	Sessions SessionClientFactory
	Config   *Config
	Logger   *slog.Logger

	// Sleep is swapped in tests; defaults to a cancellation-aware
	// time.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// RegisterAll binds every pipeline handler to its job type.
func RegisterAll(r *queue.Registry, d *Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Sleep == nil {
		d.Sleep = sleepCtx
	}

	r.Register(queue.TypeProjectCreate, d.handleProjectCreate)
	r.Register(queue.TypeDockerComposeUp, d.handleComposeUp)
	r.Register(queue.TypeDockerWaitReady, d.handleDockerWaitReady)
	r.Register(queue.TypeDockerEnsureRunning, d.handleEnsureRunning)
	r.Register(queue.TypeDockerStop, d.handleDockerStop)
	r.Register(queue.TypeOpencodeSession, d.handleSessionCreate)
	r.Register(queue.TypeOpencodeSendPrompt, d.handleSendUserPrompt)
	r.Register(queue.TypeProductionBuild, d.handleProductionBuild)
	r.Register(queue.TypeProductionStart, d.handleProductionStart)
	r.Register(queue.TypeProductionWaitReady, d.handleProductionWaitReady)
	r.Register(queue.TypeProductionStop, d.handleProductionStop)
	r.Register(queue.TypeProjectDelete, d.handleProjectDelete)
	r.Register(queue.TypeProjectsDeleteAll, d.handleDeleteAllForUser)
}
