package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pablopunk/doce.dev-sub000/pkg/docker"
	"github.com/pablopunk/doce.dev-sub000/pkg/opencode"
	"github.com/pablopunk/doce.dev-sub000/pkg/project"
	"github.com/pablopunk/doce.dev-sub000/pkg/queue"
)

// fakeRunner scripts container runtime results by argument prefix and
// records every invocation.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []runnerCall
	scripts []runnerScript
}

type runnerCall struct {
	dir         string
	args        []string
	hasDeadline bool
}

type runnerScript struct {
	prefix string
	res    *docker.Result
	err    error
}

func (f *fakeRunner) script(prefix string, res *docker.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, runnerScript{prefix: prefix, res: res, err: err})
}

func (f *fakeRunner) Run(ctx context.Context, dir string, args ...string) (*docker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, hasDeadline := ctx.Deadline()
	f.calls = append(f.calls, runnerCall{dir: dir, args: args, hasDeadline: hasDeadline})
	joined := strings.Join(args, " ")
	for _, s := range f.scripts {
		if strings.HasPrefix(joined, s.prefix) {
			return s.res, s.err
		}
	}
	return &docker.Result{ExitCode: 0}, nil
}

func (f *fakeRunner) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(strings.Join(c.args, " "), prefix) {
			return true
		}
	}
	return false
}

func (f *fakeRunner) calledWithDeadline(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(strings.Join(c.args, " "), prefix) {
			return c.hasDeadline
		}
	}
	return false
}

// fakeProber answers per-URL with a default for unlisted URLs.
type fakeProber struct {
	mu  sync.Mutex
	up  map[string]bool
	def bool
}

func (f *fakeProber) Probe(ctx context.Context, url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.up[url]; ok {
		return v
	}
	return f.def
}

func (f *fakeProber) set(url string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.up == nil {
		f.up = make(map[string]bool)
	}
	f.up[url] = up
}

// fakeSessionServer implements SessionAPI for every port the factory is
// asked about, recording what the handlers did.
type fakeSessionServer struct {
	mu          sync.Mutex
	ports       []int
	createCalls int
	nextID      string
	createErr   error
	sessions    []opencode.Session
	listErr     error
	prompts     []opencode.PromptRequest
	messages    []opencode.Message
	messagesErr error
}

func (f *fakeSessionServer) factory(port int) SessionAPI {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports = append(f.ports, port)
	return f
}

func (f *fakeSessionServer) CreateSession(ctx context.Context, title string) (*opencode.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	id := f.nextID
	if id == "" {
		id = "ses_" + uuid.New().String()
	}
	s := opencode.Session{ID: id, Title: title}
	f.sessions = append(f.sessions, s)
	return &s, nil
}

func (f *fakeSessionServer) ListSessions(ctx context.Context) ([]opencode.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]opencode.Session(nil), f.sessions...), nil
}

func (f *fakeSessionServer) SendPromptAsync(ctx context.Context, sessionID string, prompt opencode.PromptRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return nil
}

func (f *fakeSessionServer) ListMessages(ctx context.Context, sessionID string) ([]opencode.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	return append([]opencode.Message(nil), f.messages...), nil
}

// harness wires real stores over in-memory sqlite with fakes for every
// external side effect.
type harness struct {
	deps     *Deps
	jobs     *queue.JobStore
	projects *project.Store
	runner   *fakeRunner
	prober   *fakeProber
	sessions *fakeSessionServer
	cfg      *Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return newHarnessWithDB(t, db)
}

func newHarnessWithDB(t *testing.T, db *gorm.DB) *harness {
	t.Helper()
	jobs := queue.NewJobStore(db)
	require.NoError(t, jobs.AutoMigrate())
	projects := project.NewStore(db)
	require.NoError(t, projects.AutoMigrate())

	dataDir := t.TempDir()
	cfg := DefaultConfig(dataDir)
	cfg.OpencodeAPIKey = "sk-test"
	cfg.WaitPollDelay = time.Millisecond
	cfg.EnsureWait = 50 * time.Millisecond
	cfg.PortRangeStart = 3000
	cfg.PortRangeEnd = 3100

	runner := &fakeRunner{}
	prober := &fakeProber{}
	sessions := &fakeSessionServer{}

	deps := &Deps{
		Jobs:     jobs,
		Projects: projects,
		Ports:    project.NewPortAllocator(db, cfg.PortRangeStart, cfg.PortRangeEnd),
		Compose:  docker.NewCompose(runner),
		Images:   docker.NewImages(runner),
		Prober:   prober,
		Sessions: sessions.factory,
		Config:   cfg,
		Logger:   nil,
		Sleep:    func(ctx context.Context, d time.Duration) error { return nil },
	}
	RegisterAll(queue.NewRegistry(), deps)

	return &harness{
		deps:     deps,
		jobs:     jobs,
		projects: projects,
		runner:   runner,
		prober:   prober,
		sessions: sessions,
		cfg:      cfg,
	}
}

// invoke runs a handler against an enqueued job without going through the
// worker pool.
func (h *harness) invoke(t *testing.T, handler queue.Handler, job *queue.Job) error {
	t.Helper()
	return handler(context.Background(), queue.NewJobContext(*job, h.jobs))
}

// seedProject inserts a project row with a dev port pair allocated.
func (h *harness) seedProject(t *testing.T, status project.Status) *project.Project {
	t.Helper()
	p := &project.Project{
		ID:          uuid.New().String(),
		OwnerUserID: "u1",
		Name:        "test project",
		Status:      status,
	}
	require.NoError(t, h.projects.Create(p))
	appPort, opencodePort, err := h.deps.Ports.AllocatePair(p.ID)
	require.NoError(t, err)
	p.AppPort, p.OpencodePort = appPort, opencodePort
	return p
}

// jobsOfType lists queued jobs of one type, newest filters aside.
func (h *harness) jobsOfType(t *testing.T, jt queue.JobType) []queue.Job {
	t.Helper()
	out, err := h.jobs.List(queue.JobFilter{Type: jt}, 50, 0)
	require.NoError(t, err)
	return out
}

func (h *harness) devUp(p *project.Project, up bool) {
	h.prober.set(opencode.LocalURL(p.AppPort), up)
	h.prober.set(opencode.LocalURL(p.OpencodePort), up)
}
