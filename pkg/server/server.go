// Package server assembles the queue engine into one HTTP process: the
// stores, the worker pool, the admin API and the audit trail.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/pablopunk/doce.dev-sub000/internal/db"
	"github.com/pablopunk/doce.dev-sub000/pkg/audit"
	"github.com/pablopunk/doce.dev-sub000/pkg/docker"
	"github.com/pablopunk/doce.dev-sub000/pkg/opencode"
	"github.com/pablopunk/doce.dev-sub000/pkg/pipeline"
	"github.com/pablopunk/doce.dev-sub000/pkg/project"
	"github.com/pablopunk/doce.dev-sub000/pkg/queue"
)

// APIBasePath is where the queue admin API is mounted.
const APIBasePath = "/api/queue/v1alpha1"

// AuditBasePath is where the audit API is mounted.
const AuditBasePath = "/api/audit/v1alpha1"

// Server wires the engine together.
type Server struct {
	db     *gorm.DB
	logger *slog.Logger

	queueCfg    *queue.Config
	pipelineCfg *pipeline.Config
	auditCfg    *audit.Config

	jobs     *queue.JobStore
	projects *project.Store
	audits   *audit.Store
	pool     *queue.WorkerPool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Options carries the server's construction inputs. Nil configs fall
// back to env-driven defaults.
type Options struct {
	DB          *gorm.DB
	Logger      *slog.Logger
	QueueCfg    *queue.Config
	PipelineCfg *pipeline.Config
	AuditCfg    *audit.Config
}

// New builds a Server over an open database connection.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueCfg := opts.QueueCfg
	if queueCfg == nil {
		queueCfg = queue.ConfigFromEnv()
	}
	pipelineCfg := opts.PipelineCfg
	if pipelineCfg == nil {
		pipelineCfg = pipeline.ConfigFromEnv()
	}
	auditCfg := opts.AuditCfg
	if auditCfg == nil {
		auditCfg = audit.ConfigFromEnv()
	}
	return &Server{
		db:          opts.DB,
		logger:      logger,
		queueCfg:    queueCfg,
		pipelineCfg: pipelineCfg,
		auditCfg:    auditCfg,
	}
}

// Init migrates the schema (under the cross-process migration lock) and
// builds the stores, the pipeline handler registry and the worker pool.
func (s *Server) Init() error {
	s.jobs = queue.NewJobStore(s.db)
	s.projects = project.NewStore(s.db)
	s.audits = audit.NewStore(s.db)

	err := db.NewMigrationLocker(s.db).WithLock(context.Background(), func() error {
		if err := s.jobs.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate queue: %w", err)
		}
		if err := s.projects.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate projects: %w", err)
		}
		if err := s.audits.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	runner := docker.NewCLIRunner("docker", 0, s.logger)
	registry := queue.NewRegistry()
	pipeline.RegisterAll(registry, &pipeline.Deps{
		Jobs:     s.jobs,
		Projects: s.projects,
		Ports:    project.NewPortAllocator(s.db, s.pipelineCfg.PortRangeStart, s.pipelineCfg.PortRangeEnd),
		Compose:  docker.NewCompose(runner),
		Images:   docker.NewImages(runner),
		Prober:   opencode.NewHTTPProber(0),
		Sessions: func(port int) pipeline.SessionAPI {
			return opencode.NewClient(fmt.Sprintf("http://127.0.0.1:%d", port), s.logger)
		},
		Config: s.pipelineCfg,
		Logger: s.logger,
	})

	s.pool = queue.NewWorkerPool(s.jobs, registry, s.queueCfg, s.logger)
	return nil
}

// MountRoutes creates the HTTP router: queue admin API, audit API and
// health endpoints, with audit capture on admin mutations.
func (s *Server) MountRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.auditCfg.Enabled {
		r.Use(audit.Middleware(s.audits, s.auditCfg, s.logger))
		s.logger.Info("audit middleware enabled", "retentionDays", s.auditCfg.RetentionDays)
	}

	r.Mount(APIBasePath, queue.Router(s.jobs))
	r.Mount(AuditBasePath, audit.Router(s.audits))

	r.Get("/healthz", s.healthHandler)
	r.Get("/livez", s.healthHandler)
	r.Get("/readyz", s.readyHandler)

	return r
}

// Start launches the worker pool and the audit retention worker. They
// run until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go audit.NewRetentionWorker(s.audits, s.auditCfg.RetentionDays, s.logger).Run(runCtx)
	go func() {
		defer close(s.done)
		s.pool.Run(runCtx)
	}()

	s.logger.Info("engine started", "enabled", s.queueCfg.Enabled, "lease", s.queueCfg.Lease)
	return nil
}

// Stop halts claiming and waits for in-flight handlers, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		s.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with handlers in flight")
	}
}

// Jobs exposes the job store for embedding callers.
func (s *Server) Jobs() *queue.JobStore { return s.jobs }

// Projects exposes the project store for embedding callers.
func (s *Server) Projects() *project.Store { return s.projects }

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := s.jobs.Settings(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"unavailable"}`)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ready"}`)
}
