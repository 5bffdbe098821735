package pipeline

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config controls the pipeline handlers: where project files live, which
// ports containers may claim, and the wait/build bounds.
type Config struct {
	ProjectsDir   string // root of per-project directories
	TemplateDir   string // template copied on project.create
	ProductionDir string // root of hash-versioned production directories

	OpencodeAPIKey string // injected into each project's environment

	BuildService string // compose service the production build runs in
	BuildCommand string // shell command producing the production build

	PortRangeStart int // first host port handed to containers
	PortRangeEnd   int // exclusive upper bound

	BuildTimeout    time.Duration // wall-clock cap on production builds. Default 5m.
	WaitDeadline    time.Duration // wall-clock cap on readiness waits. Default 5m.
	WaitPollDelay   time.Duration // reschedule delay between readiness polls. Default 1s.
	MaxReschedules  int           // reschedule cap for wait jobs. Default 300.
	EnsureWait      time.Duration // in-handler wait bound for docker.ensureRunning. Default 30s.
	KeepVersions    int           // production versions retained after deploy. Default 2.
}

// DefaultConfig returns the default pipeline configuration rooted at dataDir.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		ProjectsDir:    filepath.Join(dataDir, "projects"),
		TemplateDir:    filepath.Join(dataDir, "template"),
		ProductionDir:  filepath.Join(dataDir, "production"),
		BuildService:   "app",
		BuildCommand:   "npm run build",
		PortRangeStart: 20000,
		PortRangeEnd:   21000,
		BuildTimeout:   5 * time.Minute,
		WaitDeadline:   5 * time.Minute,
		WaitPollDelay:  1 * time.Second,
		MaxReschedules: 300,
		EnsureWait:     30 * time.Second,
		KeepVersions:   2,
	}
}

// ConfigFromEnv loads config from environment variables.
// DOCE_DATA_DIR, DOCE_PROJECTS_DIR, DOCE_TEMPLATE_DIR, DOCE_PRODUCTION_DIR,
// DOCE_OPENCODE_API_KEY, DOCE_PORT_RANGE_START, DOCE_PORT_RANGE_END
func ConfigFromEnv() *Config {
	dataDir := os.Getenv("DOCE_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	cfg := DefaultConfig(dataDir)

	if v := os.Getenv("DOCE_PROJECTS_DIR"); v != "" {
		cfg.ProjectsDir = v
	}
	if v := os.Getenv("DOCE_TEMPLATE_DIR"); v != "" {
		cfg.TemplateDir = v
	}
	if v := os.Getenv("DOCE_PRODUCTION_DIR"); v != "" {
		cfg.ProductionDir = v
	}
	if v := os.Getenv("DOCE_OPENCODE_API_KEY"); v != "" {
		cfg.OpencodeAPIKey = v
	}
	if v := os.Getenv("DOCE_BUILD_SERVICE"); v != "" {
		cfg.BuildService = v
	}
	if v := os.Getenv("DOCE_BUILD_COMMAND"); v != "" {
		cfg.BuildCommand = v
	}
	if v := os.Getenv("DOCE_PORT_RANGE_START"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PortRangeStart = n
		}
	}
	if v := os.Getenv("DOCE_PORT_RANGE_END"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > cfg.PortRangeStart {
			cfg.PortRangeEnd = n
		}
	}

	return cfg
}

// ProjectDir returns the directory holding a project's working tree.
func (c *Config) ProjectDir(projectID string) string {
	return filepath.Join(c.ProjectsDir, projectID)
}

// ProductionProjectDir returns the root of a project's production
// versions; hash-named subdirectories live beneath it next to the
// "current" symlink.
func (c *Config) ProductionProjectDir(projectID string) string {
	return filepath.Join(c.ProductionDir, projectID)
}
