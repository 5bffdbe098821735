// Package docker wraps the container runtime CLI as an opaque command
// executor. The queue core only ever consumes {success, stdout, stderr,
// exit code}; it never models container state itself.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Result is the outcome of one runtime invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the command exited zero.
func (r *Result) Success() bool { return r.ExitCode == 0 }

// ErrorText returns a short error string suitable for a job's last_error:
// stderr first, falling back to stdout.
func (r *Result) ErrorText() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// Runner executes container runtime commands rooted at a directory.
// The exec-backed implementation is replaced by a fake in handler tests.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (*Result, error)
}

// CLIRunner shells out to the docker binary.
type CLIRunner struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCLIRunner creates a Runner using the given binary (default "docker")
// and a per-invocation timeout guard.
func NewCLIRunner(binary string, timeout time.Duration, logger *slog.Logger) *CLIRunner {
	if binary == "" {
		binary = "docker"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRunner{binary: binary, timeout: timeout, logger: logger}
}

// Run executes the docker CLI with the given args in dir. A non-zero exit
// is not an error at this layer; callers inspect the Result.
func (r *CLIRunner) Run(ctx context.Context, dir string, args ...string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("runtime exec", "dir", dir, "args", strings.Join(args, " "))

	err := cmd.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("runtime command timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("exec %s: %w", r.binary, err)
	}
	return res, nil
}
