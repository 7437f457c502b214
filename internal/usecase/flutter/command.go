package flutter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"flutter-sim-mcp/internal/domain"
)

// DefaultCommandTimeout bounds one-shot commands when the caller passes no timeout.
const DefaultCommandTimeout = 10 * time.Minute

// waitDelay is how long Wait keeps draining output after the process exits
// before force-closing pipes held open by orphaned grandchildren.
const waitDelay = 2 * time.Second

// CommandFunc builds an *exec.Cmd. Tests swap it to run scripted processes.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Runner executes one-shot commands to completion.
type Runner struct {
	newCmd CommandFunc
	logger *slog.Logger
}

// NewRunner creates a Runner that spawns real processes.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{newCmd: exec.CommandContext, logger: logger}
}

// Run executes name with args in dir and waits for it to exit or for timeout
// to elapse. A nonzero exit is reported through CommandResult.ExitCode, not
// as an error; errors are reserved for spawn failures and timeouts.
func (r *Runner) Run(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (*domain.CommandResult, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	logger := r.logger
	if id := domain.SessionIDFromContext(ctx); id != "" {
		logger = logger.With("session_id", id)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := r.newCmd(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &domain.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		return result, domain.NewSubSystemError(domain.SubSystemCommand, "Runner.Run", domain.ErrTimeout,
			fmt.Sprintf("%s %s exceeded %s", name, strings.Join(args, " "), timeout))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			logger.Debug("command exited nonzero", "command", name, "exit_code", result.ExitCode)
			return result, nil
		}
		return result, domain.NewSubSystemError(domain.SubSystemCommand, "Runner.Run", domain.ErrProviderError, err.Error())
	}
	logger.Debug("command finished", "command", name, "duration", result.Duration)
	return result, nil
}

// RunScript runs a shell snippet through sh -c in dir.
func (r *Runner) RunScript(ctx context.Context, dir string, timeout time.Duration, script string) (*domain.CommandResult, error) {
	return r.Run(ctx, dir, timeout, "sh", "-c", script)
}
