// Package invoke runs the external measurement tools. Pipelines depend on the
// Invoker interface so tests can substitute scripted outcomes.
package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"perf-tester/pkg/models"
)

// ErrToolMissing is returned when a required executable is not on PATH.
var ErrToolMissing = errors.New("required tool not found")

// Outcome is what a finished (or killed) subprocess left behind.
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Elapsed  time.Duration
}

// Invoker runs args[0] with the remaining arguments. A non-zero exit or a
// timeout is reported through Outcome; the error is reserved for failures to
// start the process at all.
type Invoker interface {
	Invoke(ctx context.Context, args []string, timeout time.Duration) (Outcome, error)
}

// Func adapts an ordinary function to the Invoker interface.
type Func func(ctx context.Context, args []string, timeout time.Duration) (Outcome, error)

func (f Func) Invoke(ctx context.Context, args []string, timeout time.Duration) (Outcome, error) {
	return f(ctx, args, timeout)
}

// ExecInvoker spawns real processes. On timeout the whole process group is
// killed so tools that fork helpers cannot outlive the run.
type ExecInvoker struct {
	Logger *slog.Logger
	// WaitDelay bounds how long output pipes may stay open after the kill.
	WaitDelay time.Duration
}

func (e ExecInvoker) Invoke(ctx context.Context, args []string, timeout time.Duration) (Outcome, error) {
	if len(args) == 0 {
		return Outcome{ExitCode: -1}, fmt.Errorf("empty command")
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path, err := exec.LookPath(args[0])
	if err != nil {
		return Outcome{ExitCode: -1}, fmt.Errorf("%w: %s", ErrToolMissing, args[0])
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, path, args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	setProcessGroup(cmd)

	logger.Debug("Invoking tool", "cmd", Format(args), "timeout", timeout)
	start := time.Now()
	err = cmd.Run()
	out := Outcome{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: time.Since(start),
	}

	if timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out.TimedOut = true
		out.ExitCode = -1
		logger.Debug("Tool timed out", "cmd", args[0], "elapsed", out.Elapsed)
		return out, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		out.ExitCode = 0
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrWaitDelay):
		out.ExitCode = cmd.ProcessState.ExitCode()
	default:
		out.ExitCode = -1
		return out, fmt.Errorf("failed to run %s: %w", args[0], err)
	}
	return out, nil
}

// Classify maps an outcome to the error taxonomy recorded in artifacts. It
// returns the empty kind for a clean exit.
func Classify(out Outcome, err error) models.ErrorKind {
	switch {
	case err != nil:
		return models.ErrSpawn
	case out.TimedOut:
		return models.ErrTimeout
	case out.ExitCode != 0:
		return models.ExitError(out.ExitCode)
	}
	return ""
}

// Format renders args as a single shell-like string for logs and metadata.
func Format(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n\"'\\") {
			parts[i] = strconv.Quote(a)
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

// RequireTools checks that every named executable is on PATH.
func RequireTools(tools ...string) error {
	var errs []error
	seen := make(map[string]bool)
	for _, tool := range tools {
		if tool == "" || seen[tool] {
			continue
		}
		seen[tool] = true
		if _, err := exec.LookPath(tool); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrToolMissing, tool))
		}
	}
	return errors.Join(errs...)
}
