package provision

import (
	"fmt"
	"log/slog"
	"os/exec"
)

// LocalStarter starts a detached process on this host.
type LocalStarter interface {
	Start(args []string) error
}

// ProcessStarter starts args as a child process and reaps it in the
// background. The child runs in its own process group so signals aimed at
// this tool do not reach it.
type ProcessStarter struct {
	Logger *slog.Logger
}

func (p ProcessStarter) Start(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("empty server command")
	}
	cmd := exec.Command(args[0], args[1:]...)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", args[0], err)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		err := cmd.Wait()
		logger.Debug("Local server exited", "pid", cmd.Process.Pid, "error", err)
	}()
	return nil
}
