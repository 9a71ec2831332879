// Package provision starts single-use measurement servers before a client
// session. Provisioning is best effort: failures are logged and the pipeline
// proceeds as if a listener already exists.
package provision

import (
	"context"
	"log/slog"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"perf-tester/pkg/clock"
	"perf-tester/pkg/endpoint"
	"perf-tester/pkg/models"
)

// DefaultServerCommand is launched when a test sets no server_command.
// "{port}" is replaced with the test's port and "{iperf3}" with the
// configured binary.
const DefaultServerCommand = "{iperf3} -s -1 -p {port}"

// Path is the provisioning route taken for a session.
type Path string

const (
	PathNone        Path = "none"
	PathRemote      Path = "remote"
	PathLocal       Path = "local"
	PathUnavailable Path = "unavailable"
)

// Result describes one provisioning attempt.
type Result struct {
	Path    Path
	Command string
	Err     error
}

// Preparer decides how to start the server for a TestSpec and starts it.
type Preparer struct {
	Remote RemoteLauncher
	Local  LocalStarter
	Clock  clock.Clock
	Logger *slog.Logger
	// Iperf3 is the server binary substituted into the command.
	Iperf3 string
}

// NewPreparer returns a Preparer launching real processes.
func NewPreparer(iperf3 string, logger *slog.Logger) *Preparer {
	return &Preparer{
		Remote: SSHLauncher{},
		Local:  ProcessStarter{Logger: logger},
		Clock:  clock.Real{},
		Logger: logger,
		Iperf3: iperf3,
	}
}

// ServerCommand returns the command line that starts the server for spec.
func (p *Preparer) ServerCommand(spec models.TestSpec) string {
	command := spec.ServerCommand
	if strings.TrimSpace(command) == "" {
		command = DefaultServerCommand
	}
	bin := p.Iperf3
	if bin == "" {
		bin = "iperf3"
	}
	r := strings.NewReplacer("{port}", strconv.Itoa(spec.Port), "{iperf3}", bin)
	return r.Replace(command)
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// Prepare starts the server for one client session. It never fails the
// pipeline: the returned Result records what happened.
func (p *Preparer) Prepare(ctx context.Context, spec models.TestSpec, ep endpoint.Endpoint) Result {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("test", spec.Name)

	if !spec.StartServer {
		logger.Debug("Server start not requested, assuming listener exists")
		return Result{Path: PathNone}
	}

	command := p.ServerCommand(spec)
	var res Result
	switch {
	case spec.SSH.Requested():
		res = p.launchRemote(ctx, spec, command, logger)
	case ep.IsLoopback():
		res = p.launchLocal(command, logger)
	default:
		logger.Warn("No provisioning path for server, proceeding", "server", spec.ServerHost)
		return Result{Path: PathUnavailable, Command: command}
	}

	if res.Err != nil {
		logger.Warn("Server provisioning failed, proceeding", "path", res.Path, "error", res.Err)
	} else {
		logger.Info("Server launched", "path", res.Path, "cmd", command)
	}
	if spec.SettleDelay > 0 {
		logger.Debug("Waiting for server to settle", "delay", spec.SettleDelay)
		if err := p.Clock.Sleep(ctx, spec.SettleDelay); err != nil {
			logger.Debug("Settle wait interrupted", "error", err)
		}
	}
	return res
}

func (p *Preparer) launchRemote(ctx context.Context, spec models.TestSpec, command string, logger *slog.Logger) Result {
	res := Result{Path: PathRemote, Command: command}
	target, err := BuildTarget(spec, currentUser())
	if err != nil {
		res.Err = err
		return res
	}
	logger.Debug("Launching server over ssh", "addr", target.Addr(), "user", target.User)
	res.Err = p.Remote.Launch(ctx, target, command)
	return res
}

func (p *Preparer) launchLocal(command string, logger *slog.Logger) Result {
	res := Result{Path: PathLocal, Command: command}
	args, err := shlex.Split(command)
	if err != nil {
		res.Err = err
		return res
	}
	logger.Debug("Launching local server", "cmd", command)
	res.Err = p.Local.Start(args)
	return res
}
