package provision

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"perf-tester/pkg/models"
)

// Target is everything needed to open an SSH session to a measurement
// server.
type Target struct {
	User           string
	Host           string
	Port           int
	KeyFile        string
	KnownHosts     string
	StrictHostKey  bool
	ConnectTimeout time.Duration
}

// Addr returns host:port.
func (t Target) Addr() string {
	return joinHostPort(t.Host, t.Port)
}

// BuildTarget derives the SSH target for spec. The host defaults to the
// measurement server when only other SSH fields are set. Options given in
// server_ssh_opts override the individual fields.
func BuildTarget(spec models.TestSpec, defaultUser string) (Target, error) {
	t := Target{
		User:           spec.SSH.User,
		Host:           spec.SSH.Host,
		Port:           spec.SSH.Port,
		KeyFile:        spec.SSH.Key,
		StrictHostKey:  true,
		ConnectTimeout: 10 * time.Second,
	}
	if t.Host == "" {
		t.Host = spec.ServerHost
	}
	if err := applyOpts(&t, spec.SSH.Opts); err != nil {
		return Target{}, err
	}
	if t.User == "" {
		t.User = defaultUser
	}
	if t.Port == 0 {
		t.Port = 22
	}
	return t, nil
}

// applyOpts understands the subset of ssh(1) flags that affect how the
// session is opened: -o Key=Value, -i identity, -p port and -l user.
func applyOpts(t *Target, opts string) error {
	if strings.TrimSpace(opts) == "" {
		return nil
	}
	args, err := shlex.Split(opts)
	if err != nil {
		return fmt.Errorf("invalid server_ssh_opts: %w", err)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		flag, value := arg, ""
		if len(arg) > 2 && strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") {
			flag, value = arg[:2], arg[2:]
		}
		switch flag {
		case "-o", "-i", "-p", "-l":
			if value == "" {
				if i+1 >= len(args) {
					return fmt.Errorf("server_ssh_opts: %s requires a value", flag)
				}
				i++
				value = args[i]
			}
		default:
			// Flags without effect on session setup, such as -q or -T.
			continue
		}
		switch flag {
		case "-i":
			t.KeyFile = value
		case "-l":
			t.User = value
		case "-p":
			port, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("server_ssh_opts: invalid port %q", value)
			}
			t.Port = port
		case "-o":
			if err := applyOption(t, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyOption(t *Target, kv string) error {
	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		key, value, ok = strings.Cut(kv, " ")
	}
	if !ok {
		return fmt.Errorf("server_ssh_opts: malformed option %q", kv)
	}
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "stricthostkeychecking":
		t.StrictHostKey = !strings.EqualFold(value, "no") && !strings.EqualFold(value, "off")
	case "userknownhostsfile":
		t.KnownHosts = value
	case "identityfile":
		t.KeyFile = value
	case "user":
		t.User = value
	case "port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("server_ssh_opts: invalid port %q", value)
		}
		t.Port = port
	case "connecttimeout":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("server_ssh_opts: invalid ConnectTimeout %q", value)
		}
		t.ConnectTimeout = time.Duration(secs) * time.Second
	}
	return nil
}
