package provision

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// RemoteLauncher starts a detached command on a remote host.
type RemoteLauncher interface {
	Launch(ctx context.Context, t Target, command string) error
}

// SSHLauncher opens a session with golang.org/x/crypto/ssh. It authenticates
// with the target's key file, or the ssh-agent and default identities when
// no key is configured.
type SSHLauncher struct {
	// HomeDir locates ~/.ssh; it defaults to the user's home directory.
	HomeDir string
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Detach wraps command so that it survives the SSH session.
func Detach(command string) string {
	return "nohup " + command + " >/dev/null 2>&1 &"
}

func (l SSHLauncher) home() string {
	if l.HomeDir != "" {
		return l.HomeDir
	}
	home, _ := os.UserHomeDir()
	return home
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func (l SSHLauncher) authMethods(t Target) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	cleanup := func() {}

	keyFiles := []string{}
	if t.KeyFile != "" {
		keyFiles = append(keyFiles, expandHome(t.KeyFile, l.home()))
	} else {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				cleanup = func() { conn.Close() }
			}
		}
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			keyFiles = append(keyFiles, filepath.Join(l.home(), ".ssh", name))
		}
	}

	var signers []ssh.Signer
	for _, path := range keyFiles {
		pem, err := os.ReadFile(path)
		if err != nil {
			if t.KeyFile != "" {
				cleanup()
				return nil, nil, fmt.Errorf("failed to read key %s: %w", path, err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			if t.KeyFile != "" {
				cleanup()
				return nil, nil, fmt.Errorf("failed to parse key %s: %w", path, err)
			}
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if len(methods) == 0 {
		cleanup()
		return nil, nil, fmt.Errorf("no ssh credentials available")
	}
	return methods, cleanup, nil
}

func (l SSHLauncher) hostKeyCallback(t Target) (ssh.HostKeyCallback, error) {
	if !t.StrictHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := t.KnownHosts
	if path == "" {
		path = filepath.Join(l.home(), ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(expandHome(path, l.home()))
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return cb, nil
}

// Launch runs Detach(command) on the target and returns once the remote
// shell has backgrounded it.
func (l SSHLauncher) Launch(ctx context.Context, t Target, command string) error {
	auth, cleanup, err := l.authMethods(t)
	if err != nil {
		return err
	}
	defer cleanup()

	hostKeyCallback, err := l.hostKeyCallback(t)
	if err != nil {
		return err
	}

	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.ConnectTimeout,
	}

	d := net.Dialer{Timeout: t.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.Addr(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.Addr(), cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s failed: %w", t.Addr(), err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(Detach(command)) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("remote command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}
	return nil
}
