package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshDialTimeout = 15 * time.Second

// routerConn is one authenticated connection to the router. runOnce
// executes a single command in its own channel on that connection.
type routerConn interface {
	runOnce(ctx context.Context, command string) (string, error)
	Close() error
}

// SSH maintains one authenticated SSH session to the router and runs
// each command in its own channel on that session. On a channel-open
// failure it re-dials once and retries the command once; a second
// failure is logged and surfaced as empty output, so callers see "no
// data" instead of an error and reconciliation degrades gracefully.
type SSH struct {
	cfg    Config
	logger *slog.Logger
	dial   func(ctx context.Context) (routerConn, error)

	mu   sync.Mutex
	conn routerConn
}

// NewSSH creates an SSH transport. The session is dialed lazily on the
// first RunCommand call.
func NewSSH(cfg Config, logger *slog.Logger) *SSH {
	t := &SSH{cfg: cfg, logger: logger.With("component", "ssh")}
	t.dial = t.dialSSH
	return t
}

// RunCommand executes command on the router, reconnecting once if the
// session channel fails. Connection-establishment errors propagate;
// a command failure after the one permitted retry returns empty output
// and a nil error.
func (t *SSH) RunCommand(ctx context.Context, command string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		if err := t.dialLocked(ctx); err != nil {
			return nil, err
		}
	}

	// Explicit bounded retry: at most one reconnect-and-retry per command.
	for attempt := 0; ; attempt++ {
		out, err := t.conn.runOnce(ctx, command)
		if err == nil {
			return strings.Split(out, "\n"), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == 0 {
			t.logger.Warn("command channel failed, reconnecting", "err", err)
			t.closeLocked()
			if dialErr := t.dialLocked(ctx); dialErr != nil {
				return nil, dialErr
			}
			continue
		}
		t.logger.Error("no connection to host", "host", t.cfg.Host, "err", err)
		return []string{}, nil
	}
}

func (t *SSH) dialLocked(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

// sshConn wraps an ssh.Client as a routerConn.
type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) runOnce(ctx context.Context, command string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Output(command)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("run %q: %w", command, r.err)
		}
		return string(r.out), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

func (t *SSH) dialSSH(ctx context.Context) (routerConn, error) {
	auth, err := t.authMethods()
	if err != nil {
		return nil, err
	}

	conf := &ssh.ClientConfig{
		User: t.cfg.Username,
		Auth: auth,
		// Home routers present self-signed host keys that change on
		// firmware reset; pinning is the user's problem, not ours.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}

	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", t.cfg.Port))
	d := net.Dialer{Timeout: sshDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	t.logger.Debug("ssh session established", "addr", addr)
	return &sshConn{client: ssh.NewClient(clientConn, chans, reqs)}, nil
}

func (t *SSH) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if t.cfg.KeyFile != "" {
		key, err := os.ReadFile(t.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if t.cfg.Password != "" {
		methods = append(methods, ssh.Password(t.cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("ssh transport requires a password or key file")
	}
	return methods, nil
}

func (t *SSH) closeLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// Close tears down the session, if any.
func (t *SSH) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}
