package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Telnet maintains a line-oriented Telnet session to the router. The
// interactive login runs once on first use; afterwards each command is
// written as a line and output is read until the captured shell prompt
// reappears. Unlike SSH there is no reconnect-on-error: any failure
// surfaces directly to the caller.
type Telnet struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	session *promptSession
}

// NewTelnet creates a Telnet transport. The connection is made lazily
// on the first RunCommand call.
func NewTelnet(cfg Config, logger *slog.Logger) *Telnet {
	return &Telnet{cfg: cfg, logger: logger.With("component", "telnet")}
}

// RunCommand executes command over the Telnet session, connecting and
// logging in first if needed.
func (t *Telnet) RunCommand(ctx context.Context, command string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		if err := t.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	lines, err := t.session.run(command)
	if err != nil {
		return nil, fmt.Errorf("telnet command: %w", err)
	}
	return lines, nil
}

func (t *Telnet) connectLocked(ctx context.Context) error {
	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", t.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	session, err := newPromptSession(conn, t.cfg.Username, t.cfg.Password)
	if err != nil {
		conn.Close()
		return fmt.Errorf("telnet login %s: %w", addr, err)
	}

	t.conn = conn
	t.session = session
	t.logger.Debug("telnet session established", "addr", addr, "prompt", string(session.prompt))
	return nil
}

// Close tears down the connection, if any.
func (t *Telnet) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = nil
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}
