package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.bug.st/serial"
)

// Serial drives the router's serial console header. The console exposes
// the same shell and login sequence as Telnet, so the prompt session is
// shared; only the byte stream differs.
type Serial struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	port    serial.Port
	session *promptSession
}

// NewSerial creates a serial console transport. The port is opened
// lazily on the first RunCommand call.
func NewSerial(cfg Config, logger *slog.Logger) *Serial {
	return &Serial{cfg: cfg, logger: logger.With("component", "serial")}
}

// RunCommand executes command over the serial console, opening the port
// and logging in first if needed.
func (t *Serial) RunCommand(ctx context.Context, command string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.session == nil {
		if err := t.openLocked(); err != nil {
			return nil, err
		}
	}
	lines, err := t.session.run(command)
	if err != nil {
		return nil, fmt.Errorf("serial command: %w", err)
	}
	return lines, nil
}

func (t *Serial) openLocked() error {
	baud := t.cfg.BaudRate
	if baud == 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(t.cfg.SerialPort, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.cfg.SerialPort, err)
	}

	// An idle console shows nothing until it gets a newline.
	_, _ = port.Write([]byte("\n"))

	session, err := newPromptSession(port, t.cfg.Username, t.cfg.Password)
	if err != nil {
		port.Close()
		return fmt.Errorf("serial login %s: %w", t.cfg.SerialPort, err)
	}

	t.port = port
	t.session = session
	t.logger.Debug("serial console session established", "port", t.cfg.SerialPort, "baud", baud)
	return nil
}

// Close tears down the port, if open.
func (t *Serial) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = nil
	if t.port != nil {
		err := t.port.Close()
		t.port = nil
		return err
	}
	return nil
}
