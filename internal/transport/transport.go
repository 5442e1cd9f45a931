// Package transport provides remote shell transports to a router.
// Backends: SSH, Telnet, and a local serial console.
package transport

import (
	"context"
	"fmt"
	"log/slog"
)

// Transport runs a single shell command on the router and returns its
// output split into lines. Implementations hold exactly one logical
// session and establish it lazily on first use.
type Transport interface {
	RunCommand(ctx context.Context, command string) ([]string, error)
	Close() error
}

// Kind selects a transport backend.
type Kind string

const (
	KindSSH    Kind = "ssh"
	KindTelnet Kind = "telnet"
	KindSerial Kind = "serial"
)

// Config holds connection parameters for all transport kinds.
// Fields not relevant to the selected kind are ignored.
type Config struct {
	Kind     Kind
	Host     string
	Port     int
	Username string
	Password string

	// SSH only.
	KeyFile string // path to a private key; takes precedence over Password

	// Serial only.
	SerialPort string
	BaudRate   int
}

// New creates a transport of the configured kind. No connection is made
// until the first RunCommand call.
func New(cfg Config, logger *slog.Logger) (Transport, error) {
	switch cfg.Kind {
	case KindSSH, "":
		return NewSSH(cfg, logger), nil
	case KindTelnet:
		return NewTelnet(cfg, logger), nil
	case KindSerial:
		return NewSerial(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport kind: %q (supported: ssh, telnet, serial)", cfg.Kind)
	}
}
