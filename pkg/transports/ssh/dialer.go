package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/openfroyo/nexus/pkg/lb"
)

// Dialer opens command sessions to VM hosts with shared credentials.
type Dialer struct {
	base Config
	log  zerolog.Logger
}

var _ lb.HostDialer = (*Dialer)(nil)

// NewDialer creates a Dialer. base supplies everything but the host; its
// Host field is ignored.
func NewDialer(base Config, log zerolog.Logger) (*Dialer, error) {
	probe := base
	probe.Host = "localhost"
	if err := probe.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	// Validate may have resolved a default key path.
	base.PrivateKeyPath = probe.PrivateKeyPath
	return &Dialer{base: base, log: log}, nil
}

// Dial connects to address, which is a host or host:port. The returned
// session owns the connection.
func (d *Dialer) Dial(ctx context.Context, address string) (lb.CommandSession, error) {
	cfg := d.base
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	} else {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port in address %q: %w", address, err)
		}
		cfg.Port = port
	}
	cfg.Host = host

	client, err := NewClient(&cfg, d.log)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return &HostSession{client: client}, nil
}

// HostSession runs probe commands over one connection.
type HostSession struct {
	client *Client
}

var _ lb.CommandSession = (*HostSession)(nil)

// Run executes cmd and returns its stdout.
func (s *HostSession) Run(ctx context.Context, cmd string) (string, error) {
	stdout, _, err := s.client.ExecuteCommand(ctx, cmd)
	return stdout, err
}

// Close disconnects from the host.
func (s *HostSession) Close() error {
	return s.client.Disconnect()
}
