// Package ssh runs commands on VM hosts over SSH. Health probes use a
// Dialer to open one session per host and check cycle.
package ssh

import (
	"context"
	"time"
)

// Transport is a command channel to one remote host.
type Transport interface {
	// Connect establishes the connection. Calling it on a live connection
	// is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	IsConnected() bool

	// HealthCheck runs `true` on the remote host.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs cmd and returns its trimmed stdout and stderr.
	// A non-zero exit status is an error.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo describes an established connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// TransportError is returned by every Transport operation.
type TransportError struct {
	// Op is the failed operation, such as "connect" or "execute".
	Op  string
	Err error

	// IsTemporary reports whether retrying may succeed.
	IsTemporary bool

	IsAuthError bool

	// ExitStatus is the remote exit status of a command that ran and
	// failed, zero otherwise.
	ExitStatus int
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
