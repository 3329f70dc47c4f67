package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs cmd in a new session. When ctx has no deadline the
// configured CommandTimeout applies. On cancellation the remote process is
// sent SIGTERM and then SIGKILL.
func (c *Client) ExecuteCommand(ctx context.Context, cmd string) (string, string, error) {
	client, err := c.sshClient()
	if err != nil {
		return "", "", err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", &TransportError{Op: "execute", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-done:
	}
	c.touch()

	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	c.log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(started)).
		Err(runErr).
		Msg("command completed")

	if runErr == nil {
		return stdout, stderr, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		return stdout, stderr, &TransportError{
			Op:         "execute",
			Err:        fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), stderr),
			ExitStatus: exitErr.ExitStatus(),
		}
	}
	return stdout, stderr, &TransportError{Op: "execute", Err: runErr, IsTemporary: true}
}
