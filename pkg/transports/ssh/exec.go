package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Execute runs a command on the remote host. The context bounds the command;
// without a deadline the configured CommandTimeout applies. On cancellation
// the remote process is signalled and the context error is returned.
func (c *Client) Execute(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	client, err := c.sshClient("execute")
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, temporaryError("execute", fmt.Errorf("open session: %w", err))
	}
	defer session.Close()

	var stdout, stderr lockedBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if opts.Combined {
		session.Stderr = &stdout
	}
	if opts.Stdin != nil {
		session.Stdin = opts.Stdin
	}

	c.logger.Debug().Str("command", cmd).Msg("executing command")

	result := &ExecResult{StartedAt: time.Now()}
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
			_ = session.Signal(ssh.SIGKILL)
		}
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}

	var missing *ssh.ExitMissingError
	if errors.As(execErr, &missing) {
		return result, temporaryError("execute", execErr)
	}

	return result, &TransportError{
		Op:          "execute",
		Err:         execErr,
		IsTemporary: !errors.Is(execErr, context.Canceled),
	}
}

// lockedBuffer serializes writes from the session's stdout and stderr
// copiers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
