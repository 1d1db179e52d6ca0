// Package ssh provides the SSH transport used to run matrix jobs on remote
// build hosts: command execution with exit codes and sftp file upload.
package ssh

import (
	"context"
	"io"
	"time"
)

// Transport is what a remote job runner needs from a build host
// connection.
type Transport interface {
	// Connect is a no-op on a healthy connection and reconnects a dead one.
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	HealthCheck(ctx context.Context) error

	// Execute runs cmd through the remote shell. A non-zero exit status is
	// an ExecResult.ExitCode, not an error.
	Execute(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error)

	// Upload writes content to remotePath over sftp, creating missing
	// parent directories.
	Upload(ctx context.Context, content io.Reader, remotePath string, mode uint32) (*FileTransferResult, error)
	Remove(ctx context.Context, remotePath string) error

	GetConnectionInfo() ConnectionInfo
}

// ExecOptions tunes one Execute call.
type ExecOptions struct {
	// Combined interleaves stderr into Stdout in arrival order.
	Combined bool
	Stdin    io.Reader
}

// ConnectionInfo describes the host a Transport talks to.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ExecResult is the outcome of a command that ran to completion.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	StartedAt time.Time
	Duration  time.Duration
}

type FileTransferResult struct {
	BytesTransferred int64
	Duration         time.Duration
}

// TransportError wraps a failure of one transport operation (connect,
// execute, upload, ...). Temporary failures may succeed on retry; auth
// failures will not.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string { return "ssh " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Temporary() bool { return e.IsTemporary }

func temporaryError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err, IsTemporary: true}
}
