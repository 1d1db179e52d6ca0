package ssh_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildmatrix/pkg/transports/ssh"
	"github.com/openfroyo/buildmatrix/pkg/transports/ssh/sshtest"
)

func connect(t *testing.T, server *sshtest.Server) *ssh.Client {
	t.Helper()

	config := ssh.DefaultConfig(server.Host(), sshtest.User)
	config.Port = server.Port()
	config.AuthMethod = ssh.AuthMethodPassword
	config.Password = sshtest.Password
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	client, err := ssh.NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := sshtest.NewServer(t)
	client := connect(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	info := client.GetConnectionInfo()
	if info.User != sshtest.User || info.Port != server.Port() {
		t.Errorf("unexpected connection info: %+v", info)
	}

	// reconnecting a live client is a no-op
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("second Connect() error = %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
}

func TestClientBadPassword(t *testing.T) {
	server := sshtest.NewServer(t)

	config := ssh.DefaultConfig(server.Host(), sshtest.User)
	config.Port = server.Port()
	config.AuthMethod = ssh.AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := ssh.NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	var terr *ssh.TransportError
	if !errors.As(err, &terr) || !terr.IsAuthError {
		t.Fatalf("Connect() error = %v, want auth TransportError", err)
	}
}

func TestClientExecute(t *testing.T) {
	server := sshtest.NewServer(t)
	client := connect(t, server)

	tests := []struct {
		name     string
		command  string
		opts     ssh.ExecOptions
		stdout   string
		stderr   string
		exitCode int
	}{
		{name: "echo", command: "echo test", stdout: "test\n"},
		{name: "stderr", command: "echo error >&2", stderr: "error\n"},
		{name: "combined", command: "echo err >&2", opts: ssh.ExecOptions{Combined: true}, stdout: "err\n"},
		{name: "exit code", command: "exit 3", exitCode: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Execute(context.Background(), tt.command, tt.opts)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if result.ExitCode != tt.exitCode {
				t.Errorf("ExitCode = %d, want %d", result.ExitCode, tt.exitCode)
			}
			if result.Stdout != tt.stdout {
				t.Errorf("Stdout = %q, want %q", result.Stdout, tt.stdout)
			}
			if result.Stderr != tt.stderr {
				t.Errorf("Stderr = %q, want %q", result.Stderr, tt.stderr)
			}
		})
	}
}

func TestClientExecuteCancelled(t *testing.T) {
	server := sshtest.NewServer(t)
	client := connect(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.Execute(ctx, "sleep 10", ssh.ExecOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute() error = %v, want deadline exceeded", err)
	}
}

func TestClientExecuteNotConnected(t *testing.T) {
	config := ssh.DefaultConfig("127.0.0.1", "nobody")
	config.AuthMethod = ssh.AuthMethodPassword
	config.Password = "x"

	client, err := ssh.NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if _, err := client.Execute(context.Background(), "true", ssh.ExecOptions{}); err == nil {
		t.Error("expected error when not connected")
	}
}

func TestClientUploadAndRemove(t *testing.T) {
	server := sshtest.NewServer(t)
	client := connect(t, server)
	ctx := context.Background()

	remote := filepath.Join(server.Dir, "scripts", "job.sh")
	result, err := client.Upload(ctx, strings.NewReader("echo uploaded\n"), remote, 0o755)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if result.BytesTransferred != int64(len("echo uploaded\n")) {
		t.Errorf("BytesTransferred = %d", result.BytesTransferred)
	}

	data, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if string(data) != "echo uploaded\n" {
		t.Errorf("uploaded content = %q", data)
	}

	exec, err := client.Execute(ctx, "sh "+remote, ssh.ExecOptions{})
	if err != nil {
		t.Fatalf("running uploaded script: %v", err)
	}
	if exec.Stdout != "uploaded\n" {
		t.Errorf("script output = %q", exec.Stdout)
	}

	if err := client.Remove(ctx, remote); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Error("file still present after Remove")
	}
}
