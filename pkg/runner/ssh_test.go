package runner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildmatrix/pkg/engine"
	"github.com/openfroyo/buildmatrix/pkg/runner"
	"github.com/openfroyo/buildmatrix/pkg/transports/ssh"
	"github.com/openfroyo/buildmatrix/pkg/transports/ssh/sshtest"
)

func newSSHRunner(t *testing.T, server *sshtest.Server, opts ...runner.SSHOption) *runner.SSHRunner {
	t.Helper()

	config := ssh.DefaultConfig(server.Host(), sshtest.User)
	config.Port = server.Port()
	config.AuthMethod = ssh.AuthMethodPassword
	config.Password = sshtest.Password
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	client, err := ssh.NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	r := runner.NewSSHRunner(client, opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestSSHRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test server runs commands through sh")
	}

	server := sshtest.NewServer(t)
	script := filepath.Join(server.Dir, "ci", "run.sh")
	if err := os.MkdirAll(filepath.Dir(script), 0o755); err != nil {
		t.Fatal(err)
	}
	body := "echo \"toolchain=$RUSTUP_TOOLCHAIN\"\nmkdir -p target\necho built >> target/count\n"
	if err := os.WriteFile(script, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cacheRoot := filepath.Join(server.Dir, "cache")
	r := newSSHRunner(t, server, runner.WithRemoteCacheRoot(cacheRoot))

	entry := engine.MatrixEntry{
		Name:             "linux",
		OperatingSystem:  engine.OSLinux,
		Environment:      map[string]string{"RUSTUP_TOOLCHAIN": "1.52.1"},
		Actions:          []engine.ShellAction{{Kind: engine.ActionInstall, Command: "echo installing"}},
		PipelineScript:   "ci/run.sh",
		CacheDirectories: []string{"target"},
	}

	result, err := r.Run(context.Background(), entry)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Passed {
		t.Fatalf("result = %+v, want passed", result)
	}
	if !strings.Contains(result.Logs, "installing\ntoolchain=1.52.1") {
		t.Errorf("logs = %q", result.Logs)
	}

	slot := filepath.Join(cacheRoot, runner.CacheKey("linux", "target"), "count")
	if _, err := os.Stat(slot); err != nil {
		t.Errorf("cache not persisted on the remote host: %v", err)
	}

	leftovers, _ := os.ReadDir(filepath.Join(server.Dir, ".buildmatrix", "scripts"))
	if len(leftovers) != 0 {
		t.Errorf("%d job scripts left on the remote host", len(leftovers))
	}

	// restore on a fresh checkout
	if err := os.RemoveAll(filepath.Join(server.Dir, "target")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background(), entry); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(server.Dir, "target", "count"))
	if strings.Count(string(data), "built") != 2 {
		t.Errorf("remote cache was not restored: %q", data)
	}
}

func TestSSHRunnerFailingJob(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test server runs commands through sh")
	}

	server := sshtest.NewServer(t)
	r := newSSHRunner(t, server, runner.WithRemoteCacheRoot(""))

	result, err := r.Run(context.Background(), engine.MatrixEntry{
		Name:            "windows",
		OperatingSystem: engine.OSWindows,
		Actions: []engine.ShellAction{
			{Kind: engine.ActionInstall, Command: "echo before; exit 42"},
			{Kind: engine.ActionInstall, Command: "echo after"},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Passed || result.ExitCode != 42 {
		t.Errorf("result = %+v, want exit 42", result)
	}
	if strings.Contains(result.Logs, "after") {
		t.Errorf("actions after the failure ran: %q", result.Logs)
	}
}

func TestSSHRunnerPlatform(t *testing.T) {
	server := sshtest.NewServer(t)
	r := newSSHRunner(t, server, runner.WithRemotePlatform(engine.OSMacOS))

	_, err := r.Run(context.Background(), engine.MatrixEntry{Name: "linux", OperatingSystem: engine.OSLinux})
	if !errors.Is(err, runner.ErrPlatformMismatch) {
		t.Fatalf("Run() error = %v, want ErrPlatformMismatch", err)
	}
}
