package runner

import (
	"fmt"
	"strings"
	"testing"

	"github.com/openfroyo/buildmatrix/pkg/engine"
)

func TestRenderScript(t *testing.T) {
	entry := engine.MatrixEntry{
		Name:             "linux",
		OperatingSystem:  engine.OSLinux,
		ToolchainVersion: "1.52.1",
		Environment: map[string]string{
			"RUSTUP_TOOLCHAIN": "1.52.1",
			"GREETING":         "it's",
		},
		Actions: []engine.ShellAction{
			{Kind: engine.ActionInstall, Command: "sudo apt-get install -y cmake", Step: 0, Package: "cmake"},
		},
		PipelineScript:   "ci/run.sh",
		CacheDirectories: []string{"~/.cargo/registry"},
	}

	got, err := RenderScript(entry, ScriptOptions{CacheRoot: "/var/cache/bm"})
	if err != nil {
		t.Fatalf("RenderScript() error = %v", err)
	}

	key := CacheKey("linux", "~/.cargo/registry")
	slot := "'/var/cache/bm'/" + key
	dir := `"$HOME"/'.cargo/registry'`
	want := strings.Join([]string{
		"#!/bin/sh",
		"# job: linux",
		"set -e",
		`export GREETING='it'\''s'`,
		"export RUSTUP_TOOLCHAIN='1.52.1'",
		fmt.Sprintf("if [ -d %s ]; then mkdir -p %s && cp -R %s/. %s; fi", slot, dir, slot, dir),
		"# install (step 0)",
		"sudo apt-get install -y cmake",
		"sh 'ci/run.sh'",
		fmt.Sprintf("if [ -d %s ]; then rm -rf %s && mkdir -p %s && cp -R %s/. %s; fi", dir, slot, slot, dir, slot),
		"",
	}, "\n")

	if got != want {
		t.Errorf("RenderScript() =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderScriptWorkDirAndNoCache(t *testing.T) {
	entry := engine.MatrixEntry{
		Name:             "macos",
		CacheDirectories: []string{"target"},
		PipelineScript:   "ci/run.sh",
	}

	got, err := RenderScript(entry, ScriptOptions{WorkDir: "~/src/project"})
	if err != nil {
		t.Fatalf("RenderScript() error = %v", err)
	}
	if !strings.Contains(got, `cd "$HOME"/'src/project'`) {
		t.Errorf("missing cd line:\n%s", got)
	}
	if strings.Contains(got, "cp -R") {
		t.Errorf("cache commands rendered without a cache root:\n%s", got)
	}
}

func TestRenderScriptRejectsBadEnvName(t *testing.T) {
	entry := engine.MatrixEntry{
		Name:        "linux",
		Environment: map[string]string{"BAD-NAME": "x"},
	}
	if _, err := RenderScript(entry, ScriptOptions{}); err == nil {
		t.Fatal("expected error for invalid variable name")
	}
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("linux", "target")
	if a != CacheKey("linux", "target") {
		t.Error("CacheKey is not stable")
	}
	if a == CacheKey("windows", "target") || a == CacheKey("linux", "target2") {
		t.Error("CacheKey collides across jobs or directories")
	}
	if len(a) != 32 {
		t.Errorf("len(CacheKey) = %d, want 32", len(a))
	}
}

func TestShellPath(t *testing.T) {
	tests := map[string]string{
		"~":            `"$HOME"`,
		"~/.cargo":     `"$HOME"/'.cargo'`,
		"/opt/x y":     `'/opt/x y'`,
		"C:\\cache":    `'C:\cache'`,
		"~other/thing": `'~other/thing'`,
	}
	for in, want := range tests {
		if got := shellPath(in); got != want {
			t.Errorf("shellPath(%q) = %s, want %s", in, got, want)
		}
	}
}
