package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/openfroyo/buildmatrix/pkg/engine"
)

const yamlDefinition = `
x-llvm: &llvm
  os: linux
  sources:
    - name: llvm
      locator: "deb http://apt.llvm.org/focal/ llvm-toolchain-focal-10 main"
      signing_key_url: https://apt.llvm.org/llvm-snapshot.gpg.key
  pre_install:
    - kind: addPackageSource
      descriptor: llvm
    - kind: installPackage
      descriptor: libclang-10-dev
      source: llvm

defaults:
  toolchain_language: rust
  toolchain_version: 1.52.1
  pipeline_script: ci/run.sh
  cache_directories: [target]

platforms:
  - <<: *llvm
    distribution: focal
  - <<: *llvm
    name: linux-beta
    toolchain_version: beta
  - os: windows
    toolchain_version: 1.52.1-x86_64-pc-windows-msvc
`

const jsoncDefinition = `{
  // shared settings
  "defaults": {
    "toolchain_language": "rust",
    "toolchain_version": "1.52.1",
    "pipeline_script": "ci/run.sh",
    "cache_directories": ["target"],
  },
  "platforms": [
    {"os": "linux", "distribution": "focal"},
    {"os": "macos"}, /* trailing comma below */
  ],
}`

const cueDefinition = `
_llvm: {
	sources: [{name: "llvm", locator: "llvm/homebrew-tap"}]
	pre_install: [
		{kind: "addPackageSource", descriptor: "llvm"},
		{kind: "installPackage", descriptor: "llvm", version: "10", source: "llvm"},
	]
}

defaults: {
	toolchain_language: "rust"
	toolchain_version:  "1.52.1"
	pipeline_script:    "ci/run.sh"
	cache_directories: ["target"]
}

platforms: [
	{os: "linux"},
	_llvm & {os: "macos"},
]
`

const hclDefinition = `
defaults {
  toolchain_language = "rust"
  toolchain_version  = "1.52.1"
  pipeline_script    = "ci/run.sh"
  cache_directories  = ["target"]
  env = {
    CARGO_TERM_COLOR = "always"
  }
}

platform "linux" {
  distribution = "focal"

  source "llvm" {
    locator         = "deb http://apt.llvm.org/focal/ llvm-toolchain-focal-10 main"
    signing_key_url = "https://apt.llvm.org/llvm-snapshot.gpg.key"
  }

  step "addPackageSource" {
    descriptor = "llvm"
  }

  step "installPackage" {
    descriptor = "libllvm10"
    version    = "1:10.0.0-4ubuntu1"
    flags      = ["allow-downgrades", "allow-change-held-packages"]
  }
}

platform "windows" {
  toolchain_version = "1.52.1-x86_64-pc-windows-msvc"
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoader_Formats(t *testing.T) {
	tests := []struct {
		file      string
		content   string
		platforms int
		check     func(*testing.T, *Document)
	}{
		{
			file:      "matrix.yaml",
			content:   yamlDefinition,
			platforms: 3,
			check: func(t *testing.T, doc *Document) {
				p := doc.Platforms[1]
				if p.Name != "linux-beta" || p.ToolchainVersionOverride != "beta" {
					t.Errorf("merge key override lost: %+v", p)
				}
				if len(p.PreInstallSteps) != 2 || p.PackageSources[0].Name != "llvm" {
					t.Errorf("anchor fields not inherited: %+v", p)
				}
				if doc.Defaults.ToolchainVersion != "1.52.1" {
					t.Errorf("toolchain version = %q", doc.Defaults.ToolchainVersion)
				}
			},
		},
		{
			file:      "matrix.jsonc",
			content:   jsoncDefinition,
			platforms: 2,
			check: func(t *testing.T, doc *Document) {
				if doc.Platforms[0].DistributionTag != "focal" {
					t.Errorf("distribution = %q", doc.Platforms[0].DistributionTag)
				}
			},
		},
		{
			file:      "matrix.cue",
			content:   cueDefinition,
			platforms: 2,
			check: func(t *testing.T, doc *Document) {
				step := doc.Platforms[1].PreInstallSteps[1]
				if step.PinnedVersion != "10" || step.Source != "llvm" {
					t.Errorf("step = %+v", step)
				}
			},
		},
		{
			file:      "matrix.hcl",
			content:   hclDefinition,
			platforms: 2,
			check: func(t *testing.T, doc *Document) {
				linux := doc.Platforms[0]
				if linux.OperatingSystem != engine.OSLinux || linux.DistributionTag != "focal" {
					t.Errorf("linux platform = %+v", linux)
				}
				wantFlags := []string{"allow-downgrades", "allow-change-held-packages"}
				if !reflect.DeepEqual(linux.PreInstallSteps[1].ExtraFlags, wantFlags) {
					t.Errorf("flags = %v", linux.PreInstallSteps[1].ExtraFlags)
				}
				if doc.Defaults.Environment["CARGO_TERM_COLOR"] != "always" {
					t.Errorf("env = %v", doc.Defaults.Environment)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)

			doc, err := NewLoader().Load(context.Background(), path)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(doc.Platforms) != tt.platforms {
				t.Fatalf("len(platforms) = %d, want %d", len(doc.Platforms), tt.platforms)
			}
			if doc.Source != path {
				t.Errorf("Source = %q, want %q", doc.Source, path)
			}
			tt.check(t, doc)

			if _, err := engine.Build(doc.Definition()); err != nil {
				t.Errorf("Build() error = %v", err)
			}
		})
	}
}

func TestLoader_SameResultAcrossFormats(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader()

	yamlDoc, err := loader.Load(context.Background(), writeFile(t, dir, "a.yaml", `
defaults: {toolchain_language: rust, toolchain_version: "1.52.1", pipeline_script: run.sh, cache_directories: [target]}
platforms: [{os: linux}, {os: windows, toolchain_version: "1.52.1-msvc"}]
`))
	if err != nil {
		t.Fatalf("Load(yaml) error = %v", err)
	}
	hclDoc, err := loader.Load(context.Background(), writeFile(t, dir, "a.hcl", `
defaults {
  toolchain_language = "rust"
  toolchain_version  = "1.52.1"
  pipeline_script    = "run.sh"
  cache_directories  = ["target"]
}
platform "linux" {}
platform "windows" {
  toolchain_version = "1.52.1-msvc"
}
`))
	if err != nil {
		t.Fatalf("Load(hcl) error = %v", err)
	}

	a, _ := engine.Build(yamlDoc.Definition())
	b, _ := engine.Build(hclDoc.Definition())
	fa, _ := a.Fingerprint()
	fb, _ := b.Fingerprint()
	if fa != fb {
		t.Errorf("fingerprints differ between YAML and HCL: %s != %s", fa, fb)
	}
}

func TestLoader_ValidationErrors(t *testing.T) {
	tests := []struct {
		name         string
		file         string
		content      string
		wantPlatform string
		wantIndex    int
		wantField    string
		wantCode     string
	}{
		{
			name: "install without descriptor",
			file: "m.yaml",
			content: `
defaults: {toolchain_language: rust, toolchain_version: "1.0", pipeline_script: run.sh}
platforms:
  - os: linux
  - os: macos
    pre_install:
      - kind: installPackage
`,
			wantPlatform: "macos-1",
			wantIndex:    1,
			wantField:    "pre_install[0].descriptor",
			wantCode:     engine.ErrCodeMissingField,
		},
		{
			name: "unsupported os",
			file: "m.json",
			content: `{"defaults": {"toolchain_language": "rust", "toolchain_version": "1.0", "pipeline_script": "run.sh"},
			          "platforms": [{"os": "solaris"}]}`,
			wantPlatform: "solaris-0",
			wantIndex:    0,
			wantField:    "os",
			wantCode:     engine.ErrCodeUnsupportedOS,
		},
		{
			name: "missing defaults field",
			file: "m.hcl",
			content: `
defaults {
  toolchain_language = "rust"
  pipeline_script    = "run.sh"
}
`,
			wantIndex: -1,
			wantField: "defaults.toolchain_version",
			wantCode:  engine.ErrCodeMissingField,
		},
		{
			name: "unknown step kind",
			file: "m.yaml",
			content: `
defaults: {toolchain_language: rust, toolchain_version: "1.0", pipeline_script: run.sh}
platforms:
  - name: mac
    os: macos
    pre_install: [{kind: runScript, descriptor: x}]
`,
			wantPlatform: "mac",
			wantIndex:    0,
			wantField:    "pre_install[0].kind",
			wantCode:     engine.ErrCodeUnknownKind,
		},
		{
			name: "cue unsupported os",
			file: "m.cue",
			content: `
defaults: {toolchain_language: "rust", toolchain_version: "1.0", pipeline_script: "run.sh"}
platforms: [{os: "linux"}, {os: "solaris"}]
`,
			wantPlatform: "solaris-1",
			wantIndex:    1,
			wantField:    "os",
			wantCode:     engine.ErrCodeUnsupportedOS,
		},
		{
			name: "cue empty descriptor",
			file: "m.cue",
			content: `
defaults: {toolchain_language: "rust", toolchain_version: "1.0", pipeline_script: "run.sh"}
platforms: [{
	name: "mac"
	os:   "macos"
	pre_install: [{kind: "installPackage", descriptor: ""}]
}]
`,
			wantPlatform: "mac",
			wantIndex:    0,
			wantField:    "pre_install[0].descriptor",
			wantCode:     engine.ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)

			_, err := NewLoader().Load(context.Background(), path)
			if !engine.IsValidation(err) {
				t.Fatalf("Load() error = %v, want validation error", err)
			}

			var me *engine.MatrixError
			errors.As(err, &me)
			if me.Platform != tt.wantPlatform || me.Index != tt.wantIndex {
				t.Errorf("platform = (%q, %d), want (%q, %d)", me.Platform, me.Index, tt.wantPlatform, tt.wantIndex)
			}
			if me.Field != tt.wantField {
				t.Errorf("field = %q, want %q", me.Field, tt.wantField)
			}
			if me.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", me.Code, tt.wantCode)
			}
		})
	}
}

func TestLoader_SyntaxErrors(t *testing.T) {
	tests := map[string]string{
		"bad.yaml": "defaults: [unterminated",
		"bad.json": `{"defaults": }`,
		"bad.cue":  "defaults: {",
		"bad.hcl":  "defaults {",
	}

	for file, content := range tests {
		t.Run(file, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), file, content)
			if _, err := NewLoader().Load(context.Background(), path); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestLoader_CUESchemaDiagnostics(t *testing.T) {
	path := writeFile(t, t.TempDir(), "m.cue", `
defaults: {
	toolchain_language: "rust"
	toolchain_version:  "1.0"
	pipeline_script:    "run.sh"
}
platforms: [{os: "beos"}]
`)

	_, err := NewLoader().Load(context.Background(), path)
	var diags Diagnostics
	if !errors.As(err, &diags) {
		t.Fatalf("Load() error = %v, want Diagnostics", err)
	}
	if len(diags) == 0 || diags[0].Message == "" {
		t.Errorf("expected a diagnostic message, got %+v", diags)
	}
	if diags[0].Path != "platforms[0].os" {
		t.Errorf("path = %q, want platforms[0].os", diags[0].Path)
	}
}

func TestLoader_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, t.TempDir(), "matrix.toml", "")
	if _, err := NewLoader().Load(context.Background(), path); err == nil {
		t.Error("expected error for .toml")
	}
}

func TestLoader_Generate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "gen.star", `
def variant(version):
    return {"os": "linux", "name": "linux-" + version, "toolchain_version": version}

platforms = [variant(v) for v in ["stable", "beta"]]
`)
	path := writeFile(t, dir, "matrix.yaml", `
generate: gen.star
defaults: {toolchain_language: rust, toolchain_version: "1.52.1", pipeline_script: run.sh}
platforms: [{os: windows}]
`)

	doc, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var names []string
	for i, p := range doc.Platforms {
		names = append(names, p.JobName(i))
	}
	want := []string{"windows-0", "linux-stable", "linux-beta"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("platforms = %v, want %v", names, want)
	}
	if doc.GeneratorPath() != filepath.Join(dir, "gen.star") {
		t.Errorf("GeneratorPath() = %q", doc.GeneratorPath())
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]Format{
		"a.yaml":  FormatYAML,
		"a.YML":   FormatYAML,
		"a.json":  FormatJSON,
		"a.jsonc": FormatJSON,
		"a.cue":   FormatCUE,
		"a.hcl":   FormatHCL,
	}
	for path, want := range tests {
		got, err := FormatFromPath(path)
		if err != nil || got != want {
			t.Errorf("FormatFromPath(%q) = %q, %v; want %q", path, got, err, want)
		}
	}
}
