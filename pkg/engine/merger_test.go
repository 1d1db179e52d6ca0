package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func testDefaults() DefaultsConfig {
	return DefaultsConfig{
		ToolchainLanguage:  "rust",
		ToolchainVersion:   "1.52.1",
		PipelineScriptPath: "ci/run.sh",
		CacheDirectories:   []string{"target", "~/.cargo/registry"},
	}
}

func TestResolve_InheritanceIdentity(t *testing.T) {
	defaults := testDefaults()

	for _, os := range SupportedOperatingSystems {
		t.Run(string(os), func(t *testing.T) {
			job, err := Resolve(defaults, PlatformOverride{OperatingSystem: os})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if job.ResolvedToolchainVersion != defaults.ToolchainVersion {
				t.Errorf("toolchain version = %q, want %q", job.ResolvedToolchainVersion, defaults.ToolchainVersion)
			}
			if job.PipelineScriptPath != defaults.PipelineScriptPath {
				t.Errorf("pipeline script = %q, want %q", job.PipelineScriptPath, defaults.PipelineScriptPath)
			}
			if job.OperatingSystem != os {
				t.Errorf("os = %q, want %q", job.OperatingSystem, os)
			}
		})
	}
}

func TestResolve_ScalarOverride(t *testing.T) {
	job, err := Resolve(testDefaults(), PlatformOverride{
		OperatingSystem:          OSWindows,
		ToolchainVersionOverride: "1.52.1-x86_64-pc-windows-msvc",
		PipelineScriptOverride:   "ci/run.ps1",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if job.ResolvedToolchainVersion != "1.52.1-x86_64-pc-windows-msvc" {
		t.Errorf("toolchain version = %q", job.ResolvedToolchainVersion)
	}
	if job.PipelineScriptPath != "ci/run.ps1" {
		t.Errorf("pipeline script = %q", job.PipelineScriptPath)
	}
}

func TestResolve_CacheUnion(t *testing.T) {
	tests := []struct {
		name     string
		defaults []string
		override []string
		want     []string
	}{
		{
			name:     "no override",
			defaults: []string{"target"},
			want:     []string{"target"},
		},
		{
			name:     "appends override-only entries",
			defaults: []string{"target", "deps"},
			override: []string{"vendor", "target", "build"},
			want:     []string{"target", "deps", "vendor", "build"},
		},
		{
			name:     "duplicates within defaults",
			defaults: []string{"a", "b", "a"},
			override: []string{"b", "c", "c"},
			want:     []string{"a", "b", "c"},
		},
		{
			name:     "empty defaults",
			override: []string{"x"},
			want:     []string{"x"},
		},
		{
			name: "both empty",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defaults := testDefaults()
			defaults.CacheDirectories = tt.defaults

			job, err := Resolve(defaults, PlatformOverride{OperatingSystem: OSLinux, CacheDirectories: tt.override})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !reflect.DeepEqual(job.ResolvedCacheDirectories, tt.want) {
				t.Errorf("cache = %v, want %v", job.ResolvedCacheDirectories, tt.want)
			}
		})
	}
}

func TestResolve_CacheSupersetWithDefaultsPrefix(t *testing.T) {
	defaults := testDefaults()
	overrides := [][]string{nil, {"x"}, {"target"}, {"~/.cargo/registry", "y", "target"}}

	for _, cache := range overrides {
		job, err := Resolve(defaults, PlatformOverride{OperatingSystem: OSMacOS, CacheDirectories: cache})
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if len(job.ResolvedCacheDirectories) < len(defaults.CacheDirectories) {
			t.Fatalf("cache %v shorter than defaults %v", job.ResolvedCacheDirectories, defaults.CacheDirectories)
		}
		for i, dir := range defaults.CacheDirectories {
			if job.ResolvedCacheDirectories[i] != dir {
				t.Errorf("cache[%d] = %q, want %q (override %v)", i, job.ResolvedCacheDirectories[i], dir, cache)
			}
		}
	}
}

func TestResolve_Idempotent(t *testing.T) {
	defaults := testDefaults()
	defaults.Environment = map[string]string{"CARGO_TERM_COLOR": "always"}
	override := PlatformOverride{
		OperatingSystem:  OSLinux,
		CacheDirectories: []string{"vendor"},
		PreInstallSteps:  []ProvisioningStep{
			{Kind: StepAddPackageSource, Descriptor: "llvm-10"},
			{Kind: StepInstallPackage, Descriptor: "libclang-10-dev", ExtraFlags: []string{"allow-downgrades"}},
		},
	}

	first, err := Resolve(defaults, override)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	second, err := Resolve(defaults, override)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Resolve() not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestResolve_NoSharedState(t *testing.T) {
	defaults := testDefaults()
	defaults.Environment = map[string]string{"A": "1"}
	override := PlatformOverride{
		OperatingSystem: OSLinux,
		PreInstallSteps: []ProvisioningStep{
			{Kind: StepInstallPackage, Descriptor: "cmake", ExtraFlags: []string{"no-install-recommends"}},
		},
	}

	job, err := Resolve(defaults, override)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	job.ResolvedCacheDirectories[0] = "mutated"
	job.Environment["A"] = "mutated"
	job.ResolvedProvisioningSteps[0].ExtraFlags[0] = "mutated"

	if defaults.CacheDirectories[0] != "target" {
		t.Error("defaults cache directories were shared with the job")
	}
	if defaults.Environment["A"] != "1" {
		t.Error("defaults environment was shared with the job")
	}
	if override.PreInstallSteps[0].ExtraFlags[0] != "no-install-recommends" {
		t.Error("override step flags were shared with the job")
	}
}

func TestResolve_StepOrder(t *testing.T) {
	defaults := testDefaults()
	defaults.PreInstallSteps = []ProvisioningStep{
		{Kind: StepInstallPackage, Descriptor: "curl"},
	}
	override := PlatformOverride{
		OperatingSystem: OSLinux,
		PreInstallSteps: []ProvisioningStep{
			{Kind: StepAddPackageSource, Descriptor: "llvm-10"},
			{Kind: StepInstallPackage, Descriptor: "curl"},
			{Kind: StepInstallPackage, Descriptor: "libclang-10-dev"},
		},
	}

	job, err := Resolve(defaults, override)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	var got []string
	for _, step := range job.ResolvedProvisioningSteps {
		got = append(got, step.Descriptor)
	}
	want := []string{"curl", "llvm-10", "libclang-10-dev"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("steps = %v, want %v", got, want)
	}
}

func TestResolve_MergeConflict(t *testing.T) {
	defaults := testDefaults()
	defaults.PreInstallSteps = []ProvisioningStep{
		{Kind: StepInstallPackage, Descriptor: "libllvm10", PinnedVersion: "1:10.0.0-4ubuntu1"},
	}
	override := PlatformOverride{
		Name:            "linux-pinned",
		OperatingSystem: OSLinux,
		PreInstallSteps: []ProvisioningStep{
			{Kind: StepInstallPackage, Descriptor: "libllvm10", PinnedVersion: "1:10.0.1"},
		},
	}

	_, err := Resolve(defaults, override)
	if !IsMergeConflict(err) {
		t.Fatalf("Resolve() error = %v, want merge conflict", err)
	}

	var me *MatrixError
	if !errors.As(err, &me) {
		t.Fatal("expected *MatrixError")
	}
	if me.Platform != "linux-pinned" || me.Field != "pre_install[0]" {
		t.Errorf("error location = (%q, %q)", me.Platform, me.Field)
	}
}

func TestResolve_OverrideStepFlags(t *testing.T) {
	tests := []struct {
		name      string
		base      []string
		override  []string
		wantSteps int
		wantFlags []string
	}{
		{name: "differing flags keep override step", override: []string{"allow-downgrades"}, wantSteps: 2, wantFlags: []string{"allow-downgrades"}},
		{name: "same flags in any order dedupe", base: []string{"a", "b"}, override: []string{"b", "a"}, wantSteps: 1, wantFlags: []string{"a", "b"}},
		{name: "no flags dedupe", wantSteps: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defaults := testDefaults()
			defaults.PreInstallSteps = []ProvisioningStep{
				{Kind: StepInstallPackage, Descriptor: "libfoo", PinnedVersion: "1.0", ExtraFlags: tt.base},
			}
			override := PlatformOverride{
				OperatingSystem: OSLinux,
				PreInstallSteps: []ProvisioningStep{
					{Kind: StepInstallPackage, Descriptor: "libfoo", PinnedVersion: "1.0", ExtraFlags: tt.override},
				},
			}

			job, err := Resolve(defaults, override)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			steps := job.ResolvedProvisioningSteps
			if len(steps) != tt.wantSteps {
				t.Fatalf("len(steps) = %d, want %d: %+v", len(steps), tt.wantSteps, steps)
			}
			if !reflect.DeepEqual(steps[len(steps)-1].ExtraFlags, tt.wantFlags) {
				t.Errorf("last step flags = %v, want %v", steps[len(steps)-1].ExtraFlags, tt.wantFlags)
			}
		})
	}
}

func TestResolve_OverrideFlagsReachInstallCommand(t *testing.T) {
	defaults := testDefaults()
	defaults.PreInstallSteps = []ProvisioningStep{
		{Kind: StepInstallPackage, Descriptor: "libfoo", PinnedVersion: "1.0"},
	}
	job, err := Resolve(defaults, PlatformOverride{
		OperatingSystem: OSLinux,
		PreInstallSteps: []ProvisioningStep{
			{Kind: StepInstallPackage, Descriptor: "libfoo", PinnedVersion: "1.0", ExtraFlags: []string{"allow-downgrades"}},
		},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	actions, err := ExpandJob(job)
	if err != nil {
		t.Fatalf("ExpandJob() error = %v", err)
	}
	last := actions[len(actions)-1].Command
	if last != "sudo apt-get install -y --allow-downgrades libfoo=1.0" {
		t.Errorf("last command = %q", last)
	}
}

func TestResolve_MergeConflictNamesField(t *testing.T) {
	tests := []struct {
		name     string
		base     ProvisioningStep
		override ProvisioningStep
		want     string
	}{
		{
			name:     "version",
			base:     ProvisioningStep{Kind: StepInstallPackage, Descriptor: "clang", PinnedVersion: "10"},
			override: ProvisioningStep{Kind: StepInstallPackage, Descriptor: "clang", PinnedVersion: "11"},
			want:     `different version ("10" vs "11")`,
		},
		{
			name:     "source",
			base:     ProvisioningStep{Kind: StepInstallPackage, Descriptor: "clang", PinnedVersion: "10", Source: "llvm"},
			override: ProvisioningStep{Kind: StepInstallPackage, Descriptor: "clang", PinnedVersion: "10", Source: "llvm-nightly"},
			want:     `different source ("llvm" vs "llvm-nightly")`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defaults := testDefaults()
			defaults.PreInstallSteps = []ProvisioningStep{tt.base}
			_, err := Resolve(defaults, PlatformOverride{
				OperatingSystem: OSLinux,
				PreInstallSteps: []ProvisioningStep{tt.override},
			})
			if !IsMergeConflict(err) {
				t.Fatalf("Resolve() error = %v, want merge conflict", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %s", err, tt.want)
			}
		})
	}
}

func TestResolve_MapMerge(t *testing.T) {
	defaults := testDefaults()
	defaults.Environment = map[string]string{"A": "1", "B": "2"}
	defaults.Variables = map[string]string{"LLVM": "10"}

	job, err := Resolve(defaults, PlatformOverride{
		OperatingSystem: OSLinux,
		Environment:     map[string]string{"B": "override", "C": "3"},
		Variables:       map[string]string{"LLVM": "11"},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	wantEnv := map[string]string{"A": "1", "B": "override", "C": "3"}
	if !reflect.DeepEqual(job.Environment, wantEnv) {
		t.Errorf("env = %v, want %v", job.Environment, wantEnv)
	}
	if job.Variables["LLVM"] != "11" {
		t.Errorf("variables = %v", job.Variables)
	}
}

func TestResolve_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		defaults  func(*DefaultsConfig)
		override  PlatformOverride
		wantField string
		wantCode  string
	}{
		{
			name:      "unsupported os",
			override:  PlatformOverride{OperatingSystem: "solaris"},
			wantField: "os",
			wantCode:  ErrCodeUnsupportedOS,
		},
		{
			name:      "empty os",
			override:  PlatformOverride{},
			wantField: "os",
			wantCode:  ErrCodeUnsupportedOS,
		},
		{
			name: "install without descriptor",
			override: PlatformOverride{
				OperatingSystem: OSLinux,
				PreInstallSteps: []ProvisioningStep{
					{Kind: StepAddPackageSource, Descriptor: "llvm-10"},
					{Kind: StepInstallPackage},
				},
			},
			wantField: "pre_install[1].descriptor",
			wantCode:  ErrCodeMissingField,
		},
		{
			name: "unknown step kind",
			override: PlatformOverride{
				OperatingSystem: OSMacOS,
				PreInstallSteps: []ProvisioningStep{{Kind: "runScript", Descriptor: "x"}},
			},
			wantField: "pre_install[0].kind",
			wantCode:  ErrCodeUnknownKind,
		},
		{
			name:      "missing toolchain version",
			defaults:  func(d *DefaultsConfig) { d.ToolchainVersion = "" },
			override:  PlatformOverride{OperatingSystem: OSLinux},
			wantField: "defaults.toolchain_version",
			wantCode:  ErrCodeMissingField,
		},
		{
			name:      "missing pipeline script",
			defaults:  func(d *DefaultsConfig) { d.PipelineScriptPath = "  " },
			override:  PlatformOverride{OperatingSystem: OSLinux},
			wantField: "defaults.pipeline_script",
			wantCode:  ErrCodeMissingField,
		},
		{
			name: "source without locator",
			override: PlatformOverride{
				OperatingSystem: OSLinux,
				PackageSources:  []SourceDescriptor{{Name: "llvm"}},
			},
			wantField: "sources[0].locator",
			wantCode:  ErrCodeMissingField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defaults := testDefaults()
			if tt.defaults != nil {
				tt.defaults(&defaults)
			}

			_, err := Resolve(defaults, tt.override)
			if !IsValidation(err) {
				t.Fatalf("Resolve() error = %v, want validation error", err)
			}

			var me *MatrixError
			errors.As(err, &me)
			if me.Field != tt.wantField {
				t.Errorf("field = %q, want %q", me.Field, tt.wantField)
			}
			if me.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", me.Code, tt.wantCode)
			}
		})
	}
}
