package engine

import (
	"errors"
	"reflect"
	"testing"
)

func TestExpand_SourceThenInstall(t *testing.T) {
	actions, err := Expand(PlatformOverride{
		OperatingSystem: OSLinux,
		PreInstallSteps: []ProvisioningStep{
			{Kind: StepAddPackageSource, Descriptor: "llvm-10"},
			{Kind: StepInstallPackage, Descriptor: "libclang-10-dev"},
		},
	})
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}

	want := []ShellAction{
		{Kind: ActionRegisterSource, Command: "sudo add-apt-repository -y llvm-10 && sudo apt-get update -q", Step: 0, Source: "llvm-10"},
		{Kind: ActionInstall, Command: "sudo apt-get install -y libclang-10-dev", Step: 1, Package: "libclang-10-dev"},
	}
	if !reflect.DeepEqual(actions, want) {
		t.Errorf("Expand() =\n%+v\nwant\n%+v", actions, want)
	}
}

func TestExpand_SigningKeyPrecedesSource(t *testing.T) {
	actions, err := Expand(PlatformOverride{
		OperatingSystem: OSLinux,
		PackageSources: []SourceDescriptor{{
			Name:          "llvm",
			Locator:       "deb http://apt.llvm.org/focal/ llvm-toolchain-focal-10 main",
			SigningKeyURL: "https://apt.llvm.org/llvm-snapshot.gpg.key",
		}},
		PreInstallSteps: []ProvisioningStep{
			{Kind: StepAddPackageSource, Descriptor: "llvm"},
			{Kind: StepInstallPackage, Descriptor: "clang-10", Source: "llvm"},
		},
	})
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("len(actions) = %d, want 3: %+v", len(actions), actions)
	}

	wantKinds := []ActionKind{ActionRegisterKey, ActionRegisterSource, ActionInstall}
	for i, kind := range wantKinds {
		if actions[i].Kind != kind {
			t.Errorf("actions[%d].Kind = %q, want %q", i, actions[i].Kind, kind)
		}
	}
	if got := actions[0].Command; got != "wget -qO - https://apt.llvm.org/llvm-snapshot.gpg.key | sudo apt-key add -" {
		t.Errorf("key command = %q", got)
	}
	if got := actions[1].Command; got != "sudo add-apt-repository -y 'deb http://apt.llvm.org/focal/ llvm-toolchain-focal-10 main' && sudo apt-get update -q" {
		t.Errorf("source command = %q", got)
	}
}

func TestExpand_PinnedVersions(t *testing.T) {
	tests := []struct {
		name string
		os   OperatingSystem
		step ProvisioningStep
		want string
	}{
		{
			name: "apt pin with downgrade flags",
			os:   OSLinux,
			step: ProvisioningStep{
				Kind:          StepInstallPackage,
				Descriptor:    "libllvm10",
				PinnedVersion: "1:10.0.0-4ubuntu1",
				ExtraFlags:    []string{"allow-downgrades", "allow-change-held-packages"},
			},
			want: "sudo apt-get install -y --allow-change-held-packages --allow-downgrades libllvm10=1:10.0.0-4ubuntu1",
		},
		{
			name: "brew pin",
			os:   OSMacOS,
			step: ProvisioningStep{Kind: StepInstallPackage, Descriptor: "llvm", PinnedVersion: "10"},
			want: "brew install llvm@10",
		},
		{
			name: "choco pin",
			os:   OSWindows,
			step: ProvisioningStep{Kind: StepInstallPackage, Descriptor: "llvm", PinnedVersion: "10.0.0", ExtraFlags: []string{"--force"}},
			want: "choco install -y --force llvm --version=10.0.0",
		},
		{
			name: "duplicate flags collapse",
			os:   OSLinux,
			step: ProvisioningStep{Kind: StepInstallPackage, Descriptor: "cmake", ExtraFlags: []string{"b", "a", "--b"}},
			want: "sudo apt-get install -y --a --b cmake",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions, err := Expand(PlatformOverride{OperatingSystem: tt.os, PreInstallSteps: []ProvisioningStep{tt.step}})
			if err != nil {
				t.Fatalf("Expand() error = %v", err)
			}
			if len(actions) != 1 {
				t.Fatalf("len(actions) = %d, want 1", len(actions))
			}
			if actions[0].Command != tt.want {
				t.Errorf("command = %q, want %q", actions[0].Command, tt.want)
			}
		})
	}
}

func TestExpand_OneActionPerPackage(t *testing.T) {
	actions, err := Expand(PlatformOverride{
		OperatingSystem: OSMacOS,
		PreInstallSteps: []ProvisioningStep{
			{Kind: StepInstallPackage, Descriptor: "cmake  ninja\tpkg-config"},
		},
	})
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}

	var got []string
	for _, a := range actions {
		got = append(got, a.Package)
		if a.Step != 0 {
			t.Errorf("action %q step = %d, want 0", a.Package, a.Step)
		}
	}
	if want := []string{"cmake", "ninja", "pkg-config"}; !reflect.DeepEqual(got, want) {
		t.Errorf("packages = %v, want %v", got, want)
	}
}

func TestExpand_OrderPreserved(t *testing.T) {
	steps := []ProvisioningStep{
		{Kind: StepInstallPackage, Descriptor: "curl"},
		{Kind: StepAddPackageSource, Descriptor: "ppa:ubuntu-toolchain-r/test"},
		{Kind: StepInstallPackage, Descriptor: "gcc-11", Source: "ppa:ubuntu-toolchain-r/test"},
		{Kind: StepAddPackageSource, Descriptor: "llvm-10"},
		{Kind: StepInstallPackage, Descriptor: "clang-10 lld-10", Source: "llvm-10"},
	}

	actions, err := Expand(PlatformOverride{OperatingSystem: OSLinux, PreInstallSteps: steps})
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}

	last := -1
	registered := map[string]int{}
	for i, a := range actions {
		if a.Step < last {
			t.Fatalf("action %d (step %d) emitted after step %d", i, a.Step, last)
		}
		last = a.Step
		if a.Kind == ActionRegisterSource {
			registered[a.Source] = i
		}
		if a.Kind == ActionInstall && a.Source != "" {
			pos, ok := registered[a.Source]
			if !ok || pos > i {
				t.Errorf("install %q precedes registration of %q", a.Package, a.Source)
			}
		}
	}
	if len(actions) != 6 {
		t.Errorf("len(actions) = %d, want 6", len(actions))
	}
}

func TestExpand_UnresolvedDependency(t *testing.T) {
	_, err := Expand(PlatformOverride{
		Name:            "linux-llvm",
		OperatingSystem: OSLinux,
		PreInstallSteps: []ProvisioningStep{
			{Kind: StepInstallPackage, Descriptor: "clang-10", Source: "llvm-10"},
			{Kind: StepAddPackageSource, Descriptor: "llvm-10"},
		},
	})
	if !IsUnresolvedDependency(err) {
		t.Fatalf("Expand() error = %v, want unresolved dependency", err)
	}

	var me *MatrixError
	errors.As(err, &me)
	if me.Field != "pre_install[0].source" || me.Platform != "linux-llvm" {
		t.Errorf("error location = (%q, %q)", me.Platform, me.Field)
	}
}

func TestExpand_MatchesSourceByLocator(t *testing.T) {
	actions, err := Expand(PlatformOverride{
		OperatingSystem: OSMacOS,
		PackageSources:  []SourceDescriptor{{Name: "llvm-tap", Locator: "llvm/homebrew-tap"}},
		PreInstallSteps: []ProvisioningStep{
			{Kind: StepAddPackageSource, Descriptor: "llvm/homebrew-tap"},
			{Kind: StepInstallPackage, Descriptor: "llvm", Source: "llvm-tap"},
		},
	})
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if actions[0].Command != "brew tap llvm/homebrew-tap" {
		t.Errorf("tap command = %q", actions[0].Command)
	}
}

func TestExpand_UnrelatedSourceNotSubstituted(t *testing.T) {
	platform := PlatformOverride{
		OperatingSystem: OSLinux,
		PackageSources: []SourceDescriptor{
			{Name: "nightly", Locator: "deb http://apt.llvm.org/${CODENAME}/ llvm-toolchain-${CODENAME} main"},
			{Name: "llvm", Locator: "ppa:llvm/stable"},
		},
		PreInstallSteps: []ProvisioningStep{
			{Kind: StepAddPackageSource, Descriptor: "llvm"},
			{Kind: StepInstallPackage, Descriptor: "clang", Source: "llvm"},
		},
	}

	actions, err := Expand(platform)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if got := actions[0].Command; got != "sudo add-apt-repository -y ppa:llvm/stable && sudo apt-get update -q" {
		t.Errorf("source command = %q", got)
	}

	// the matched source is still substituted strictly
	platform.PreInstallSteps[0].Descriptor = "nightly"
	platform.PreInstallSteps[1].Source = "nightly"
	_, err = Expand(platform)
	var me *MatrixError
	if !errors.As(err, &me) || me.Code != ErrCodeUndefinedVar {
		t.Fatalf("Expand() error = %v, want undefined variable", err)
	}
	if me.Field != "pre_install[0].locator" {
		t.Errorf("field = %q, want pre_install[0].locator", me.Field)
	}
}

func TestExpand_Variables(t *testing.T) {
	platform := PlatformOverride{
		OperatingSystem: OSLinux,
		Variables:       map[string]string{"LLVM": "10", "LLVM_PIN": "1:10.0.0-4ubuntu1"},
		PreInstallSteps: []ProvisioningStep{
			{Kind: StepInstallPackage, Descriptor: "libllvm${LLVM}", PinnedVersion: "${LLVM_PIN}"},
		},
	}

	actions, err := Expand(platform)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if actions[0].Command != "sudo apt-get install -y libllvm10=1:10.0.0-4ubuntu1" {
		t.Errorf("command = %q", actions[0].Command)
	}

	platform.Variables = nil
	_, err = Expand(platform)
	if !IsValidation(err) {
		t.Fatalf("Expand() error = %v, want validation error", err)
	}
	var me *MatrixError
	errors.As(err, &me)
	if me.Code != ErrCodeUndefinedVar {
		t.Errorf("code = %q, want %q", me.Code, ErrCodeUndefinedVar)
	}
}

func TestExpand_SigningKeyUnsupported(t *testing.T) {
	for _, os := range []OperatingSystem{OSMacOS, OSWindows} {
		_, err := Expand(PlatformOverride{
			OperatingSystem: os,
			PackageSources:  []SourceDescriptor{{Name: "s", Locator: "https://example.com/feed", SigningKeyURL: "https://example.com/key"}},
			PreInstallSteps: []ProvisioningStep{{Kind: StepAddPackageSource, Descriptor: "s"}},
		})
		if !IsValidation(err) {
			t.Errorf("%s: Expand() error = %v, want validation error", os, err)
		}
	}
}

func TestExpand_ChocoSource(t *testing.T) {
	actions, err := Expand(PlatformOverride{
		OperatingSystem: OSWindows,
		PreInstallSteps: []ProvisioningStep{
			{Kind: StepAddPackageSource, Descriptor: "https://feeds.example.com/choco"},
		},
	})
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	want := "choco source add -n=https---feeds-example-com-choco -s=https://feeds.example.com/choco"
	if actions[0].Command != want {
		t.Errorf("command = %q, want %q", actions[0].Command, want)
	}
}

func TestExpand_NoSteps(t *testing.T) {
	actions, err := Expand(PlatformOverride{OperatingSystem: OSWindows})
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("len(actions) = %d, want 0", len(actions))
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":            "''",
		"cmake":       "cmake",
		"a b":         "'a b'",
		"it's":        `'it'\''s'`,
		"pkg=1:2.0-1": "pkg=1:2.0-1",
		"$(rm -rf /)": "'$(rm -rf /)'",
	}
	for in, want := range tests {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}
