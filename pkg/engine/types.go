package engine

import (
	"fmt"
	"time"
)

// OperatingSystem identifies the platform a job runs on.
type OperatingSystem string

const (
	// OSLinux targets Linux runners (apt-based provisioning).
	OSLinux OperatingSystem = "linux"

	// OSMacOS targets macOS runners (Homebrew provisioning).
	OSMacOS OperatingSystem = "macos"

	// OSWindows targets Windows runners (Chocolatey provisioning).
	OSWindows OperatingSystem = "windows"
)

// SupportedOperatingSystems lists every operating system the engine can resolve,
// in canonical authoring order.
var SupportedOperatingSystems = []OperatingSystem{OSLinux, OSMacOS, OSWindows}

// Validate returns an error if the operating system is not supported.
func (o OperatingSystem) Validate() error {
	for _, supported := range SupportedOperatingSystems {
		if o == supported {
			return nil
		}
	}
	return fmt.Errorf("unsupported operating system %q", string(o))
}

// StepKind is the tag of a provisioning step variant.
type StepKind string

const (
	// StepAddPackageSource registers a package repository.
	StepAddPackageSource StepKind = "addPackageSource"

	// StepInstallPackage installs one or more packages.
	StepInstallPackage StepKind = "installPackage"
)

// Validate returns an error if the step kind is unknown.
func (k StepKind) Validate() error {
	switch k {
	case StepAddPackageSource, StepInstallPackage:
		return nil
	default:
		return fmt.Errorf("unknown provisioning step kind %q", string(k))
	}
}

// DefaultsConfig is the shared baseline every platform inherits from.
// It is read-only once loaded; the merge never writes to it.
type DefaultsConfig struct {
	// ToolchainLanguage names the toolchain (e.g., "rust").
	ToolchainLanguage string `json:"toolchain_language" yaml:"toolchain_language" cbor:"toolchain_language" validate:"required"`

	// ToolchainVersion is the default toolchain version (e.g., "1.52.1").
	ToolchainVersion string `json:"toolchain_version" yaml:"toolchain_version" cbor:"toolchain_version" validate:"required"`

	// PipelineScriptPath is the script every job invokes after provisioning.
	PipelineScriptPath string `json:"pipeline_script" yaml:"pipeline_script" cbor:"pipeline_script" validate:"required"`

	// CacheDirectories are persisted and restored across runs for every job.
	CacheDirectories []string `json:"cache_directories,omitempty" yaml:"cache_directories,omitempty" cbor:"cache_directories,omitempty" validate:"dive,required"`

	// PreInstallSteps run ahead of every platform's own steps.
	PreInstallSteps []ProvisioningStep `json:"pre_install,omitempty" yaml:"pre_install,omitempty" cbor:"pre_install,omitempty" validate:"dive"`

	// Environment holds variables exported to every job.
	Environment map[string]string `json:"env,omitempty" yaml:"env,omitempty" cbor:"env,omitempty"`

	// Variables are substituted into ${NAME} references in provisioning steps.
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty" cbor:"variables,omitempty"`
}

// PlatformOverride is a partial configuration for one target platform.
type PlatformOverride struct {
	// Name is the job name. Derived from the OS and position when empty.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// OperatingSystem is the platform this override targets.
	OperatingSystem OperatingSystem `json:"os" yaml:"os" validate:"required,oneof=linux macos windows"`

	// DistributionTag optionally narrows the OS (e.g., "focal").
	DistributionTag string `json:"distribution,omitempty" yaml:"distribution,omitempty"`

	// ToolchainVersionOverride replaces DefaultsConfig.ToolchainVersion when set.
	ToolchainVersionOverride string `json:"toolchain_version,omitempty" yaml:"toolchain_version,omitempty"`

	// PipelineScriptOverride replaces DefaultsConfig.PipelineScriptPath when set.
	PipelineScriptOverride string `json:"pipeline_script,omitempty" yaml:"pipeline_script,omitempty"`

	// CacheDirectories are appended to the default cache directories.
	CacheDirectories []string `json:"cache_directories,omitempty" yaml:"cache_directories,omitempty" validate:"dive,required"`

	// PreInstallSteps are executed in declared order.
	PreInstallSteps []ProvisioningStep `json:"pre_install,omitempty" yaml:"pre_install,omitempty" validate:"dive"`

	// PackageSources are the repositories addPackageSource steps may refer to.
	PackageSources []SourceDescriptor `json:"sources,omitempty" yaml:"sources,omitempty" validate:"dive"`

	// Environment is merged over DefaultsConfig.Environment.
	Environment map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Variables are merged over DefaultsConfig.Variables.
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// ProvisioningStep is one tagged provisioning action declared by a platform.
type ProvisioningStep struct {
	// Kind selects the step variant.
	Kind StepKind `json:"kind" yaml:"kind" cbor:"kind" validate:"required,oneof=addPackageSource installPackage"`

	// Descriptor is the source reference for addPackageSource, or a
	// whitespace-separated package list for installPackage.
	Descriptor string `json:"descriptor,omitempty" yaml:"descriptor,omitempty" cbor:"descriptor,omitempty" validate:"required"`

	// PinnedVersion forces an exact package version.
	PinnedVersion string `json:"version,omitempty" yaml:"version,omitempty" cbor:"version,omitempty"`

	// ExtraFlags are package-manager options (e.g., "allow-downgrades").
	ExtraFlags []string `json:"flags,omitempty" yaml:"flags,omitempty" cbor:"flags,omitempty"`

	// Source qualifies an installPackage step with the package source it needs.
	Source string `json:"source,omitempty" yaml:"source,omitempty" cbor:"source,omitempty"`
}

// SourceDescriptor describes a package repository.
type SourceDescriptor struct {
	// Name is how steps refer to the source. Optional; the locator also matches.
	Name string `json:"name,omitempty" yaml:"name,omitempty" cbor:"name,omitempty"`

	// Locator is the repository line, tap, or feed URL.
	Locator string `json:"locator" yaml:"locator" cbor:"locator" validate:"required"`

	// SigningKeyURL is fetched and trusted before the source is registered.
	SigningKeyURL string `json:"signing_key_url,omitempty" yaml:"signing_key_url,omitempty" cbor:"signing_key_url,omitempty" validate:"omitempty,url"`
}

// JobSpecification is a fully-resolved job for one platform.
// Values are created by Resolve and never modified afterwards.
type JobSpecification struct {
	Name                      string             `json:"name"`
	Index                     int                `json:"index"`
	OperatingSystem           OperatingSystem    `json:"os"`
	DistributionTag           string             `json:"distribution,omitempty"`
	ToolchainLanguage         string             `json:"toolchain_language"`
	ResolvedToolchainVersion  string             `json:"toolchain_version"`
	ResolvedCacheDirectories  []string           `json:"cache_directories"`
	ResolvedProvisioningSteps []ProvisioningStep `json:"provisioning_steps"`
	PackageSources            []SourceDescriptor `json:"sources,omitempty"`
	PipelineScriptPath        string             `json:"pipeline_script"`
	Environment               map[string]string  `json:"env,omitempty"`
	Variables                 map[string]string  `json:"variables,omitempty"`

	// Actions are attached by the provisioning resolver.
	Actions []ShellAction `json:"actions,omitempty"`
}

// WithActions returns a copy of the job carrying the given shell actions.
func (j JobSpecification) WithActions(actions []ShellAction) JobSpecification {
	j.Actions = append([]ShellAction(nil), actions...)
	return j
}

// ActionKind classifies a shell action.
type ActionKind string

const (
	// ActionRegisterKey fetches and trusts a repository signing key.
	ActionRegisterKey ActionKind = "register-key"

	// ActionRegisterSource registers a package repository.
	ActionRegisterSource ActionKind = "register-source"

	// ActionInstall installs a single package.
	ActionInstall ActionKind = "install"
)

// ShellAction is one shell-level command produced by provisioning expansion.
type ShellAction struct {
	// Kind classifies the action.
	Kind ActionKind `json:"kind" yaml:"kind" cbor:"kind"`

	// Command is the shell command line to run.
	Command string `json:"command" yaml:"command" cbor:"command"`

	// Step is the index of the declaring provisioning step.
	Step int `json:"step" yaml:"step" cbor:"step"`

	// Package is set for install actions.
	Package string `json:"package,omitempty" yaml:"package,omitempty" cbor:"package,omitempty"`

	// Source is the source name or locator the action registers or depends on.
	Source string `json:"source,omitempty" yaml:"source,omitempty" cbor:"source,omitempty"`
}

// Definition is a complete matrix definition: defaults plus ordered platforms.
type Definition struct {
	Defaults  DefaultsConfig     `json:"defaults" yaml:"defaults"`
	Platforms []PlatformOverride `json:"platforms" yaml:"platforms"`
}

// RunResult is what a pipeline runner reports for one job.
type RunResult struct {
	// Job is the matrix entry name.
	Job string `json:"job"`

	// Passed reports overall success.
	Passed bool `json:"passed"`

	// ExitCode is the exit status of the failing command, or 0.
	ExitCode int `json:"exit_code"`

	// Logs are the captured combined output.
	Logs string `json:"logs,omitempty"`

	// Duration is the wall time of the job.
	Duration time.Duration `json:"duration"`
}
