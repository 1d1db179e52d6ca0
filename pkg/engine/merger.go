package engine

import (
	"fmt"
	"strings"
)

// Resolve merges a platform override over the shared defaults and returns a
// fresh JobSpecification.
//
// Merge rules:
//   - Scalars (toolchain version, pipeline script): override wins if set
//   - Cache directories: defaults first, override-only entries appended,
//     first occurrence wins
//   - Provisioning steps: defaults-level steps prepended, override steps
//     verbatim after them
//   - Maps (environment, variables): merged, override wins on conflict
//
// Neither input is modified and the result shares no memory with them.
func Resolve(defaults DefaultsConfig, override PlatformOverride) (JobSpecification, error) {
	return resolveAt(defaults, override, -1)
}

func resolveAt(defaults DefaultsConfig, override PlatformOverride, index int) (JobSpecification, error) {
	name := override.JobName(index)

	if err := validateDefaults(defaults); err != nil {
		return JobSpecification{}, err.WithPlatform(name, index)
	}
	if err := validateOverride(override); err != nil {
		return JobSpecification{}, err.WithPlatform(name, index)
	}

	steps, mergeErr := mergeSteps(defaults.PreInstallSteps, override.PreInstallSteps)
	if mergeErr != nil {
		return JobSpecification{}, mergeErr.WithPlatform(name, index)
	}

	job := JobSpecification{
		Name:                      name,
		Index:                     index,
		OperatingSystem:           override.OperatingSystem,
		DistributionTag:           override.DistributionTag,
		ToolchainLanguage:         defaults.ToolchainLanguage,
		ResolvedToolchainVersion:  overrideScalar(defaults.ToolchainVersion, override.ToolchainVersionOverride),
		PipelineScriptPath:        overrideScalar(defaults.PipelineScriptPath, override.PipelineScriptOverride),
		ResolvedCacheDirectories:  mergeStringSlices(defaults.CacheDirectories, override.CacheDirectories),
		ResolvedProvisioningSteps: steps,
		PackageSources:            copySources(override.PackageSources),
		Environment:               mergeStringMaps(defaults.Environment, override.Environment),
		Variables:                 mergeStringMaps(defaults.Variables, override.Variables),
	}

	return job, nil
}

// JobName returns the explicit name, or one derived from the OS, distribution
// and position in the definition. A negative index omits the position.
func (p PlatformOverride) JobName(index int) string {
	if p.Name != "" {
		return p.Name
	}
	base := string(p.OperatingSystem)
	if p.DistributionTag != "" {
		base += "-" + p.DistributionTag
	}
	if index >= 0 {
		return fmt.Sprintf("%s-%d", base, index)
	}
	return base
}

func overrideScalar(base, override string) string {
	if override != "" {
		return override
	}
	return base
}

func validateDefaults(defaults DefaultsConfig) *MatrixError {
	if strings.TrimSpace(defaults.ToolchainLanguage) == "" {
		return NewValidationError("defaults.toolchain_language", "toolchain language is required").
			WithCode(ErrCodeMissingField)
	}
	if strings.TrimSpace(defaults.ToolchainVersion) == "" {
		return NewValidationError("defaults.toolchain_version", "toolchain version is required").
			WithCode(ErrCodeMissingField)
	}
	if strings.TrimSpace(defaults.PipelineScriptPath) == "" {
		return NewValidationError("defaults.pipeline_script", "pipeline script path is required").
			WithCode(ErrCodeMissingField)
	}
	for i, dir := range defaults.CacheDirectories {
		if strings.TrimSpace(dir) == "" {
			return NewValidationError(fmt.Sprintf("defaults.cache_directories[%d]", i), "cache directory must not be empty").
				WithCode(ErrCodeMissingField)
		}
	}
	return validateSteps("defaults.pre_install", defaults.PreInstallSteps)
}

func validateOverride(override PlatformOverride) *MatrixError {
	if err := override.OperatingSystem.Validate(); err != nil {
		return NewValidationError("os", err.Error()).WithCode(ErrCodeUnsupportedOS)
	}
	for i, dir := range override.CacheDirectories {
		if strings.TrimSpace(dir) == "" {
			return NewValidationError(fmt.Sprintf("cache_directories[%d]", i), "cache directory must not be empty").
				WithCode(ErrCodeMissingField)
		}
	}
	for i, src := range override.PackageSources {
		if strings.TrimSpace(src.Locator) == "" {
			return NewValidationError(fmt.Sprintf("sources[%d].locator", i), "package source locator is required").
				WithCode(ErrCodeMissingField)
		}
	}
	return validateSteps("pre_install", override.PreInstallSteps)
}

func validateSteps(prefix string, steps []ProvisioningStep) *MatrixError {
	for i, step := range steps {
		field := fmt.Sprintf("%s[%d]", prefix, i)
		if err := step.Kind.Validate(); err != nil {
			return NewValidationError(field+".kind", err.Error()).WithCode(ErrCodeUnknownKind)
		}
		if strings.TrimSpace(step.Descriptor) == "" {
			return NewValidationError(field+".descriptor", fmt.Sprintf("%s step requires a descriptor", step.Kind)).
				WithCode(ErrCodeMissingField)
		}
	}
	return nil
}

// mergeSteps prepends defaults-level steps ahead of override steps, which
// follow verbatim in declared order. An override step equal to a defaults
// step (flags compared as a set) is kept once, at its defaults position; one
// that differs only in flags stays in place. Two declarations of the same
// (kind, descriptor) that disagree on version or source are ambiguous and
// rejected.
func mergeSteps(base, override []ProvisioningStep) ([]ProvisioningStep, *MatrixError) {
	result := make([]ProvisioningStep, 0, len(base)+len(override))
	byKey := make(map[string]ProvisioningStep, len(base))
	for _, step := range base {
		byKey[stepKey(step)] = step
		result = append(result, copyStep(step))
	}

	for i, step := range override {
		existing, ok := byKey[stepKey(step)]
		if !ok {
			result = append(result, copyStep(step))
			continue
		}
		if field, was, now := stepDifference(existing, step); field != "" {
			return nil, NewMergeConflictError(
				fmt.Sprintf("pre_install[%d]", i),
				fmt.Sprintf("%s %q is declared by both defaults and platform with different %s (%q vs %q)",
					step.Kind, step.Descriptor, field, was, now),
			)
		}
		if !sameFlags(existing.ExtraFlags, step.ExtraFlags) {
			result = append(result, copyStep(step))
		}
	}

	return result, nil
}

// stepDifference names the first of version or source on which two steps
// with the same key disagree, or "" when they agree on both.
func stepDifference(a, b ProvisioningStep) (field, was, now string) {
	switch {
	case a.PinnedVersion != b.PinnedVersion:
		return "version", a.PinnedVersion, b.PinnedVersion
	case a.Source != b.Source:
		return "source", a.Source, b.Source
	}
	return "", "", ""
}

func sameFlags(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	other := make(map[string]bool, len(b))
	for _, f := range b {
		if !set[f] {
			return false
		}
		other[f] = true
	}
	return len(other) == len(set)
}

func stepKey(step ProvisioningStep) string {
	return string(step.Kind) + "\x00" + strings.Join(strings.Fields(step.Descriptor), " ")
}

func copyStep(step ProvisioningStep) ProvisioningStep {
	step.ExtraFlags = append([]string(nil), step.ExtraFlags...)
	return step
}

func copySources(sources []SourceDescriptor) []SourceDescriptor {
	if len(sources) == 0 {
		return nil
	}
	return append([]SourceDescriptor(nil), sources...)
}

// mergeStringSlices returns parent entries followed by child-only entries,
// deduplicated by value with the first occurrence kept. The result is never nil.
func mergeStringSlices(parent, child []string) []string {
	result := make([]string, 0, len(parent)+len(child))
	seen := make(map[string]bool, len(parent)+len(child))
	for _, list := range [][]string{parent, child} {
		for _, value := range list {
			if seen[value] {
				continue
			}
			seen[value] = true
			result = append(result, value)
		}
	}
	return result
}

// mergeStringMaps merges two string maps with child values winning.
// Returns nil if both inputs are empty.
func mergeStringMaps(parent, child map[string]string) map[string]string {
	if len(parent) == 0 && len(child) == 0 {
		return nil
	}
	result := make(map[string]string, len(parent)+len(child))
	for key, value := range parent {
		result[key] = value
	}
	for key, value := range child {
		result[key] = value
	}
	return result
}
