package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Package managers by operating system.
const (
	ManagerApt   = "apt"
	ManagerBrew  = "brew"
	ManagerChoco = "choco"
)

// PackageManager returns the package manager used to provision an OS.
func PackageManager(os OperatingSystem) (string, error) {
	switch os {
	case OSLinux:
		return ManagerApt, nil
	case OSMacOS:
		return ManagerBrew, nil
	case OSWindows:
		return ManagerChoco, nil
	default:
		return "", fmt.Errorf("no package manager for operating system %q", string(os))
	}
}

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand turns a platform's provisioning steps into ordered shell actions.
// Only the platform's own steps, sources and variables are considered; use
// ExpandJob to expand a merged job.
func Expand(platform PlatformOverride) ([]ShellAction, error) {
	if err := validateOverride(platform); err != nil {
		return nil, err.WithPlatform(platform.JobName(-1), -1)
	}
	actions, err := expandSteps(platform.OperatingSystem, platform.PreInstallSteps, platform.PackageSources, platform.Variables, "pre_install")
	if err != nil {
		return nil, err.WithPlatform(platform.JobName(-1), -1)
	}
	return actions, nil
}

// ExpandJob turns a resolved job's provisioning steps into ordered shell
// actions using the job's merged variables.
func ExpandJob(job JobSpecification) ([]ShellAction, error) {
	if err := job.OperatingSystem.Validate(); err != nil {
		return nil, NewValidationError("os", err.Error()).
			WithCode(ErrCodeUnsupportedOS).
			WithPlatform(job.Name, job.Index)
	}
	actions, err := expandSteps(job.OperatingSystem, job.ResolvedProvisioningSteps, job.PackageSources, job.Variables, "provisioning_steps")
	if err != nil {
		return nil, err.WithPlatform(job.Name, job.Index)
	}
	return actions, nil
}

// expandSteps walks steps in declared order. Sources become usable only once
// an addPackageSource step registering them has been expanded.
func expandSteps(os OperatingSystem, steps []ProvisioningStep, sources []SourceDescriptor, vars map[string]string, prefix string) ([]ShellAction, *MatrixError) {
	manager, err := PackageManager(os)
	if err != nil {
		return nil, NewValidationError("os", err.Error()).WithCode(ErrCodeUnsupportedOS)
	}

	registered := make(map[string]bool)
	actions := make([]ShellAction, 0, len(steps))

	for i, raw := range steps {
		field := fmt.Sprintf("%s[%d]", prefix, i)
		step, serr := substituteStep(raw, vars, field)
		if serr != nil {
			return nil, serr
		}

		switch step.Kind {
		case StepAddPackageSource:
			if strings.TrimSpace(step.Descriptor) == "" {
				return nil, NewValidationError(field+".descriptor", "addPackageSource step requires a descriptor").
					WithCode(ErrCodeMissingField)
			}
			src, serr := lookupSource(step.Descriptor, sources, vars, field)
			if serr != nil {
				return nil, serr
			}
			sourceActions, serr := renderSource(manager, src, i, field)
			if serr != nil {
				return nil, serr
			}
			actions = append(actions, sourceActions...)
			registered[step.Descriptor] = true
			registered[src.Locator] = true
			if src.Name != "" {
				registered[src.Name] = true
			}

		case StepInstallPackage:
			if strings.TrimSpace(step.Descriptor) == "" {
				return nil, NewValidationError(field+".descriptor", "installPackage step requires a descriptor").
					WithCode(ErrCodeMissingField)
			}
			if step.Source != "" && !registered[step.Source] {
				return nil, NewUnresolvedDependencyError(field+".source", step.Source)
			}
			for _, pkg := range strings.Fields(step.Descriptor) {
				actions = append(actions, ShellAction{
					Kind:    ActionInstall,
					Command: renderInstall(manager, pkg, step.PinnedVersion, step.ExtraFlags),
					Step:    i,
					Package: pkg,
					Source:  step.Source,
				})
			}

		default:
			return nil, NewValidationError(field+".kind", fmt.Sprintf("unknown provisioning step kind %q", string(step.Kind))).
				WithCode(ErrCodeUnknownKind)
		}
	}

	return actions, nil
}

// substituteStep resolves ${NAME} references in every string field of a step.
func substituteStep(step ProvisioningStep, vars map[string]string, field string) (ProvisioningStep, *MatrixError) {
	var err *MatrixError
	sub := func(name, value string) string {
		if err != nil {
			return value
		}
		var out string
		out, err = substitute(value, vars, field+"."+name)
		return out
	}

	result := ProvisioningStep{
		Kind:          step.Kind,
		Descriptor:    sub("descriptor", step.Descriptor),
		PinnedVersion: sub("version", step.PinnedVersion),
		Source:        sub("source", step.Source),
	}
	for j, flag := range step.ExtraFlags {
		result.ExtraFlags = append(result.ExtraFlags, sub(fmt.Sprintf("flags[%d]", j), flag))
	}
	return result, err
}

func substitute(value string, vars map[string]string, field string) (string, *MatrixError) {
	var missing string
	out := variablePattern.ReplaceAllStringFunc(value, func(ref string) string {
		name := variablePattern.FindStringSubmatch(ref)[1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return ref
		}
		return v
	})
	if missing != "" {
		return "", NewValidationError(field, fmt.Sprintf("undefined variable %q", missing)).
			WithCode(ErrCodeUndefinedVar)
	}
	return out, nil
}

// lookupSource finds the declared source a descriptor refers to, by name
// first and then by substituted locator. Only the matched source is
// substituted strictly; a locator that cannot be substituted never matches.
// An undeclared descriptor is its own locator.
func lookupSource(descriptor string, sources []SourceDescriptor, vars map[string]string, field string) (SourceDescriptor, *MatrixError) {
	match := -1
	for i, src := range sources {
		if src.Name != "" && src.Name == descriptor {
			match = i
			break
		}
	}
	if match < 0 {
		for i, src := range sources {
			if locator, err := substitute(src.Locator, vars, field+".locator"); err == nil && locator == descriptor {
				match = i
				break
			}
		}
	}
	if match < 0 {
		return SourceDescriptor{Locator: descriptor}, nil
	}

	src := sources[match]
	locator, err := substitute(src.Locator, vars, field+".locator")
	if err != nil {
		return SourceDescriptor{}, err
	}
	key, err := substitute(src.SigningKeyURL, vars, field+".signing_key_url")
	if err != nil {
		return SourceDescriptor{}, err
	}
	return SourceDescriptor{Name: src.Name, Locator: locator, SigningKeyURL: key}, nil
}

func renderSource(manager string, src SourceDescriptor, step int, field string) ([]ShellAction, *MatrixError) {
	var actions []ShellAction
	ref := src.Name
	if ref == "" {
		ref = src.Locator
	}

	if src.SigningKeyURL != "" {
		if manager != ManagerApt {
			return nil, NewValidationError(field+".signing_key_url",
				fmt.Sprintf("%s does not support repository signing keys", manager))
		}
		actions = append(actions, ShellAction{
			Kind:    ActionRegisterKey,
			Command: fmt.Sprintf("wget -qO - %s | sudo apt-key add -", shellQuote(src.SigningKeyURL)),
			Step:    step,
			Source:  ref,
		})
	}

	var command string
	switch manager {
	case ManagerApt:
		command = fmt.Sprintf("sudo add-apt-repository -y %s && sudo apt-get update -q", shellQuote(src.Locator))
	case ManagerBrew:
		command = fmt.Sprintf("brew tap %s", shellQuote(src.Locator))
	case ManagerChoco:
		command = fmt.Sprintf("choco source add -n=%s -s=%s", shellQuote(chocoSourceName(src)), shellQuote(src.Locator))
	}

	actions = append(actions, ShellAction{
		Kind:    ActionRegisterSource,
		Command: command,
		Step:    step,
		Source:  ref,
	})
	return actions, nil
}

func chocoSourceName(src SourceDescriptor) string {
	if src.Name != "" {
		return src.Name
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, src.Locator)
	return strings.Trim(name, "-")
}

// renderInstall builds the install command for a single package. Flags are a
// set and rendered sorted.
func renderInstall(manager, pkg, version string, flags []string) string {
	spec := pkg
	if version != "" {
		switch manager {
		case ManagerApt:
			spec = fmt.Sprintf("%s=%s", pkg, version)
		case ManagerBrew:
			spec = fmt.Sprintf("%s@%s", pkg, version)
		}
	}

	var args []string
	switch manager {
	case ManagerApt:
		args = []string{"sudo", "apt-get", "install", "-y"}
	case ManagerBrew:
		args = []string{"brew", "install"}
	case ManagerChoco:
		args = []string{"choco", "install", "-y"}
	}
	args = append(args, renderFlags(flags)...)
	args = append(args, shellQuote(spec))
	if version != "" && manager == ManagerChoco {
		args = append(args, "--version="+shellQuote(version))
	}
	return strings.Join(args, " ")
}

func renderFlags(flags []string) []string {
	seen := make(map[string]bool, len(flags))
	var out []string
	for _, flag := range flags {
		flag = strings.TrimSpace(flag)
		if flag == "" {
			continue
		}
		if !strings.HasPrefix(flag, "-") {
			flag = "--" + flag
		}
		if seen[flag] {
			continue
		}
		seen[flag] = true
		out = append(out, flag)
	}
	sort.Strings(out)
	return out
}

// shellQuote single-quotes s unless it is made of shell-safe characters only.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@+,%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
