package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		pinnedToolchainPolicy(),
		signedSourcesPolicy(),
		cachePersistedPolicy(),
		nonEmptyMatrixPolicy(),
	}
}

// pinnedToolchainPolicy flags jobs that build with a floating release channel.
func pinnedToolchainPolicy() Policy {
	return Policy{
		Name:        "pinned-toolchain",
		Description: "Warns when a job's toolchain is a floating channel rather than a pinned version",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"toolchain", "reproducibility"},
		Rego: `package buildmatrix.policies.toolchain

import rego.v1

floating := {"stable", "beta", "nightly", "latest"}

deny contains violation if {
	job := input.job
	lower(job.toolchain_version) in floating
	violation := {
		"message": sprintf("job %s uses floating toolchain %q", [job.name, job.toolchain_version]),
		"severity": "warning",
		"job": job.name,
		"remediation": "pin toolchain_version to a released version",
	}
}`,
	}
}

// signedSourcesPolicy rejects plain-HTTP package sources without a signing key.
func signedSourcesPolicy() Policy {
	return Policy{
		Name:        "signed-sources",
		Description: "Rejects package sources fetched over plain HTTP without a signing key",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"security", "sources"},
		Rego: `package buildmatrix.policies.sources

import rego.v1

deny contains violation if {
	job := input.job
	some action in job.actions
	action.kind == "register-source"
	contains(action.command, "http://")
	not keyed(job, action.source)
	violation := {
		"message": sprintf("job %s registers source %s over plain HTTP without a signing key", [job.name, action.source]),
		"severity": "error",
		"job": job.name,
		"remediation": "use an https locator or declare signing_key_url",
	}
}

keyed(job, source) if {
	some action in job.actions
	action.kind == "register-key"
	action.source == source
}`,
	}
}

// cachePersistedPolicy flags jobs that persist nothing between runs.
func cachePersistedPolicy() Policy {
	return Policy{
		Name:        "cache-persisted",
		Description: "Warns when a job has no cache directories",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"cache", "performance"},
		Rego: `package buildmatrix.policies.cache

import rego.v1

deny contains violation if {
	job := input.job
	not caches(job)
	violation := {
		"message": sprintf("job %s does not persist any cache directories", [job.name]),
		"severity": "warning",
		"job": job.name,
	}
}

caches(job) if count(job.cache_directories) > 0`,
	}
}

// nonEmptyMatrixPolicy flags definitions that produce no jobs.
func nonEmptyMatrixPolicy() Policy {
	return Policy{
		Name:        "non-empty-matrix",
		Description: "Warns when a definition declares no platforms",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"matrix"},
		Rego: `package buildmatrix.policies.matrix

import rego.v1

deny contains violation if {
	not input.job
	not jobs
	violation := {
		"message": "matrix contains no jobs",
		"severity": "warning",
	}
}

jobs if count(input.matrix.jobs) > 0`,
	}
}
