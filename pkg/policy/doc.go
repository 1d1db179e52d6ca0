// Package policy checks emitted build matrices against Rego policies.
//
// Each policy is a Rego module that defines a `deny` set. The engine
// evaluates every enabled policy once per matrix entry, with the entry
// available as `input.job`, and once more for the matrix as a whole, where
// `input.job` is absent. `input.matrix` holds the complete matrix in both
// cases, using the same field names as the JSON output.
//
// Elements of `deny` are either strings or objects:
//
//	deny contains violation if {
//	    job := input.job
//	    job.os == "windows"
//	    violation := {
//	        "message": sprintf("%s: windows is not supported yet", [job.name]),
//	        "severity": "error",
//	        "job": job.name,
//	        "remediation": "remove the windows platform",
//	    }
//	}
//
// Violations with severity error or critical make Result.Allowed false; all
// other findings are reported as warnings.
//
// # Built-in Policies
//
//   - pinned-toolchain: warns when a job builds with stable, beta, nightly
//     or latest instead of a released version.
//   - signed-sources: rejects package sources registered over plain HTTP
//     without a signing key.
//   - cache-persisted: warns when a job has no cache directories.
//   - non-empty-matrix: warns when a definition produces no jobs.
//
// # Custom Policies
//
// Loader reads .rego files, and .json files holding a serialized Policy,
// from files or directory trees. A .rego policy is named after its file;
// its leading comments become the description and a `# severity: error`
// comment sets the severity of string violations. Loader.Watch reloads the
// set when files change, which pairs with Engine.ReloadPolicies.
package policy
