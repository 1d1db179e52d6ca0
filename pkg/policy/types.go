package policy

import (
	"time"

	"github.com/openfroyo/buildmatrix/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that block a resolution.
	SeverityError Severity = "error"

	// SeverityCritical is for findings that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity disallow a matrix.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy is a Rego module whose `deny` set yields violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies that ship with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is a single finding reported by a policy.
type Violation struct {
	// Policy is the name of the policy that reported the finding.
	Policy string `json:"policy"`

	// Job is the matrix entry the finding refers to; empty for
	// matrix-wide findings.
	Job string `json:"job,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Severity is the finding's severity level.
	Severity Severity `json:"severity"`

	// Remediation suggests a fix.
	Remediation string `json:"remediation,omitempty"`
}

// Result is the outcome of evaluating all enabled policies against a matrix.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists error and critical findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings, including policies that failed
	// to evaluate.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Findings returns violations followed by warnings.
func (r *Result) Findings() []Violation {
	out := make([]Violation, 0, len(r.Violations)+len(r.Warnings))
	out = append(out, r.Violations...)
	return append(out, r.Warnings...)
}

// Input is the document policies see as `input`. Per-job rules read
// `input.job`; matrix-wide rules run once with only `input.matrix` set.
type Input struct {
	// Job is the entry under evaluation.
	Job *engine.MatrixEntry `json:"job,omitempty"`

	// Matrix is the complete emitted matrix.
	Matrix *engine.Matrix `json:"matrix"`

	// Context carries information about the evaluation itself.
	Context *Context `json:"context,omitempty"`
}

// Context provides information about the evaluation.
type Context struct {
	// Source is the definition file the matrix was resolved from.
	Source string `json:"source,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
