package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a resolution failure.
type ErrorClass string

const (
	// ErrorClassValidation marks a malformed or incomplete definition.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassUnresolvedDependency marks a provisioning step that needs a
	// package source no earlier step registered.
	ErrorClassUnresolvedDependency ErrorClass = "unresolved_dependency"

	// ErrorClassMergeConflict marks structured fields that cannot be merged
	// unambiguously.
	ErrorClassMergeConflict ErrorClass = "merge_conflict"
)

// MatrixError is a classified resolution error with the offending location.
type MatrixError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Platform is the name of the offending platform, if any.
	Platform string `json:"platform,omitempty"`

	// Index is the position of the offending platform, or -1.
	Index int `json:"index"`

	// Field is the path of the offending field (e.g., "pre_install[1].descriptor").
	Field string `json:"field,omitempty"`

	// Message is the human-readable message.
	Message string `json:"message"`

	// Code is an optional code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *MatrixError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Platform != "" && e.Field != "":
		msg = fmt.Sprintf("%s (platform=%s, field=%s)", msg, e.Platform, e.Field)
	case e.Platform != "":
		msg = fmt.Sprintf("%s (platform=%s)", msg, e.Platform)
	case e.Field != "":
		msg = fmt.Sprintf("%s (field=%s)", msg, e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *MatrixError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a MatrixError with the same class and code.
func (e *MatrixError) Is(target error) bool {
	t, ok := target.(*MatrixError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a validation error for a field.
func NewValidationError(field, message string) *MatrixError {
	return &MatrixError{
		Class:   ErrorClassValidation,
		Index:   -1,
		Field:   field,
		Message: message,
		Code:    ErrCodeValidation,
	}
}

// NewUnresolvedDependencyError creates an error for a step whose source was
// never registered.
func NewUnresolvedDependencyError(field, source string) *MatrixError {
	return &MatrixError{
		Class:   ErrorClassUnresolvedDependency,
		Index:   -1,
		Field:   field,
		Message: fmt.Sprintf("package source %q is not registered by any earlier addPackageSource step", source),
		Code:    ErrCodeUnresolvedSource,
	}
}

// NewMergeConflictError creates an error for an ambiguous structured merge.
func NewMergeConflictError(field, message string) *MatrixError {
	return &MatrixError{
		Class:   ErrorClassMergeConflict,
		Index:   -1,
		Field:   field,
		Message: message,
		Code:    ErrCodeConflict,
	}
}

// WithPlatform adds platform context to the error.
func (e *MatrixError) WithPlatform(name string, index int) *MatrixError {
	e.Platform = name
	e.Index = index
	return e
}

// WithCause sets the underlying error.
func (e *MatrixError) WithCause(err error) *MatrixError {
	e.Err = err
	return e
}

// WithCode overrides the error code.
func (e *MatrixError) WithCode(code string) *MatrixError {
	e.Code = code
	return e
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation)
}

// IsUnresolvedDependency returns true if err is an unresolved dependency error.
func IsUnresolvedDependency(err error) bool {
	return hasClass(err, ErrorClassUnresolvedDependency)
}

// IsMergeConflict returns true if err is a merge conflict error.
func IsMergeConflict(err error) bool {
	return hasClass(err, ErrorClassMergeConflict)
}

func hasClass(err error, class ErrorClass) bool {
	var e *MatrixError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeUnsupportedOS    = "UNSUPPORTED_OS"
	ErrCodeMissingField     = "MISSING_FIELD"
	ErrCodeUnknownKind      = "UNKNOWN_STEP_KIND"
	ErrCodeUndefinedVar     = "UNDEFINED_VARIABLE"
	ErrCodeUnresolvedSource = "UNRESOLVED_SOURCE"
	ErrCodeConflict         = "CONFLICT"
	ErrCodePolicy           = "POLICY_VIOLATION"
)
