package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks a definition.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// Warning codes attached to non-fatal definition findings.
const (
	WarnUnsatisfiedRequire = "UNSATISFIED_REQUIRE"
	WarnFallbackAgent      = "FALLBACK_AGENT"
	WarnUnknownField       = "UNKNOWN_FIELD"
	WarnIgnoredField       = "IGNORED_FIELD"
	WarnUnreachableStep    = "UNREACHABLE_STEP"
)

// ValidationIssue is a single finding with location context.
type ValidationIssue struct {
	Path     string             `json:"path" yaml:"path"`
	Code     string             `json:"code" yaml:"code"`
	Message  string             `json:"message" yaml:"message"`
	Severity ValidationSeverity `json:"severity" yaml:"severity"`
}

// ValidationResult aggregates the findings of a definition check.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors; warnings are acceptable.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result to a DEFINITION_ERROR if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if r.Errors[0].Path != "" {
		msg = fmt.Sprintf("%s: %s", r.Errors[0].Path, msg)
	}
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("definition invalid with %d errors; first: %s", len(r.Errors), msg)
	}

	return NewError(ErrCodeDefinition, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
