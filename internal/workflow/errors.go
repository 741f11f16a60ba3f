package workflow

import (
	"errors"
	"fmt"
)

// Code is the machine-checkable classification of a domain error.
type Code string

const (
	// CodeMissingField indicates a required payload field was absent.
	CodeMissingField Code = "MISSING_FIELD"
	// CodeInvalidField indicates a payload field failed stage validation.
	CodeInvalidField Code = "INVALID_FIELD"
	// CodeUnknownSession indicates the session ID does not exist.
	CodeUnknownSession Code = "UNKNOWN_SESSION"
	// CodeUnknownTool indicates no stage graph is registered for the tool.
	CodeUnknownTool Code = "UNKNOWN_TOOL"
	// CodeStageMismatch indicates the request's stage token does not match
	// the session's current stage.
	CodeStageMismatch Code = "STAGE_MISMATCH"
	// CodeConflict indicates a concurrent writer won the version race and
	// the internal retry could not recover.
	CodeConflict Code = "CONFLICT"
	// CodeOracleUnavailable indicates the reasoning backend stayed
	// unreachable after bounded retries.
	CodeOracleUnavailable Code = "ORACLE_UNAVAILABLE"
	// CodeExecutorFailure indicates an individual action failed. It is
	// recorded per action and never fatal to a batch.
	CodeExecutorFailure Code = "EXECUTOR_FAILURE"
	// CodeValidationInconclusive indicates post-execution validation could
	// not confirm the symptom cleared. It triggers bounded
	// re-investigation, not a user-facing failure.
	CodeValidationInconclusive Code = "VALIDATION_INCONCLUSIVE"
)

// DomainError is a recognized, recoverable failure of a semantically valid
// request. Domain errors are returned to callers as structured results with
// a human-readable message naming the violated precondition; they are not
// transport failures.
type DomainError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	// Field names the offending payload field for MISSING_FIELD and
	// INVALID_FIELD errors.
	Field string `json:"field,omitempty"`
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewMissingField reports an absent required field.
func NewMissingField(field string) *DomainError {
	return &DomainError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("%s is required", field),
		Field:   field,
	}
}

// NewInvalidField reports a field that failed stage validation.
func NewInvalidField(field, reason string) *DomainError {
	return &DomainError{
		Code:    CodeInvalidField,
		Message: reason,
		Field:   field,
	}
}

// NewUnknownSession reports a lookup of a nonexistent session.
func NewUnknownSession(id string) *DomainError {
	return &DomainError{
		Code:    CodeUnknownSession,
		Message: fmt.Sprintf("no session exists with id %q", id),
	}
}

// NewUnknownTool reports a request for an unregistered tool.
func NewUnknownTool(tool string) *DomainError {
	return &DomainError{
		Code:    CodeUnknownTool,
		Message: fmt.Sprintf("no workflow is registered for tool %q", tool),
	}
}

// NewStageMismatch reports a stage token that does not match the session.
func NewStageMismatch(have, want string) *DomainError {
	return &DomainError{
		Code:    CodeStageMismatch,
		Message: fmt.Sprintf("session is at stage %q, not %q", have, want),
	}
}

// NewConflict reports an unrecovered concurrent-write race.
func NewConflict() *DomainError {
	return &DomainError{
		Code:    CodeConflict,
		Message: "session was modified concurrently, re-read and retry",
	}
}

// AsDomainError unwraps err into a DomainError when possible.
func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
