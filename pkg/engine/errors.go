package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for propagation decisions.
type ErrorClass string

const (
	// ErrorClassGuard indicates a guard predicate could not be evaluated.
	// Guard errors never abort a run; the predicate is treated as false.
	ErrorClassGuard ErrorClass = "guard"

	// ErrorClassAction indicates an ensure function could not achieve desired state.
	// Fatal unless the resource is marked best-effort.
	ErrorClassAction ErrorClass = "action"

	// ErrorClassValidation indicates a declaration-time error caught before the run.
	// Examples: dangling notification targets, duplicate resource identifiers.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassInternal indicates an engine failure unrelated to a resource.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource identifier that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the action being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&b, " (resource=%s, action=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewGuardError creates a new guard evaluation error.
func NewGuardError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassGuard,
		Message: message,
		Code:    ErrCodeGuardFailed,
		Err:     err,
	}
}

// NewActionError creates a new action failure.
func NewActionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassAction,
		Message: message,
		Code:    ErrCodeActionFailed,
		Err:     err,
	}
}

// NewValidationError creates a new declaration-time validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Err:     err,
	}
}

// NewInternalError creates a new internal engine error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInternal,
		Message: message,
		Code:    ErrCodeInternal,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(id ResourceID) *EngineError {
	e.Resource = id.String()
	return e
}

// WithOperation adds action context to an error.
func (e *EngineError) WithOperation(action Action) *EngineError {
	e.Operation = string(action)
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsGuardError returns true if the error is classified as a guard error.
func IsGuardError(err error) bool {
	return hasClass(err, ErrorClassGuard)
}

// IsActionFailure returns true if the error is classified as an action failure.
func IsActionFailure(err error) bool {
	return hasClass(err, ErrorClassAction)
}

// IsValidationError returns true if the error is a declaration-time error.
// ValidationErrors collections are validation errors as well.
func IsValidationError(err error) bool {
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		return true
	}
	return hasClass(err, ErrorClassValidation)
}

// HasCode returns true if err, or any error it wraps, carries the given code.
func HasCode(err error, code string) bool {
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			if e.Code == code {
				return true
			}
		}
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// ValidationErrors collects every declaration-time error found before a run.
type ValidationErrors []*EngineError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return v[0].Error()
	}
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d validation errors: %s", len(v), strings.Join(msgs, "; "))
}

// Common error codes.
const (
	ErrCodeDuplicateResource   = "DUPLICATE_RESOURCE"
	ErrCodeUnknownType         = "UNKNOWN_RESOURCE_TYPE"
	ErrCodeUnknownAction       = "UNKNOWN_ACTION"
	ErrCodeInvalidProperties   = "INVALID_PROPERTIES"
	ErrCodeNotificationMissing = "NOTIFICATION_TARGET_MISSING"
	ErrCodeActionFailed        = "ACTION_FAILED"
	ErrCodeGuardFailed         = "GUARD_FAILED"
	ErrCodeNotificationLoop    = "NOTIFICATION_LOOP"
	ErrCodeRunAborted          = "RUN_ABORTED"
	ErrCodePolicyViolation     = "POLICY_VIOLATION"
	ErrCodeInternal            = "INTERNAL_ERROR"
)
