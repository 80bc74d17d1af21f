// Package errors provides the structured error system for retailsync with
// error codes, categories, and context.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure in the data-access layer.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Network errors: a read or write call against the remote data
	// service failed or returned non-success.
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"

	// Storage errors: a durable-storage transaction failed.
	ErrCodeStorageError ErrorCode = "STORAGE_ERROR"
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Capacity errors: a memory or size budget would be exceeded.
	// Handled internally via eviction; callers should never observe these.
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeCacheFull        ErrorCode = "CACHE_FULL"

	// Sync errors: an offline operation exhausted its retries.
	ErrCodeSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// Subscription errors: a realtime channel failed.
	ErrCodeSubscriptionError ErrorCode = "SUBSCRIPTION_ERROR"
	ErrCodeSubscriptionLost  ErrorCode = "SUBSCRIPTION_LOST"
	ErrCodePoolExhausted     ErrorCode = "POOL_EXHAUSTED"

	// State errors
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeNotStarted         ErrorCode = "NOT_STARTED"
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Operation errors
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups error codes for reporting and policy decisions.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryNetwork       ErrorCategory = "network"
	CategoryStorage       ErrorCategory = "storage"
	CategoryCapacity      ErrorCategory = "capacity"
	CategorySync          ErrorCategory = "sync"
	CategorySubscription  ErrorCategory = "subscription"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
)

// Error is a structured error with context and metadata.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"` // not serialized to avoid circular refs
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Resource  string `json:"resource,omitempty"`

	// Retryable hints that the failing call may succeed if repeated.
	Retryable bool `json:"retryable"`
	// UserFacing marks errors that must surface through the Notifier.
	UserFacing bool `json:"user_facing"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two structured errors by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("Resource=%s", e.Resource))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// New creates a structured error with category, retryability, and
// user-facing defaults derived from the code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Category:   CategoryOf(code),
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  retryableByDefault(code),
		UserFacing: userFacingByDefault(code),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// CategoryOf determines the category for an error code.
func CategoryOf(code ErrorCode) ErrorCategory {
	s := string(code)
	switch {
	case strings.Contains(s, "CONFIG"):
		return CategoryConfiguration
	case strings.HasPrefix(s, "NETWORK_") || strings.HasPrefix(s, "CONNECTION_"):
		return CategoryNetwork
	case strings.HasPrefix(s, "STORAGE_"):
		return CategoryStorage
	case strings.HasPrefix(s, "CAPACITY_") || strings.HasPrefix(s, "CACHE_"):
		return CategoryCapacity
	case strings.HasPrefix(s, "SYNC_") || strings.HasPrefix(s, "RETRY_"):
		return CategorySync
	case strings.HasPrefix(s, "SUBSCRIPTION_") || strings.HasPrefix(s, "POOL_"):
		return CategorySubscription
	case strings.HasPrefix(s, "INVALID_STATE") || strings.HasPrefix(s, "NOT_STARTED") ||
		strings.HasPrefix(s, "ALREADY_") || strings.HasPrefix(s, "SHUTDOWN_"):
		return CategoryState
	default:
		return CategoryOperation
	}
}

func retryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeNetworkError, ErrCodeConnectionFailed, ErrCodeConnectionTimeout,
		ErrCodeOperationTimeout, ErrCodeSubscriptionError:
		return true
	}
	return false
}

func userFacingByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeSyncFailed, ErrCodeInvalidConfig, ErrCodeConfigValidation,
		ErrCodeValidationFailed:
		return true
	}
	return false
}

// WithDetail attaches a detail value to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the originating component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the originating operation.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithResource sets the business resource the error relates to.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryability.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// UserFacingMessage returns a message suitable for end users. Terminal sync
// failures are the one case required to be actionable.
func (e *Error) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal error occurred. Please try again."
	}
	switch e.Code {
	case ErrCodeSyncFailed, ErrCodeRetryExhausted:
		if e.Resource != "" {
			return fmt.Sprintf("A change to %s could not be saved to the server and has been discarded", e.Resource)
		}
		return "A change could not be saved to the server and has been discarded"
	case ErrCodeInvalidConfig, ErrCodeConfigValidation:
		return "Invalid configuration"
	case ErrCodeValidationFailed:
		return "The submitted data failed validation"
	}
	return e.Message
}
