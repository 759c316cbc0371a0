package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorType represents the subsystem family of an error.
type ErrorType string

const (
	ErrorTypeDiscovery ErrorType = "discovery"
	ErrorTypeRegistry  ErrorType = "registry"
	ErrorTypeSecurity  ErrorType = "security"
	ErrorTypeResource  ErrorType = "resource"
	ErrorTypeProcess   ErrorType = "process"
	ErrorTypeHealth    ErrorType = "health"
	ErrorTypeCapacity  ErrorType = "capacity"

	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeInvalidState ErrorType = "invalid_state"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeUnknown      ErrorType = "unknown"
)

// Error codes for specific scenarios
const (
	CodeParseFailed          = "PARSE_FAILED"
	CodeDuplicateID          = "DUPLICATE_ID"
	CodeDependencyCycle      = "DEPENDENCY_CYCLE"
	CodeHasActiveInstances   = "HAS_ACTIVE_INSTANCES"
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodePermissionDenied     = "PERMISSION_DENIED"
	CodeRegistrationFailed   = "REGISTRATION_FAILED"
	CodeStartFailed          = "START_FAILED"
	CodeStopFailed           = "STOP_FAILED"
	CodeCheckFailed          = "CHECK_FAILED"
	CodeRecoveryFailed       = "RECOVERY_FAILED"
	CodeCapacityExceeded     = "CAPACITY_EXCEEDED"
	CodeNotFound             = "NOT_FOUND"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeOperationTimeout     = "OPERATION_TIMEOUT"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeSandboxFailed        = "SANDBOX_FAILED"
	CodeTransportUnavailable = "TRANSPORT_UNAVAILABLE"
	CodeInvalidManifest      = "INVALID_MANIFEST"
	CodeInstanceCrashed      = "INSTANCE_CRASHED"
)

// Sentinels for errors.Is. They match any AppError carrying the same type and code.
var (
	ErrDuplicateID        = &AppError{Type: ErrorTypeRegistry, Code: CodeDuplicateID}
	ErrDependencyCycle    = &AppError{Type: ErrorTypeRegistry, Code: CodeDependencyCycle}
	ErrHasActiveInstances = &AppError{Type: ErrorTypeRegistry, Code: CodeHasActiveInstances}
	ErrValidationFailed   = &AppError{Type: ErrorTypeSecurity, Code: CodeValidationFailed}
	ErrPermissionDenied   = &AppError{Type: ErrorTypeSecurity, Code: CodePermissionDenied}
	ErrRegistration       = &AppError{Type: ErrorTypeResource, Code: CodeRegistrationFailed}
	ErrStartFailed        = &AppError{Type: ErrorTypeProcess, Code: CodeStartFailed}
	ErrStopFailed         = &AppError{Type: ErrorTypeProcess, Code: CodeStopFailed}
	ErrCheckFailed        = &AppError{Type: ErrorTypeHealth, Code: CodeCheckFailed}
	ErrRecoveryFailed     = &AppError{Type: ErrorTypeHealth, Code: CodeRecoveryFailed}
	ErrCapacity           = &AppError{Type: ErrorTypeCapacity, Code: CodeCapacityExceeded}
	ErrNotFound           = &AppError{Type: ErrorTypeNotFound, Code: CodeNotFound}
	ErrInvalidTransition  = &AppError{Type: ErrorTypeInvalidState, Code: CodeInvalidTransition}
	ErrInvalidManifest    = &AppError{Type: ErrorTypeValidation, Code: CodeInvalidManifest}
	ErrTimeout            = &AppError{Type: ErrorTypeTimeout, Code: CodeOperationTimeout}
	ErrSandboxFailed      = &AppError{Type: ErrorTypeSecurity, Code: CodeSandboxFailed}
	ErrParseFailed        = &AppError{Type: ErrorTypeDiscovery, Code: CodeParseFailed}
)

// AppError represents a structured orchestrator error
type AppError struct {
	Type       ErrorType      `json:"type"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	InnerError error          `json:"-"`
	Stack      []string       `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	switch {
	case e.Message != "" && e.InnerError != nil:
		return e.Message + ": " + e.InnerError.Error()
	case e.Message != "":
		return e.Message
	case e.InnerError != nil:
		return e.InnerError.Error()
	case e.Code != "":
		return string(e.Type) + ": " + e.Code
	}
	return string(e.Type)
}

// Unwrap returns the inner error
func (e *AppError) Unwrap() error {
	return e.InnerError
}

// WithMessage adds a message to the error
func (e *AppError) WithMessage(msg string) *AppError {
	e.Message = msg
	return e
}

// WithCode adds a code to the error
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithInnerError sets the inner error
func (e *AppError) WithInnerError(err error) *AppError {
	e.InnerError = err
	return e
}

// WithStack captures the call stack
func (e *AppError) WithStack() *AppError {
	e.Stack = captureStack(3)
	return e
}

// Is matches on type, and on code when the target carries one.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// New creates a new AppError
func New(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// FromError converts a standard error to AppError
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return &AppError{
		Type:       ErrorTypeUnknown,
		Message:    err.Error(),
		InnerError: err,
	}
}

// Wrap wraps an error with a specific type and code
func Wrap(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		InnerError: err,
	}
}

// TypeOf returns the ErrorType of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	return FromError(err).Type
}

// CodeOf returns the code of err, or "" when err is not an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Discovery errors
func NewParseFailed(path string, err error) *AppError {
	return Wrap(err, ErrorTypeDiscovery, CodeParseFailed, fmt.Sprintf("manifest %s could not be parsed", path)).
		WithDetail("path", path)
}

func NewInvalidManifest(pluginID string, issues []string) *AppError {
	return New(ErrorTypeValidation, CodeInvalidManifest,
		fmt.Sprintf("manifest %q is invalid: %s", pluginID, strings.Join(issues, "; "))).
		WithDetail("plugin_id", pluginID).
		WithDetail("issues", issues)
}

// Registry errors
func NewDuplicateID(pluginID string) *AppError {
	return New(ErrorTypeRegistry, CodeDuplicateID, fmt.Sprintf("plugin %q is already registered", pluginID)).
		WithDetail("plugin_id", pluginID)
}

func NewDependencyCycle(pluginID string, cycle []string) *AppError {
	return New(ErrorTypeRegistry, CodeDependencyCycle,
		fmt.Sprintf("registering %q introduces a dependency cycle through %s", pluginID, strings.Join(cycle, ", "))).
		WithDetail("plugin_id", pluginID).
		WithDetail("cycle", cycle)
}

func NewHasActiveInstances(pluginID string, count int) *AppError {
	return New(ErrorTypeRegistry, CodeHasActiveInstances,
		fmt.Sprintf("plugin %q has %d active instance(s)", pluginID, count)).
		WithDetail("plugin_id", pluginID).
		WithDetail("instances", count)
}

// Security errors
func NewValidationFailed(pluginID string, issues []string) *AppError {
	return New(ErrorTypeSecurity, CodeValidationFailed,
		fmt.Sprintf("security validation failed for plugin %q", pluginID)).
		WithDetail("plugin_id", pluginID).
		WithDetail("issues", issues)
}

func NewPermissionDenied(pluginID, permission string) *AppError {
	return New(ErrorTypeSecurity, CodePermissionDenied,
		fmt.Sprintf("plugin %q is not permitted %q", pluginID, permission)).
		WithDetail("plugin_id", pluginID).
		WithDetail("permission", permission)
}

func NewSandboxFailed(pluginID string, err error) *AppError {
	return Wrap(err, ErrorTypeSecurity, CodeSandboxFailed, fmt.Sprintf("sandbox for plugin %q", pluginID)).
		WithDetail("plugin_id", pluginID)
}

// Resource errors
func NewRegistrationFailed(instanceID, reason string) *AppError {
	return New(ErrorTypeResource, CodeRegistrationFailed,
		fmt.Sprintf("instance %q: %s", instanceID, reason)).
		WithDetail("instance_id", instanceID)
}

// Process errors
func NewStartFailed(instanceID string, err error) *AppError {
	return Wrap(err, ErrorTypeProcess, CodeStartFailed, fmt.Sprintf("instance %q failed to start", instanceID)).
		WithDetail("instance_id", instanceID)
}

func NewStopFailed(instanceID string, err error) *AppError {
	return Wrap(err, ErrorTypeProcess, CodeStopFailed, fmt.Sprintf("instance %q did not release cleanly", instanceID)).
		WithDetail("instance_id", instanceID)
}

// Health errors
func NewCheckFailed(instanceID string, err error) *AppError {
	return Wrap(err, ErrorTypeHealth, CodeCheckFailed, fmt.Sprintf("health check for %q failed", instanceID)).
		WithDetail("instance_id", instanceID)
}

func NewRecoveryFailed(instanceID string, err error) *AppError {
	return Wrap(err, ErrorTypeHealth, CodeRecoveryFailed, fmt.Sprintf("recovery of %q failed", instanceID)).
		WithDetail("instance_id", instanceID)
}

// Capacity errors
func NewCapacityExceeded(limit int) *AppError {
	return New(ErrorTypeCapacity, CodeCapacityExceeded,
		fmt.Sprintf("orchestrator is at its ceiling of %d instances", limit)).
		WithDetail("limit", limit)
}

// Generic errors
func NewNotFound(resource, id string) *AppError {
	return New(ErrorTypeNotFound, CodeNotFound, fmt.Sprintf("%s %q not found", resource, id)).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

func NewInvalidTransition(instanceID, from, op string) *AppError {
	return New(ErrorTypeInvalidState, CodeInvalidTransition,
		fmt.Sprintf("cannot %s instance %q from state %s", op, instanceID, from)).
		WithDetail("instance_id", instanceID).
		WithDetail("state", from).
		WithDetail("operation", op)
}

func NewTimeout(op string, err error) *AppError {
	return Wrap(err, ErrorTypeTimeout, CodeOperationTimeout, fmt.Sprintf("%s timed out", op))
}

func NewInternal(message string) *AppError {
	return New(ErrorTypeInternal, CodeInternalError, message)
}

// Recover recovers from panics and hands them to handler as an AppError.
// It must be called directly by a deferred statement.
func Recover(handler func(*AppError)) {
	if r := recover(); r != nil {
		var appErr *AppError
		switch v := r.(type) {
		case error:
			appErr = Wrap(v, ErrorTypeInternal, CodeInternalError, "panic recovered")
		case string:
			appErr = NewInternal(v)
		default:
			appErr = NewInternal(fmt.Sprintf("%v", v))
		}
		handler(appErr.WithStack())
	}
}

// captureStack captures the call stack
func captureStack(skip int) []string {
	var stack []string
	for i := skip; i < 12; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		funcName := fn.Name()
		if idx := strings.LastIndex(funcName, "/"); idx >= 0 {
			funcName = funcName[idx+1:]
		}

		stack = append(stack, fmt.Sprintf("%s:%d %s", file, line, funcName))
	}
	return stack
}

// ErrorChain collects independent failures, e.g. one per unparsable manifest.
type ErrorChain struct {
	errors []*AppError
}

// NewErrorChain creates a new error chain
func NewErrorChain() *ErrorChain {
	return &ErrorChain{
		errors: make([]*AppError, 0),
	}
}

// Add adds an error to the chain
func (c *ErrorChain) Add(err *AppError) *ErrorChain {
	if err != nil {
		c.errors = append(c.errors, err)
	}
	return c
}

// HasErrors checks if the chain has errors
func (c *ErrorChain) HasErrors() bool {
	return c != nil && len(c.errors) > 0
}

// Error returns the combined error message
func (c *ErrorChain) Error() string {
	if !c.HasErrors() {
		return ""
	}

	messages := make([]string, 0, len(c.errors))
	for _, err := range c.errors {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, " | ")
}

// Errors returns all errors in the chain
func (c *ErrorChain) Errors() []*AppError {
	if c == nil {
		return nil
	}
	return append([]*AppError(nil), c.errors...)
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (c *ErrorChain) Unwrap() []error {
	if c == nil {
		return nil
	}
	out := make([]error, len(c.errors))
	for i, err := range c.errors {
		out[i] = err
	}
	return out
}

// Filter filters errors by type
func (c *ErrorChain) Filter(errType ErrorType) *ErrorChain {
	filtered := NewErrorChain()
	for _, err := range c.errors {
		if err.Type == errType {
			filtered.Add(err)
		}
	}
	return filtered
}

// ErrOrNil returns the chain as an error, or nil when it is empty.
func (c *ErrorChain) ErrOrNil() error {
	if !c.HasErrors() {
		return nil
	}
	return c
}
