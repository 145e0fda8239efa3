// Package errors provides structured error types for wtguard.
// It implements error classification, wrapping, and recovery detection.
package errors

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind represents the category of an error.
type Kind uint8

const (
	// KindUnknown indicates an error of unknown type.
	KindUnknown Kind = iota
	// KindConfig indicates a configuration error.
	KindConfig
	// KindGit indicates a git operation error.
	KindGit
	// KindLock indicates a lock manager error.
	KindLock
	// KindState indicates a build state error.
	KindState
	// KindIO indicates a file I/O error.
	KindIO
	// KindValidation indicates a validation error.
	KindValidation
	// KindPermission indicates a permission error.
	KindPermission
	// KindNotFound indicates a resource was not found.
	KindNotFound
	// KindConflict indicates a conflict error.
	KindConflict
	// KindTimeout indicates a timeout error.
	KindTimeout
	// KindCanceled indicates the operation was canceled.
	KindCanceled
	// KindInternal indicates an internal error.
	KindInternal
)

// String returns a human-readable string for the error kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration"
	case KindGit:
		return "git"
	case KindLock:
		return "lock"
	case KindState:
		return "state"
	case KindIO:
		return "io"
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Code identifies a specific failure condition within a Kind.
// Two errors with the same non-empty Code match under errors.Is.
type Code string

// Failure codes for the lock, operation and build state taxonomy.
const (
	CodeLockTimeout            Code = "lock_timeout"
	CodeLockResourceUnwritable Code = "lock_resource_unwritable"
	CodeLockUnavailable        Code = "lock_unavailable"
	CodeOperationFailed        Code = "operation_failed"
	CodeStateNotFound          Code = "state_not_found"
	CodeStateCorrupted         Code = "state_corrupted"
	CodeStateStale             Code = "state_stale"
	CodeLoggingFailed          Code = "logging_failed"
	CodeUnitFailed             Code = "unit_failed"
	CodeRunActive              Code = "run_active"
)

// Sentinel errors for errors.Is checks. They carry no Op so they match any
// error with the same Code.
var (
	// ErrLockTimeout means the lock was not acquired within the configured window.
	ErrLockTimeout = &Error{Kind: KindTimeout, Code: CodeLockTimeout, Message: "lock acquisition timed out", Recoverable: true}
	// ErrLockResourceUnwritable means a stale lock could not be removed.
	ErrLockResourceUnwritable = &Error{Kind: KindPermission, Code: CodeLockResourceUnwritable, Message: "stale lock could not be removed"}
	// ErrLockUnavailable means neither advisory locking nor lock file creation is possible.
	ErrLockUnavailable = &Error{Kind: KindLock, Code: CodeLockUnavailable, Message: "lock manager unavailable"}
	// ErrOperationFailed means the wrapped repository command exited non-zero.
	ErrOperationFailed = &Error{Kind: KindGit, Code: CodeOperationFailed, Message: "repository operation failed"}
	// ErrStateNotFound means no build state record exists.
	ErrStateNotFound = &Error{Kind: KindNotFound, Code: CodeStateNotFound, Message: "no build state found"}
	// ErrStateCorrupted means the build state record failed structural validation.
	ErrStateCorrupted = &Error{Kind: KindState, Code: CodeStateCorrupted, Message: "build state is corrupted", Recoverable: true}
	// ErrStateStale means the record references an integration branch that no longer exists.
	ErrStateStale = &Error{Kind: KindState, Code: CodeStateStale, Message: "build state is stale", Recoverable: true}
	// ErrLoggingFailed means an operation log write failed.
	ErrLoggingFailed = &Error{Kind: KindIO, Code: CodeLoggingFailed, Message: "operation log write failed"}
	// ErrUnitFailed means a batch unit failed and the run stopped.
	ErrUnitFailed = &Error{Kind: KindState, Code: CodeUnitFailed, Message: "batch unit failed", Recoverable: true}
	// ErrRunActive means another batch run holds the same build state.
	ErrRunActive = &Error{Kind: KindConflict, Code: CodeRunActive, Message: "another batch run is active", Recoverable: true}
)

// Error is the standard error type for wtguard.
type Error struct {
	// Kind is the category of the error.
	Kind Kind
	// Code narrows the Kind to a specific condition.
	Code Code
	// Op is the operation being performed when the error occurred.
	Op string
	// Message is a human-readable error message.
	Message string
	// Err is the underlying error.
	Err error
	// Recoverable indicates if the error can be recovered from.
	Recoverable bool
	// Details contains additional context about the error.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches this error.
// A target with a Code matches by Code. Otherwise a target without Op
// matches by Kind only, and a target with Op matches Kind and Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	if t.Op == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Op == t.Op
}

// WithDetails adds details to the error and returns the modified error.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail adds a single detail to the error and returns the modified error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// Newf creates a new Error with the given kind and formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, kind Kind, op string, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, kind Kind, op string, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// From derives a new error from a sentinel, keeping its Kind, Code and
// Recoverable flag while adding an operation, message and cause.
func From(sentinel *Error, op, message string, cause error) *Error {
	if message == "" {
		message = sentinel.Message
	}
	return &Error{
		Kind:        sentinel.Kind,
		Code:        sentinel.Code,
		Op:          op,
		Message:     message,
		Err:         cause,
		Recoverable: sentinel.Recoverable,
	}
}

// GetKind returns the Kind of an error.
// If the error is not an *Error, it returns KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetCode returns the Code of the outermost *Error carrying one.
func GetCode(err error) Code {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Code != "" {
			return e.Code
		}
		err = e.Err
	}
	return ""
}

// IsRecoverable returns true if the error is recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

// IsKind checks if an error is of a specific kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// Config creates a configuration error.
func Config(op, message string) *Error {
	return &Error{Kind: KindConfig, Op: op, Message: message}
}

// ConfigWrap wraps an error as a configuration error.
func ConfigWrap(err error, op, message string) *Error {
	return Wrap(err, KindConfig, op, message)
}

// Git creates a git operation error.
func Git(op, message string) *Error {
	return &Error{Kind: KindGit, Op: op, Message: message}
}

// GitWrap wraps an error as a git error.
func GitWrap(err error, op, message string) *Error {
	return Wrap(err, KindGit, op, message)
}

// Validation creates a validation error.
func Validation(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message, Recoverable: true}
}

// ValidationWrap wraps an error as a validation error.
func ValidationWrap(err error, op, message string) *Error {
	e := Wrap(err, KindValidation, op, message)
	e.Recoverable = true
	return e
}

// IOWrap wraps an error as an I/O error.
func IOWrap(err error, op, message string) *Error {
	return Wrap(err, KindIO, op, message)
}

// StateWrap wraps an error as a build state error.
func StateWrap(err error, op, message string) *Error {
	return Wrap(err, KindState, op, message)
}

// InternalWrap wraps an error as an internal error.
func InternalWrap(err error, op, message string) *Error {
	return Wrap(err, KindInternal, op, message)
}

// Sensitive data redaction patterns. Command output echoed on failure may
// contain remote URLs with embedded credentials or tokens from helpers.
var sensitivePatterns = []*regexp.Regexp{
	// GitHub tokens: ghp_..., gho_..., ghs_..., ghr_...
	regexp.MustCompile(`\bgh[posr]_[a-zA-Z0-9]{36,}\b`),
	// GitHub fine-grained tokens
	regexp.MustCompile(`\bgithub_pat_[a-zA-Z0-9_]{22,}\b`),
	// GitLab personal access tokens
	regexp.MustCompile(`\bglpat-[a-zA-Z0-9_-]{20,}\b`),
	// Generic bearer tokens
	regexp.MustCompile(`\bBearer\s+[a-zA-Z0-9_.-]{20,}\b`),
	// Basic auth with password in URL
	regexp.MustCompile(`://[^:/\s]+:[^@/\s]+@`),
}

// RedactSensitive removes credentials and tokens from a string.
func RedactSensitive(s string) string {
	result := s
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// RedactError creates a new error with sensitive data redacted from its message.
// If the error is nil, returns nil.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	redacted := RedactSensitive(err.Error())
	if redacted == err.Error() {
		return err
	}
	return fmt.Errorf("%s", redacted)
}

// IsSensitive checks if a string contains sensitive patterns.
func IsSensitive(s string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(s) {
			return true
		}
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "password") || strings.Contains(lower, "token")
}
