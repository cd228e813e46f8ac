package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common cases
var (
	// ErrTransient indicates a temporary error that should be retried
	ErrTransient = errors.New("transient error")

	// ErrPermanent indicates a permanent error that should not be retried
	ErrPermanent = errors.New("permanent error")

	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates authentication failure
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidInput indicates invalid input data
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("timeout")

	// ErrRateLimit indicates rate limiting
	ErrRateLimit = errors.New("rate limit exceeded")

	// ErrDuplicate indicates a uniqueness violation on (external issue id, platform)
	ErrDuplicate = errors.New("duplicate")

	// ErrBelowThreshold indicates a candidate whose amount is absent or under the minimum
	ErrBelowThreshold = errors.New("below threshold")

	// ErrCircuitOpen is returned while a circuit breaker rejects calls
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrInvalidTransition indicates a status change that would move an entity backwards
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// TransientError wraps an error to mark it as transient (retryable)
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient error: %v", e.Cause)
	}
	return "transient error"
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// NewTransient creates a new transient error
func NewTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// NewTransientf creates a new transient error with formatting
func NewTransientf(format string, args ...interface{}) error {
	return &TransientError{Cause: fmt.Errorf(format, args...)}
}

// PermanentError wraps an error to mark it as permanent (not retryable)
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("permanent error: %v", e.Cause)
	}
	return "permanent error"
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// NewPermanent creates a new permanent error
func NewPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

// NewPermanentf creates a new permanent error with formatting
func NewPermanentf(format string, args ...interface{}) error {
	return &PermanentError{Cause: fmt.Errorf(format, args...)}
}

// ParseError reports oracle output that could not be turned into a structured object.
type ParseError struct {
	// Snippet is a truncated copy of the offending text for logs.
	Snippet string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse error: %v (response: %q)", e.Cause, e.Snippet)
	}
	return fmt.Sprintf("parse error (response: %q)", e.Snippet)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// NewParseError builds a ParseError keeping at most 200 bytes of the raw text.
func NewParseError(raw string, cause error) error {
	snippet := raw
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	return &ParseError{Snippet: snippet, Cause: cause}
}

// IsTransient checks if an error is transient using errors.As
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check if explicitly marked as transient
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	// Check if explicitly marked as permanent
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	// Check for known sentinel errors
	if errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDuplicate) {
		return false
	}

	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimit) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Default to non-transient for safety (don't retry unknown errors)
	return false
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}

// IsParse reports whether err is (or wraps) a ParseError.
func IsParse(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate reports whether err wraps ErrDuplicate.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// ErrorClass is the coarse category the pipeline uses to decide what to do with a failure.
type ErrorClass int

const (
	ErrorClassUnknown ErrorClass = iota
	ErrorClassTransient
	ErrorClassPermanent
	ErrorClassParse
	ErrorClassNotFound
	ErrorClassDuplicate
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassPermanent:
		return "permanent"
	case ErrorClassParse:
		return "parse"
	case ErrorClassNotFound:
		return "not_found"
	case ErrorClassDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Message fragments seen on errors from HTTP clients and drivers that carry
// no typed information.
var (
	transientPatterns = []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"too many requests",
		"rate limit",
		"overloaded",
		"service unavailable",
		"gateway timeout",
		"bad gateway",
		"dial tcp",
		"i/o timeout",
		"eof",
		"broken pipe",
		"database is locked",
		"internal server error",
		"429",
		"500",
		"502",
		"503",
		"504",
	}

	permanentPatterns = []string{
		"unauthorized",
		"forbidden",
		"authentication",
		"invalid",
		"malformed",
		"permission denied",
		"not configured",
		"401",
		"403",
	}
)

// ClassifyError maps err onto an ErrorClass. Typed markers win over message
// heuristics; context cancellation is permanent so shutdowns are not retried.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}

	switch {
	case IsDuplicate(err):
		return ErrorClassDuplicate
	case IsNotFound(err):
		return ErrorClassNotFound
	case IsParse(err):
		return ErrorClassParse
	case errors.Is(err, context.Canceled):
		return ErrorClassPermanent
	case IsPermanent(err):
		return ErrorClassPermanent
	case IsTransient(err):
		return ErrorClassTransient
	case errors.Is(err, ErrCircuitOpen):
		return ErrorClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return ErrorClassTransient
		}
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(msg, pattern) {
			return ErrorClassPermanent
		}
	}
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
		return ErrorClassNotFound
	}

	return ErrorClassUnknown
}

// Retryable reports whether a retry loop should attempt err again.
func Retryable(err error) bool {
	return ClassifyError(err) == ErrorClassTransient
}
