package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"syscall"
)

// ErrorCategory represents the fault classes a build can end with
type ErrorCategory string

const (
	// Unreadable filesystem, malformed metadata, malformed package database
	ErrorCategoryInput ErrorCategory = "input"
	// Source content changed between scan and pack
	ErrorCategoryConsistency ErrorCategory = "consistency"
	// Descriptor or memory exhaustion
	ErrorCategoryResource ErrorCategory = "resource"
	// Invalid invocation, including an empty root filesystem
	ErrorCategoryUsage ErrorCategory = "usage"
	// Invalid settings
	ErrorCategoryConfiguration ErrorCategory = "configuration"
	// Build interrupted by the caller
	ErrorCategoryCanceled ErrorCategory = "canceled"
	ErrorCategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityWarning ErrorSeverity = "warning"
	ErrorSeverityFatal   ErrorSeverity = "fatal"
)

// Exit statuses reported by the CLI
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

// BuildError represents a categorized build failure
type BuildError struct {
	Category   ErrorCategory `json:"category"`
	Severity   ErrorSeverity `json:"severity"`
	Message    string        `json:"message"`
	Cause      error         `json:"-"`
	Operation  string        `json:"operation,omitempty"`
	Stage      string        `json:"stage,omitempty"`
	Path       string        `json:"path,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
}

// Error implements the error interface
func (e *BuildError) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Stage != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s in stage %s: %s", e.Category, e.Operation, e.Stage, msg)
	} else if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Category, e.Stage, msg)
	} else if e.Operation != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Category, e.Operation, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Category, msg)
}

// Unwrap returns the underlying error
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// IsFatal returns true if the error must abort the build
func (e *BuildError) IsFatal() bool {
	return e.Severity == ErrorSeverityFatal
}

// GetUserFriendlyMessage returns the message with its suggestion, if any
func (e *BuildError) GetUserFriendlyMessage() string {
	msg := e.Error()
	if e.Suggestion != "" {
		msg += "\n\nSuggestion: " + e.Suggestion
	}
	return msg
}

// ErrorBuilder helps construct BuildError instances with proper categorization
type ErrorBuilder struct {
	category   ErrorCategory
	severity   ErrorSeverity
	message    string
	cause      error
	operation  string
	stage      string
	path       string
	suggestion string
}

// NewErrorBuilder creates a new error builder
func NewErrorBuilder() *ErrorBuilder {
	return &ErrorBuilder{}
}

func (b *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	b.category = category
	return b
}

func (b *ErrorBuilder) Severity(severity ErrorSeverity) *ErrorBuilder {
	b.severity = severity
	return b
}

func (b *ErrorBuilder) Message(message string) *ErrorBuilder {
	b.message = message
	return b
}

func (b *ErrorBuilder) Messagef(format string, args ...interface{}) *ErrorBuilder {
	b.message = fmt.Sprintf(format, args...)
	return b
}

func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.cause = err
	return b
}

func (b *ErrorBuilder) Operation(operation string) *ErrorBuilder {
	b.operation = operation
	return b
}

func (b *ErrorBuilder) Stage(stage string) *ErrorBuilder {
	b.stage = stage
	return b
}

func (b *ErrorBuilder) Path(path string) *ErrorBuilder {
	b.path = path
	return b
}

func (b *ErrorBuilder) Suggestion(suggestion string) *ErrorBuilder {
	b.suggestion = suggestion
	return b
}

// Build creates the BuildError instance
func (b *ErrorBuilder) Build() *BuildError {
	if b.category == "" {
		b.category = categorizeCause(b.cause)
	}
	if b.severity == "" {
		b.severity = ErrorSeverityFatal
	}

	return &BuildError{
		Category:   b.category,
		Severity:   b.severity,
		Message:    b.message,
		Cause:      b.cause,
		Operation:  b.operation,
		Stage:      b.stage,
		Path:       b.path,
		Suggestion: b.suggestion,
	}
}

// categorizeCause derives a category from the underlying error
func categorizeCause(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryInternal
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryCanceled
	case IsResourceExhaustion(err):
		return ErrorCategoryResource
	default:
		return ErrorCategoryInput
	}
}

// IsResourceExhaustion reports descriptor, memory and disk exhaustion
func IsResourceExhaustion(err error) bool {
	var errno syscall.Errno
	if !stderrors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EMFILE, syscall.ENFILE, syscall.ENOMEM, syscall.ENOSPC:
		return true
	}
	return false
}

// NewInputError creates an error for unreadable or malformed inputs
func NewInputError(operation, message string, cause error) *BuildError {
	b := NewErrorBuilder().
		Operation(operation).
		Message(message).
		Cause(cause)
	if IsResourceExhaustion(cause) {
		b.Category(ErrorCategoryResource).
			Suggestion("Lower --jobs or raise the open file limit")
	} else {
		b.Category(ErrorCategoryInput)
	}
	return b.Build()
}

// NewConsistencyError creates an error for content that changed between scan and pack
func NewConsistencyError(operation, path, message string) *BuildError {
	return NewErrorBuilder().
		Category(ErrorCategoryConsistency).
		Operation(operation).
		Path(path).
		Message(message).
		Suggestion("The source filesystem was modified during the build; mount it read-only and retry").
		Build()
}

// NewUsageError creates an error for invalid invocations
func NewUsageError(operation, message string) *BuildError {
	return NewErrorBuilder().
		Category(ErrorCategoryUsage).
		Operation(operation).
		Message(message).
		Build()
}

// NewConfigurationError creates an error for invalid settings
func NewConfigurationError(operation, message string, cause error) *BuildError {
	return NewErrorBuilder().
		Category(ErrorCategoryConfiguration).
		Operation(operation).
		Message(message).
		Cause(cause).
		Suggestion("Check the command line flags and the build settings file").
		Build()
}

// NewInternalError creates an error for violated internal invariants
func NewInternalError(operation, message string, cause error) *BuildError {
	return NewErrorBuilder().
		Category(ErrorCategoryInternal).
		Operation(operation).
		Message(message).
		Cause(cause).
		Build()
}

// WrapError wraps an existing error with BuildError categorization,
// recording the stage it surfaced in
func WrapError(err error, stage string) *BuildError {
	if err == nil {
		return nil
	}

	var buildErr *BuildError
	if stderrors.As(err, &buildErr) {
		if buildErr.Stage == "" {
			buildErr.Stage = stage
		}
		return buildErr
	}

	return NewErrorBuilder().
		Message("failed").
		Cause(err).
		Stage(stage).
		Build()
}

// CategoryOf returns the category of err, or internal if it carries none
func CategoryOf(err error) ErrorCategory {
	var buildErr *BuildError
	if stderrors.As(err, &buildErr) {
		return buildErr.Category
	}
	if stderrors.Is(err, context.Canceled) {
		return ErrorCategoryCanceled
	}
	return ErrorCategoryInternal
}

// ExitCode maps an error to the process exit status
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch CategoryOf(err) {
	case ErrorCategoryUsage, ErrorCategoryConfiguration:
		return ExitUsage
	case ErrorCategoryCanceled:
		return ExitInterrupted
	default:
		return ExitFailure
	}
}
