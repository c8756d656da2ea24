package common

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")
)

// Extraction pipeline errors.
var (
	// input errors: fatal, never retried
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCorruptImage      = errors.New("corrupt image")

	// timeout, network or rate limit from the remote model
	ErrTransientRemote = errors.New("transient remote error")

	// extractor failures: recovered by switching path
	ErrMalformedModelOutput = errors.New("malformed model output")
	ErrNoTextDetected       = errors.New("no text detected")
	// non-retryable rejection from the model provider (bad request, auth, unknown model)
	ErrRemoteRejected = errors.New("remote rejected request")

	ErrBudgetExceeded = errors.New("budget exceeded")
)

// Kind returns the taxonomy name used in record reasons and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedFormat):
		return "UnsupportedFormat"
	case errors.Is(err, ErrCorruptImage):
		return "CorruptImage"
	case errors.Is(err, ErrMalformedModelOutput):
		return "MalformedModelOutput"
	case errors.Is(err, ErrNoTextDetected):
		return "NoTextDetected"
	case errors.Is(err, ErrRemoteRejected):
		return "RemoteRejected"
	case errors.Is(err, ErrTransientRemote):
		return "TransientRemoteError"
	case errors.Is(err, ErrBudgetExceeded):
		return "BudgetExceeded"
	default:
		return "InternalError"
	}
}

// IsInputError reports whether err is fatal for the request.
func IsInputError(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrCorruptImage)
}

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func NotFoundError(message string) error {
	return status.Error(codes.NotFound, message)
}

func InternalError(message string) error {
	return status.Error(codes.Internal, message)
}

func InvalidArgumentErrorf(format string, args ...any) error {
	return InvalidArgumentError(fmt.Sprintf(format, args...))
}

func InternalErrorf(format string, args ...any) error {
	return InternalError(fmt.Sprintf(format, args...))
}
