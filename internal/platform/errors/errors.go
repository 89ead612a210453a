// Package errors defines the typed application errors shared by every layer
// of the service. Each error carries a Code that transports (HTTP, gRPC) map
// onto their own status vocabulary.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeNotFound      Code = "NOT_FOUND"
	ErrCodeDuplicate     Code = "DUPLICATE"
	ErrCodeConflict      Code = "CONFLICT"
	ErrCodeStaleState    Code = "STALE_STATE"
	ErrCodeInvalidInput  Code = "INVALID_INPUT"
	ErrCodeForbidden     Code = "FORBIDDEN"
	ErrCodeUnauthorized  Code = "UNAUTHORIZED"
	ErrCodeConfiguration Code = "CONFIGURATION"
	ErrCodeUnavailable   Code = "UNAVAILABLE"
	ErrCodeInternal      Code = "INTERNAL"
)

// AppError is the error type returned across package boundaries.
type AppError struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error. Connectivity
// failures are always reported as ErrCodeUnavailable regardless of the code
// requested, so callers never mistake a dead store for a logic failure.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	if IsConnectivity(err) {
		code = ErrCodeUnavailable
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource string, id any) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %v not found", resource, id)}
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// Duplicate reports an attempt to create something that already exists.
func Duplicate(resource string, key any) *AppError {
	return &AppError{Code: ErrCodeDuplicate, Message: fmt.Sprintf("%s %v already exists", resource, key)}
}

// StaleState reports a concurrent modification: the caller acted on a
// version of the row that is no longer current.
func StaleState(message string) *AppError {
	return &AppError{Code: ErrCodeStaleState, Message: message}
}

// Forbidden reports an authenticated caller lacking authority.
func Forbidden(message string) *AppError {
	return &AppError{Code: ErrCodeForbidden, Message: message}
}

// Configuration reports missing or inconsistent workflow configuration.
func Configuration(message string) *AppError {
	return &AppError{Code: ErrCodeConfiguration, Message: message}
}

// Unavailable reports that the store could not be reached.
func Unavailable(err error) *AppError {
	return &AppError{Code: ErrCodeUnavailable, Message: "store unavailable", Err: err}
}

// CodeOf returns the code of err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	if IsConnectivity(err) {
		return ErrCodeUnavailable
	}
	return ErrCodeInternal
}

// AsAppError returns the first *AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsConnectivity reports whether err means the store could not be reached
// (as opposed to the store rejecting a statement).
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var connectErr *pgconn.ConnectError
	if stderrors.As(err, &connectErr) {
		return true
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsForeignKeyViolation reports whether err is a PostgreSQL foreign_key_violation.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23503"
}
