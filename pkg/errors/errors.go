// Package errors defines the error taxonomy shared by the paginator, the
// upload session manager, and the ingestion server. Sentinels are matched with
// errors.Is; AppError attaches a message and an HTTP status.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrConfiguration      = errors.New("configuration error")
	ErrTransientTransport = errors.New("transient transport error")
	ErrRemoteRejection    = errors.New("remote rejected upload")
	ErrSessionNotFound    = errors.New("upload session not found")
	ErrSessionClosed      = errors.New("upload session is not active")
	ErrSourceChanged      = errors.New("source file changed since upload started")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConflict           = errors.New("conflicting chunk")
	ErrNotFound           = errors.New("not found")
	ErrInternal           = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Configf is shorthand for a configuration error, which never carries a
// meaningful HTTP status.
func Configf(format string, args ...any) *AppError {
	return Newf(ErrConfiguration, 0, format, args...)
}

// HTTPStatusCode maps an error to the status the ingestion server replies with.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, ErrTransientTransport):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus classifies a non-2xx reply from the ingestion endpoint.
// Server-side trouble and throttling are transient; every other client error
// means the upload itself was refused.
func FromHTTPStatus(statusCode int, message string) error {
	switch {
	case statusCode >= 500,
		statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout:
		return Newf(ErrTransientTransport, statusCode, "remote returned %d: %s", statusCode, message)
	case statusCode >= 400:
		return Newf(ErrRemoteRejection, statusCode, "remote returned %d: %s", statusCode, message)
	default:
		return Newf(ErrInternal, statusCode, "unexpected status %d: %s", statusCode, message)
	}
}

// IsRetryable reports whether err leaves the caller free to try the same
// operation again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientTransport)
}
