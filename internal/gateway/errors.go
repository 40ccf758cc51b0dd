package gateway

import (
	"errors"
	"fmt"
	"time"

	"wabulk/internal/model"
)

// ErrUnavailable means the gateway could not take the request at all:
// network failure, 5xx, or missing configuration.
var ErrUnavailable = model.ErrGatewayUnavailable

// ErrNotConfigured is returned before any request when base URL is empty.
var ErrNotConfigured = fmt.Errorf("gateway not configured: %w", ErrUnavailable)

// Permanent marks a failure that retrying will not fix, such as a
// rejected chat id.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter carries the delay a throttled gateway asked for.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry a retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryDelay extracts the hint from err, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry after %s: %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Transient reports whether err is a gateway-wide problem rather than one
// about a single recipient.
func Transient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if _, ok := RetryDelay(err); ok {
		return true
	}
	return errors.Is(err, ErrUnavailable)
}
