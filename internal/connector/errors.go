package connector

import (
	"context"
	"errors"
	"net/http"
)

// transientError marks an error as retryable: network timeouts, rate limits,
// 5xx-equivalents. fatalError marks an error that will not succeed on retry
// without external intervention: authentication failures, validation errors.

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Transient wraps err as a retryable connector error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Fatal wraps err as a non-retryable connector error.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsTransient reports whether err is retryable. Timeouts and cancellations
// at the connector boundary count as transient per the retry policy.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether err was explicitly classified as fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// ClassifyStatus wraps err according to an HTTP-ish status code: 429 and 5xx
// are transient, everything else 4xx is fatal.
func ClassifyStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return Transient(err)
	default:
		return Fatal(err)
	}
}
