package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrPermanentUnavailable means the provider can never serve this instrument
// (delisted, not entitled, unsupported). The engine skips the provider for the
// unit of work without retrying and falls through to the next priority.
var ErrPermanentUnavailable = errors.New("provider permanently unavailable for instrument")

// TransientError is a retryable failure (rate limit, 5xx, network). RetryAfter
// carries the server's pacing hint when one was supplied, zero otherwise.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient provider error (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// TransientWithHint wraps err as retryable with a server-supplied delay hint.
func TransientWithHint(err error, retryAfter time.Duration) error {
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

// AsTransient extracts the transient wrapper from an error chain.
func AsTransient(err error) (*TransientError, bool) {
	var te *TransientError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
