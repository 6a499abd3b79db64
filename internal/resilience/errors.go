package resilience

import (
	"context"
	"errors"
	"net"
)

// TransientError marks a failure worth retrying: network faults, timeouts,
// rate limiting, upstream 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not improve on retry: malformed
// input, rejected credentials, unsupported formats.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as terminal. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err should be retried. Explicit Permanent
// markers win over anything found deeper in the chain. Unclassified errors
// are not transient, except deadlines and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsPermanent is the complement of IsTransient for non-nil errors.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}
