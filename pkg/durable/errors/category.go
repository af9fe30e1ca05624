// Package errors provides the durable error taxonomy and retry of transient
// persistence failures.
//
// Every failure that crosses the router boundary is an *Error carrying a
// Code. Stores mark retryable backend failures with Transient so writes can
// be retried with backoff before surfacing as CodeStoreError.
package errors

import (
	"errors"
)

// TransientError marks a backend failure that may succeed if retried,
// such as a locked SQLite database or a badger transaction conflict.
type TransientError struct {
	// Op is the store operation that failed.
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return "transient: " + e.Err.Error()
	}
	return e.Op + ": transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error, op string) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked with
// Transient. Unmarked errors are treated as permanent.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
