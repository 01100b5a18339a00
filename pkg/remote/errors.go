package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass buckets remote failures by how the caller should react.
type ErrorClass int

const (
	// ClassTransient covers timeouts, resets, DNS failures and 5xx responses.
	// Safe to retry with backoff.
	ClassTransient ErrorClass = iota

	// ClassAuth means the access token was rejected. Refresh and retry
	// immediately; does not consume a backoff step.
	ClassAuth

	// ClassValidation means the server rejected the payload itself.
	// Retrying the same payload can never succeed.
	ClassValidation
)

func (c ErrorClass) String() string {
	switch c {
	case ClassAuth:
		return "auth"
	case ClassValidation:
		return "validation"
	default:
		return "transient"
	}
}

// Error wraps a remote store failure with its classification.
type Error struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrNoSession is returned when an operation needs credentials but none exist.
var ErrNoSession = errors.New("no active session")

func wrapErr(op string, class ErrorClass, err error) error {
	return &Error{Class: class, Op: op, Err: err}
}

// NewValidationError marks err as a permanent payload rejection.
func NewValidationError(op string, err error) error {
	return wrapErr(op, ClassValidation, err)
}

// ClassOf extracts the classification from an error. Unknown errors are
// treated as transient: timeouts, connection resets and other plumbing
// failures all arrive as plain net/context errors, and retrying is the
// only safe default for those.
func ClassOf(err error) ErrorClass {
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}

// IsAuth reports whether err is an auth-expired failure.
func IsAuth(err error) bool {
	return ClassOf(err) == ClassAuth
}

// IsValidation reports whether err is a permanent payload rejection.
func IsValidation(err error) bool {
	return ClassOf(err) == ClassValidation
}
