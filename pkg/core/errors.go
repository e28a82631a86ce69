// pkg/core/errors.go
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure classes shared by every layer. Callers test with errors.Is.
var (
	// ErrValidation marks input rejected before any remote call.
	ErrValidation = errors.New("validation failed")

	// ErrAuthExpired marks a mutation attempted without a valid session.
	ErrAuthExpired = errors.New("session expired")

	// ErrTransport marks an unreachable or timed-out store, blob store or feed.
	ErrTransport = errors.New("transport failure")

	// ErrNotFound marks a record that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks a mutation of a record the viewer does not own.
	ErrForbidden = errors.New("forbidden")

	// ErrStaleWrite marks an incoming copy older than the replica's. It is
	// absorbed by reconciliation and never returned to callers.
	ErrStaleWrite = errors.New("stale write")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validation builds a ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Transport wraps err as a transport failure of op. Errors already classified
// as auth, validation, not-found or forbidden are returned wrapped but unchanged in class.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// IsTransient reports whether err is a transport-level failure, including
// timeouts, cancellations and network errors that were not wrapped yet.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
