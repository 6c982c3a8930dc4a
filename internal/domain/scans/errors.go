package scans

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("scan not found")
	ErrForbidden           = errors.New("not allowed to access scan")
	ErrNotTerminal         = errors.New("scan is still in progress")
	ErrInsufficientCredits = errors.New("insufficient credits")

	// Dispatch outcomes. Only ErrWorkerTimeout is ambiguous: the worker may
	// still be processing the job.
	ErrWorkerTimeout     = errors.New("worker did not answer in time")
	ErrWorkerUnreachable = errors.New("worker unreachable")
	ErrWorkerRejected    = errors.New("worker rejected dispatcher credentials")
	ErrWorkerFailed      = errors.New("worker returned an error")
)

// ValidationError is returned for malformed input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
