package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrPayloadTooLarge is wrapped by every *PayloadTooLargeError.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrRateLimited is returned when a session exceeds its ingest rate.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ValidationError names the field a client must correct.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PayloadTooLargeError reports a payload above the configured limit.
// Payloads are never truncated.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload is %d bytes, limit is %d", e.Size, e.Limit)
}

func (e *PayloadTooLargeError) Unwrap() error { return ErrPayloadTooLarge }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
