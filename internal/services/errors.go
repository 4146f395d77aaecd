package services

import (
	"errors"
	"fmt"
)

// Error kinds the HTTP layer maps to status codes. Validation problems wrap
// ErrValidation so one errors.Is check covers them all.
var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderConflict    = errors.New("order is not awaiting payment")
	ErrOrderExpired     = errors.New("order has expired")
	ErrForbidden        = errors.New("order belongs to another partner")
	ErrInvalidSignature = errors.New("webhook signature mismatch")
	ErrValidation       = errors.New("invalid request")
)

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// UpstreamError marks a failure in a dependency we call over the network:
// a chain RPC node, a payment provider API, a rate feed. The HTTP layer
// turns these into 502 rather than blaming the caller.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func upstream(op string, err error) error {
	return &UpstreamError{Op: op, Err: err}
}
