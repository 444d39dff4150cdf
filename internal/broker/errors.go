package broker

import (
	"errors"
	"fmt"
)

// TransportError wraps a network-level failure (connection refused, timeout,
// malformed body). Callers retry these with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BusinessRejection is a non-success envelope from the broker: the request
// reached it and was refused (insufficient margin, bad symbol, ...).
// These are never retried.
type BusinessRejection struct {
	Op      string
	Message string
}

func (e *BusinessRejection) Error() string {
	return fmt.Sprintf("broker %s: rejected: %s", e.Op, e.Message)
}

// IsTransport reports whether err is retryable at the transport level.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejection reports whether the broker refused the request.
func IsRejection(err error) bool {
	var be *BusinessRejection
	return errors.As(err, &be)
}
