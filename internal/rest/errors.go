package rest

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned while the circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("rest: circuit open")

	// ErrBadRequest is returned when a request cannot be built.
	ErrBadRequest = errors.New("rest: invalid request")
)

// TransportError reports that no HTTP response was obtained: DNS, TLS,
// connection failures, timeouts, cancellation, or an open circuit.
// HTTP error statuses are never reported as TransportError.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
