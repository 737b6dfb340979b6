package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrEgressBlocked is returned by the transport for requests outside the allowlist.
	ErrEgressBlocked = errors.New("egress blocked")
	// ErrUnexpectedStatus means the backend answered with a non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrMalformedResponse means the backend body could not be parsed or lacked a required field.
	ErrMalformedResponse = errors.New("malformed response")
)

// ValidationError is returned for input rejected before any remote call is made.
// Validation failures are never recorded in the diagnostic log.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransportError is returned when a remote call did not indicate success.
// Every TransportError has already been recorded in the diagnostic log.
type TransportError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %v (status %d)", e.Method, e.Endpoint, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
