package transport

import (
	"errors"
	"fmt"
)

// Status is the plugin status code every transport reports through. Values
// other than Success implement error.
type Status int32

// Status codes shared by all transports. Callers match them with errors.Is.
const (
	Success Status = iota
	ErrGeneric
	ErrNoDevice
	ErrInvalidArgument
	ErrNoMemory
	ErrNoBufferSpace
	ErrAgain
	ErrNotImplemented
	ErrTimedOut
	ErrConnectionRefused
)

// Error returns the human-readable status message.
func (s Status) Error() string {
	return s.String()
}

// String returns the message for the Status.
func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case ErrGeneric:
		return "generic error"
	case ErrNoDevice:
		return "no device"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrNoMemory:
		return "out of memory"
	case ErrNoBufferSpace:
		return "no buffer space available"
	case ErrAgain:
		return "resource temporarily unavailable"
	case ErrNotImplemented:
		return "not implemented"
	case ErrTimedOut:
		return "timed out"
	case ErrConnectionRefused:
		return "connection refused"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// WithOp adds operation context to the Status.
func (s Status) WithOp(op string) error {
	if op == "" {
		return s
	}
	return fmt.Errorf("%s: %w", op, s)
}

// StatusOf extracts the Status carried by err. Errors that wrap no Status map
// to ErrGeneric; a nil error maps to Success.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return ErrGeneric
}

// Strerror renders err the way transports report it to hosts.
func Strerror(err error) string {
	if err == nil {
		return Success.String()
	}
	return err.Error()
}
