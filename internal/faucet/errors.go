package faucet

// ============================================================================
// Faucet API Error Definitions
// Purpose: Separate transport failures from errors reported by the faucet
// ============================================================================

import (
	"errors"
	"fmt"
)

// NetworkError is a transport-level failure: the request could not be sent,
// the connection failed, or the server answered with a non-success status
// and no error body.
type NetworkError struct {
	Op         string // API operation, e.g. "create session"
	StatusCode int    // HTTP status, 0 when no response was received
	Err        error  // Underlying error (if any)
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("faucet: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("faucet: %s: status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("faucet: %s: %v", e.Op, e.Err)
	}
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ApplicationError is a well-formed response that carries an `error` field.
// Message is the server text verbatim.
type ApplicationError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ApplicationError) Error() string {
	return e.Message
}

// IsNetworkError reports whether err is, or wraps, a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsApplicationError reports whether err is, or wraps, an ApplicationError.
func IsApplicationError(err error) bool {
	var ae *ApplicationError
	return errors.As(err, &ae)
}
