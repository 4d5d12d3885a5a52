package transport

import (
	"errors"
	"fmt"
)

// AuthError means the server refused the credentials, or none were
// available for an auth mode that needs them. It is never retried.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: authentication failed (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrAuthRequired is returned by Connect before dialing when token auth is
// selected without a token.
var ErrAuthRequired = &AuthError{Err: errors.New("token auth mode needs a token")}

// TransportError wraps a failure of the underlying connection. The client
// retries these with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is an error frame sent by the server. The connection stays
// up.
type ServerError struct {
	SessionID string
	Message   string
}

func (e *ServerError) Error() string {
	if e.SessionID == "" {
		return "server: " + e.Message
	}
	return fmt.Sprintf("server: session %s: %s", e.SessionID, e.Message)
}

var ErrClosed = errors.New("transport: connection closed")
