package session

import "errors"

var (
	ErrNotFound    = errors.New("session not found")
	ErrExited      = errors.New("session has exited")
	ErrInvalidSize = errors.New("terminal size must be positive")
	ErrClosed      = errors.New("registry closed")
)
