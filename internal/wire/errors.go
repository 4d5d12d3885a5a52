package wire

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a decoding failure.
type ErrorKind int

const (
	KindInvalidFrame ErrorKind = iota + 1
	KindBadMagic
	KindUnsupportedVersion
	KindInvalidUTF8
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidFrame:
		return "invalid frame"
	case KindBadMagic:
		return "bad magic"
	case KindUnsupportedVersion:
		return "unsupported version"
	case KindInvalidUTF8:
		return "invalid utf-8 session id"
	default:
		return "unknown frame error"
	}
}

// FrameError is a protocol error scoped to a single frame. It never
// invalidates the connection the frame arrived on.
type FrameError struct {
	Kind   ErrorKind
	Detail string
}

func (e *FrameError) Error() string {
	if e.Detail == "" {
		return "wire: " + e.Kind.String()
	}
	return "wire: " + e.Kind.String() + ": " + e.Detail
}

// Is matches any FrameError of the same kind, so the sentinel values below
// work with errors.Is regardless of Detail.
func (e *FrameError) Is(target error) bool {
	other, ok := target.(*FrameError)
	return ok && other.Kind == e.Kind
}

var (
	ErrInvalidFrame       = &FrameError{Kind: KindInvalidFrame}
	ErrBadMagic           = &FrameError{Kind: KindBadMagic}
	ErrUnsupportedVersion = &FrameError{Kind: KindUnsupportedVersion}
	ErrInvalidUTF8        = &FrameError{Kind: KindInvalidUTF8}
)

// IsProtocolError reports whether err is a frame-level protocol error.
func IsProtocolError(err error) bool {
	var frameErr *FrameError
	return errors.As(err, &frameErr)
}

func frameError(kind ErrorKind, format string, args ...any) error {
	return &FrameError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
