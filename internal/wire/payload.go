package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/ptymux/internal/codec"
)

// AuthMode names how a client authenticates at connection time.
type AuthMode string

const (
	AuthNone  AuthMode = "none"
	AuthToken AuthMode = "token"
)

// HelloPayload is the JSON body of the client's handshake frame.
type HelloPayload struct {
	AuthMode   AuthMode `json:"authMode"`
	ClientName string   `json:"clientName,omitempty"`
}

// WelcomePayload is the JSON body of the server's handshake answer.
type WelcomePayload struct {
	ServerVersion string `json:"serverVersion"`
	ClientID      string `json:"clientId"`
	Sessions      int    `json:"sessions"`
}

// NewHelloFrame builds the handshake frame a client sends after dialing.
func NewHelloFrame(hello HelloPayload) Frame {
	payload, _ := json.Marshal(hello)
	return Frame{Type: TypeHello, Payload: payload}
}

// NewWelcomeFrame builds the server's handshake answer.
func NewWelcomeFrame(welcome WelcomePayload) Frame {
	payload, _ := json.Marshal(welcome)
	return Frame{Type: TypeWelcome, Payload: payload}
}

// SubscribeFlags selects what a subscription delivers.
type SubscribeFlags uint32

const (
	FlagStdout SubscribeFlags = 1 << iota
	FlagSnapshot
	FlagEvents
)

func (f SubscribeFlags) Has(flag SubscribeFlags) bool {
	return f&flag != 0
}

const (
	DefaultSnapshotMinInterval = 50 * time.Millisecond
	DefaultSnapshotMaxInterval = time.Second
)

// SubscribePayload is the body of subscribe frames: three u32 LE fields.
// Trailing fields may be omitted and take their defaults.
type SubscribePayload struct {
	Flags                 SubscribeFlags
	SnapshotMinIntervalMs uint32
	SnapshotMaxIntervalMs uint32
}

// SnapshotMinInterval returns the lower bound between two snapshots.
func (p SubscribePayload) SnapshotMinInterval() time.Duration {
	if p.SnapshotMinIntervalMs == 0 {
		return DefaultSnapshotMinInterval
	}
	return time.Duration(p.SnapshotMinIntervalMs) * time.Millisecond
}

// SnapshotMaxInterval returns the longest a snapshot subscriber waits for a
// refresh. Never below the minimum.
func (p SubscribePayload) SnapshotMaxInterval() time.Duration {
	maximum := DefaultSnapshotMaxInterval
	if p.SnapshotMaxIntervalMs != 0 {
		maximum = time.Duration(p.SnapshotMaxIntervalMs) * time.Millisecond
	}
	if minimum := p.SnapshotMinInterval(); maximum < minimum {
		return minimum
	}
	return maximum
}

// Encode serializes the subscribe body.
func (p SubscribePayload) Encode() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Flags))
	binary.LittleEndian.PutUint32(buf[4:8], p.SnapshotMinIntervalMs)
	binary.LittleEndian.PutUint32(buf[8:12], p.SnapshotMaxIntervalMs)
	return buf
}

// ParseSubscribePayload decodes a subscribe body. An empty body subscribes
// to stdout and events.
func ParseSubscribePayload(payload []byte) (SubscribePayload, error) {
	if len(payload) == 0 {
		return SubscribePayload{Flags: FlagStdout | FlagEvents}, nil
	}
	if len(payload)%4 != 0 || len(payload) > 12 {
		return SubscribePayload{}, fmt.Errorf("subscribe payload must be 4, 8 or 12 bytes, got %d", len(payload))
	}
	var parsed SubscribePayload
	parsed.Flags = SubscribeFlags(binary.LittleEndian.Uint32(payload[0:4]))
	if len(payload) >= 8 {
		parsed.SnapshotMinIntervalMs = binary.LittleEndian.Uint32(payload[4:8])
	}
	if len(payload) == 12 {
		parsed.SnapshotMaxIntervalMs = binary.LittleEndian.Uint32(payload[8:12])
	}
	return parsed, nil
}

// EncodeResize builds the four byte resize body: cols then rows, u16 LE.
func EncodeResize(cols, rows uint16) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], cols)
	binary.LittleEndian.PutUint16(buf[2:4], rows)
	return buf
}

// ParseResize extracts the dimensions from a resize body.
func ParseResize(payload []byte) (cols, rows uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, fmt.Errorf("resize payload must be 4 bytes, got %d", len(payload))
	}
	cols = binary.LittleEndian.Uint16(payload[0:2])
	rows = binary.LittleEndian.Uint16(payload[2:4])
	if cols == 0 || rows == 0 {
		return 0, 0, fmt.Errorf("resize to %dx%d: dimensions must be positive", cols, rows)
	}
	return cols, rows, nil
}

// EventKind names a structured server event.
type EventKind string

const (
	EventSessionCreated EventKind = "session-created"
	EventSessionExited  EventKind = "session-exited"
	EventSessionRemoved EventKind = "session-removed"
	EventResized        EventKind = "resized"
	EventTitle          EventKind = "title"
	EventFlowPaused     EventKind = "flow-paused"
	EventFlowResumed    EventKind = "flow-resumed"
	EventNotice         EventKind = "notice"
)

// ServerEvent is the structured body of event frames, CBOR-encoded. The
// frame's session id is empty for server-wide events.
type ServerEvent struct {
	Kind      EventKind `cbor:"kind" json:"kind"`
	SessionID string    `cbor:"sessionId,omitempty" json:"sessionId,omitempty"`
	Time      time.Time `cbor:"time" json:"time"`
	Name      string    `cbor:"name,omitempty" json:"name,omitempty"`
	ExitCode  *int      `cbor:"exitCode,omitempty" json:"exitCode,omitempty"`
	Cols      uint16    `cbor:"cols,omitempty" json:"cols,omitempty"`
	Rows      uint16    `cbor:"rows,omitempty" json:"rows,omitempty"`
	Title     string    `cbor:"title,omitempty" json:"title,omitempty"`
	Message   string    `cbor:"message,omitempty" json:"message,omitempty"`
}

// Frame wraps the event in an event frame.
func (e ServerEvent) Frame() (Frame, error) {
	payload, err := codec.Marshal(e)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s event: %w", e.Kind, err)
	}
	return Frame{Type: TypeEvent, SessionID: e.SessionID, Payload: payload}, nil
}

// ParseServerEvent decodes an event frame body. The frame's session id wins
// over the one in the body.
func ParseServerEvent(frame Frame) (ServerEvent, error) {
	var event ServerEvent
	if err := codec.Unmarshal(frame.Payload, &event); err != nil {
		return ServerEvent{}, fmt.Errorf("decode server event: %w", err)
	}
	if frame.SessionID != "" {
		event.SessionID = frame.SessionID
	}
	return event, nil
}

// NewErrorFrame builds an error frame carrying a human-readable message.
func NewErrorFrame(sessionID, message string) Frame {
	return Frame{Type: TypeError, SessionID: sessionID, Payload: []byte(message)}
}
