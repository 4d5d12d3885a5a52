package pty

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/user/ptymux/internal/codec"
)

// MessageType identifies a message on the control socket. Each message is
// a 5-byte header (1 byte type + 4 byte little-endian payload length)
// followed by the payload.
type MessageType byte

const (
	// MessageStdin carries raw bytes for the PTY. Peer to link.
	MessageStdin MessageType = 0x01

	// MessageControl carries a CBOR ControlCommand. Peer to link.
	MessageControl MessageType = 0x02

	// MessageStatus carries a CBOR StatusUpdate. Link to peer.
	MessageStatus MessageType = 0x03

	// MessageStdout carries raw PTY output. Link to peer.
	MessageStdout MessageType = 0x04
)

func (t MessageType) String() string {
	switch t {
	case MessageStdin:
		return "stdin"
	case MessageControl:
		return "control"
	case MessageStatus:
		return "status"
	case MessageStdout:
		return "stdout"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

const messageHeaderLength = 5

// MaxPayloadLength bounds a single message. A full flow batch of terminal
// output is far below this.
const MaxPayloadLength = 16 * 1024 * 1024

// Message is a single control socket message.
type Message struct {
	Type    MessageType
	Payload []byte
}

// WriteMessage writes a framed message to w in a single Write call.
func WriteMessage(w io.Writer, message Message) error {
	if len(message.Payload) > MaxPayloadLength {
		return fmt.Errorf("payload length %d exceeds maximum %d", len(message.Payload), MaxPayloadLength)
	}
	frame := make([]byte, messageHeaderLength+len(message.Payload))
	frame[0] = byte(message.Type)
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(message.Payload)))
	copy(frame[messageHeaderLength:], message.Payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s message: %w", message.Type, err)
	}
	return nil
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var header [messageHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, fmt.Errorf("read message header: %w", err)
	}
	messageType := MessageType(header[0])
	payloadLength := binary.LittleEndian.Uint32(header[1:5])
	if payloadLength > MaxPayloadLength {
		return Message{}, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, MaxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("read message payload: %w", err)
		}
	}
	return Message{Type: messageType, Payload: payload}, nil
}

// Command names for ControlCommand.Cmd.
const (
	CommandResize = "resize"
	CommandTitle  = "title"
	CommandKill   = "kill"
)

// ControlCommand is the payload of a MessageControl message.
type ControlCommand struct {
	Cmd    string `cbor:"cmd"`
	Cols   uint16 `cbor:"cols,omitempty"`
	Rows   uint16 `cbor:"rows,omitempty"`
	Title  string `cbor:"title,omitempty"`
	Signal string `cbor:"signal,omitempty"`
}

// Status values for StatusUpdate.Status.
const (
	StatusRunning = "running"
	StatusResized = "resized"
	StatusExited  = "exited"

	// StatusPaused and StatusResumed report output flow control: PTY reads
	// stop while paused.
	StatusPaused  = "paused"
	StatusResumed = "resumed"
)

// StatusUpdate is the payload of a MessageStatus message.
type StatusUpdate struct {
	Status   string `cbor:"status"`
	PID      int    `cbor:"pid,omitempty"`
	Cols     uint16 `cbor:"cols,omitempty"`
	Rows     uint16 `cbor:"rows,omitempty"`
	ExitCode *int   `cbor:"exitCode,omitempty"`
	Title    string `cbor:"title,omitempty"`

	PendingLines int `cbor:"pendingLines,omitempty"`
}

// NewStdinMessage creates a message carrying keystrokes for the PTY.
func NewStdinMessage(data []byte) Message {
	return Message{Type: MessageStdin, Payload: data}
}

// NewStdoutMessage creates a message carrying PTY output.
func NewStdoutMessage(data []byte) Message {
	return Message{Type: MessageStdout, Payload: data}
}

// NewControlMessage encodes a control command.
func NewControlMessage(command ControlCommand) (Message, error) {
	payload, err := codec.Marshal(command)
	if err != nil {
		return Message{}, fmt.Errorf("encode control command: %w", err)
	}
	return Message{Type: MessageControl, Payload: payload}, nil
}

// NewStatusMessage encodes a status update.
func NewStatusMessage(status StatusUpdate) (Message, error) {
	payload, err := codec.Marshal(status)
	if err != nil {
		return Message{}, fmt.Errorf("encode status update: %w", err)
	}
	return Message{Type: MessageStatus, Payload: payload}, nil
}

// ParseControlCommand decodes a control payload.
func ParseControlCommand(payload []byte) (ControlCommand, error) {
	var command ControlCommand
	if err := codec.Unmarshal(payload, &command); err != nil {
		return ControlCommand{}, fmt.Errorf("decode control command: %w", err)
	}
	return command, nil
}

// ParseStatusUpdate decodes a status payload.
func ParseStatusUpdate(payload []byte) (StatusUpdate, error) {
	var status StatusUpdate
	if err := codec.Unmarshal(payload, &status); err != nil {
		return StatusUpdate{}, fmt.Errorf("decode status update: %w", err)
	}
	return status, nil
}
