// Package wire implements the WS v3 frame format carried by the multiplexed
// transport. One frame travels per websocket binary message.
//
// Layout, all integers little-endian:
//
//	magic:u16 | version:u8 | type:u8 | sessionIdLen:u32 | sessionId | payloadLen:u32 | payload
//
// An empty session id marks a global frame (handshake, keepalive, server-wide
// events).
package wire

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

const (
	// Magic identifies the protocol family ("PV" on the wire).
	Magic uint16 = 0x5650

	// Version is the only frame version this package accepts.
	Version uint8 = 3

	// fixedHeaderLength covers magic, version, type and the session id
	// length prefix.
	fixedHeaderLength = 8

	payloadLengthSize = 4
)

// FrameType discriminates frames.
type FrameType uint8

const (
	TypeHello       FrameType = 1
	TypeWelcome     FrameType = 2
	TypeSubscribe   FrameType = 10
	TypeUnsubscribe FrameType = 11
	TypeStdout      FrameType = 20
	TypeSnapshot    FrameType = 21
	TypeEvent       FrameType = 22
	TypeError       FrameType = 23
	TypeInputText   FrameType = 30
	TypeInputKey    FrameType = 31
	TypeResize      FrameType = 32
	TypeKill        FrameType = 33
	TypeResetSize   FrameType = 34
	TypePing        FrameType = 40
	TypePong        FrameType = 41
)

var frameTypeNames = map[FrameType]string{
	TypeHello:       "hello",
	TypeWelcome:     "welcome",
	TypeSubscribe:   "subscribe",
	TypeUnsubscribe: "unsubscribe",
	TypeStdout:      "stdout",
	TypeSnapshot:    "snapshot",
	TypeEvent:       "event",
	TypeError:       "error",
	TypeInputText:   "input-text",
	TypeInputKey:    "input-key",
	TypeResize:      "resize",
	TypeKill:        "kill",
	TypeResetSize:   "reset-size",
	TypePing:        "ping",
	TypePong:        "pong",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Known reports whether t is one of the defined frame types.
func (t FrameType) Known() bool {
	_, ok := frameTypeNames[t]
	return ok
}

// Frame is one decoded WS v3 message.
type Frame struct {
	Type      FrameType
	SessionID string
	Payload   []byte
}

// Global reports whether the frame is not scoped to a session.
func (f Frame) Global() bool {
	return f.SessionID == ""
}

// Encode serializes the frame. See the package-level Encode.
func (f Frame) Encode() []byte {
	return Encode(f.Type, f.SessionID, f.Payload)
}

// Encode serializes a frame. It never fails: callers are responsible for
// passing a valid type and a UTF-8 session id.
func Encode(frameType FrameType, sessionID string, payload []byte) []byte {
	buf := make([]byte, fixedHeaderLength+len(sessionID)+payloadLengthSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = byte(frameType)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(sessionID)))
	offset := fixedHeaderLength
	offset += copy(buf[offset:], sessionID)
	binary.LittleEndian.PutUint32(buf[offset:offset+payloadLengthSize], uint32(len(payload)))
	offset += payloadLengthSize
	copy(buf[offset:], payload)
	return buf
}

// Decode parses one frame from buf. Bytes past the end of the payload are
// ignored. The returned payload aliases buf.
//
// Magic is checked before length so that a foreign buffer is always
// reported as ErrBadMagic, however short it is past the first two bytes.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < 2 {
		return Frame{}, frameError(KindInvalidFrame, "buffer of %d bytes is shorter than the magic", len(buf))
	}
	if magic := binary.LittleEndian.Uint16(buf[0:2]); magic != Magic {
		return Frame{}, frameError(KindBadMagic, "got 0x%04x, want 0x%04x", magic, Magic)
	}
	if len(buf) < fixedHeaderLength {
		return Frame{}, frameError(KindInvalidFrame, "buffer of %d bytes is shorter than the %d byte header", len(buf), fixedHeaderLength)
	}
	if version := buf[2]; version != Version {
		return Frame{}, frameError(KindUnsupportedVersion, "got %d, want %d", version, Version)
	}
	frameType := FrameType(buf[3])

	// Lengths are widened to uint64 so a hostile u32 cannot wrap the
	// bounds arithmetic on 32-bit platforms.
	sessionIDLength := uint64(binary.LittleEndian.Uint32(buf[4:8]))
	sessionIDEnd := uint64(fixedHeaderLength) + sessionIDLength
	if sessionIDEnd+payloadLengthSize > uint64(len(buf)) {
		return Frame{}, frameError(KindInvalidFrame, "session id length %d overruns %d byte buffer", sessionIDLength, len(buf))
	}
	payloadLength := uint64(binary.LittleEndian.Uint32(buf[sessionIDEnd : sessionIDEnd+payloadLengthSize]))
	payloadStart := sessionIDEnd + payloadLengthSize
	if payloadStart+payloadLength > uint64(len(buf)) {
		return Frame{}, frameError(KindInvalidFrame, "payload length %d overruns %d byte buffer", payloadLength, len(buf))
	}

	// A truncated frame is reported as such before its contents are judged.
	sessionIDBytes := buf[fixedHeaderLength:sessionIDEnd]
	if !utf8.Valid(sessionIDBytes) {
		return Frame{}, frameError(KindInvalidUTF8, "session id is not valid UTF-8")
	}

	return Frame{
		Type:      frameType,
		SessionID: string(sessionIDBytes),
		Payload:   buf[payloadStart : payloadStart+payloadLength],
	}, nil
}
