package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		frameType FrameType
		sessionID string
		payload   []byte
	}{
		{"global ping", TypePing, "", nil},
		{"stdout", TypeStdout, "6f1c2a", []byte("hello\r\n")},
		{"unicode session", TypeResize, "séance-☃", EncodeResize(120, 40)},
		{"binary payload", TypeInputText, "s", []byte{0x00, 0x1b, 0xff, 0x7f}},
		{"large payload", TypeSnapshot, "big", bytes.Repeat([]byte("x"), 70000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.frameType, tt.sessionID, tt.payload)
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if decoded.Type != tt.frameType {
				t.Errorf("type = %v, want %v", decoded.Type, tt.frameType)
			}
			if decoded.SessionID != tt.sessionID {
				t.Errorf("session id = %q, want %q", decoded.SessionID, tt.sessionID)
			}
			if !bytes.Equal(decoded.Payload, tt.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(decoded.Payload), len(tt.payload))
			}
		})
	}
}

func TestDecodeTruncatedNeverPanics(t *testing.T) {
	encoded := Encode(TypeStdout, "session-1", []byte("some terminal output"))
	for cut := 0; cut < len(encoded); cut++ {
		_, err := Decode(encoded[:cut])
		if !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("Decode(truncated at %d) error = %v, want ErrInvalidFrame", cut, err)
		}
	}
}

func TestDecodeBadMagic(t *testing.T) {
	encoded := Encode(TypeWelcome, "", []byte("{}"))
	for _, magic := range []uint16{0x0000, 0x5056, 0xffff, Magic + 1} {
		corrupted := append([]byte(nil), encoded...)
		binary.LittleEndian.PutUint16(corrupted[0:2], magic)
		if _, err := Decode(corrupted); !errors.Is(err, ErrBadMagic) {
			t.Errorf("magic 0x%04x: error = %v, want ErrBadMagic", magic, err)
		}
		// A short foreign buffer is still a magic error.
		if _, err := Decode(corrupted[:3]); !errors.Is(err, ErrBadMagic) {
			t.Errorf("magic 0x%04x short: error = %v, want ErrBadMagic", magic, err)
		}
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	encoded := Encode(TypePing, "", nil)
	encoded[2] = 2
	_, err := Decode(encoded)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("error = %v, want ErrUnsupportedVersion", err)
	}
	if !IsProtocolError(err) {
		t.Fatal("unsupported version should be a protocol error")
	}
}

func TestDecodeInvalidUTF8SessionID(t *testing.T) {
	encoded := Encode(TypeStdout, "ab", []byte("x"))
	encoded[fixedHeaderLength] = 0xff
	if _, err := Decode(encoded); !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("error = %v, want ErrInvalidUTF8", err)
	}
}

func TestDecodeTruncatedBeforeUTF8(t *testing.T) {
	encoded := Encode(TypeStdout, "ab", []byte("some output"))
	encoded[fixedHeaderLength] = 0xff
	for cut := fixedHeaderLength + 2 + payloadLengthSize; cut < len(encoded); cut++ {
		if _, err := Decode(encoded[:cut]); !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("Decode(truncated at %d) error = %v, want ErrInvalidFrame", cut, err)
		}
	}
}

func TestDecodeHostileLengths(t *testing.T) {
	encoded := Encode(TypeStdout, "id", []byte("payload"))

	sessionOverrun := append([]byte(nil), encoded...)
	binary.LittleEndian.PutUint32(sessionOverrun[4:8], 0xffffffff)
	if _, err := Decode(sessionOverrun); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("session id overrun: error = %v, want ErrInvalidFrame", err)
	}

	payloadOverrun := append([]byte(nil), encoded...)
	binary.LittleEndian.PutUint32(payloadOverrun[fixedHeaderLength+2:fixedHeaderLength+6], 0xfffffff0)
	if _, err := Decode(payloadOverrun); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("payload overrun: error = %v, want ErrInvalidFrame", err)
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	encoded := append(Encode(TypePong, "", nil), 0xde, 0xad)
	frame, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if frame.Type != TypePong || len(frame.Payload) != 0 {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestSubscribePayload(t *testing.T) {
	original := SubscribePayload{Flags: FlagStdout | FlagSnapshot, SnapshotMinIntervalMs: 100, SnapshotMaxIntervalMs: 2000}
	parsed, err := ParseSubscribePayload(original.Encode())
	if err != nil {
		t.Fatalf("ParseSubscribePayload() error = %v", err)
	}
	if parsed != original {
		t.Fatalf("parsed = %+v, want %+v", parsed, original)
	}

	flagsOnly := make([]byte, 4)
	binary.LittleEndian.PutUint32(flagsOnly, uint32(FlagSnapshot))
	parsed, err = ParseSubscribePayload(flagsOnly)
	if err != nil {
		t.Fatalf("flags-only payload error = %v", err)
	}
	if parsed.SnapshotMinInterval() != DefaultSnapshotMinInterval || parsed.SnapshotMaxInterval() != DefaultSnapshotMaxInterval {
		t.Fatalf("defaults not applied: min=%v max=%v", parsed.SnapshotMinInterval(), parsed.SnapshotMaxInterval())
	}

	empty, err := ParseSubscribePayload(nil)
	if err != nil || !empty.Flags.Has(FlagStdout) || !empty.Flags.Has(FlagEvents) {
		t.Fatalf("empty payload = %+v, %v", empty, err)
	}

	if _, err := ParseSubscribePayload([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for 3 byte payload")
	}

	inverted := SubscribePayload{SnapshotMinIntervalMs: 500, SnapshotMaxIntervalMs: 100}
	if inverted.SnapshotMaxInterval() != 500*time.Millisecond {
		t.Fatalf("max below min should clamp, got %v", inverted.SnapshotMaxInterval())
	}
}

func TestResizePayload(t *testing.T) {
	cols, rows, err := ParseResize(EncodeResize(132, 43))
	if err != nil || cols != 132 || rows != 43 {
		t.Fatalf("ParseResize = %d, %d, %v", cols, rows, err)
	}
	if _, _, err := ParseResize(EncodeResize(0, 10)); err == nil {
		t.Fatal("expected error for zero columns")
	}
	if _, _, err := ParseResize([]byte{1}); err == nil {
		t.Fatal("expected error for short payload")
	}
}

func TestServerEventFrame(t *testing.T) {
	code := 3
	event := ServerEvent{
		Kind:      EventSessionExited,
		SessionID: "abc",
		Time:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ExitCode:  &code,
	}
	frame, err := event.Frame()
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	decoded, err := Decode(frame.Encode())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	parsed, err := ParseServerEvent(decoded)
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if parsed.Kind != EventSessionExited || parsed.SessionID != "abc" || parsed.ExitCode == nil || *parsed.ExitCode != 3 {
		t.Fatalf("parsed = %+v", parsed)
	}
	if !parsed.Time.Equal(event.Time) {
		t.Fatalf("time = %v, want %v", parsed.Time, event.Time)
	}
}
