package pty

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	messages := []Message{
		NewStdinMessage([]byte("ls -la\r")),
		NewStdoutMessage([]byte{0x1b, '[', '2', 'J'}),
		{Type: MessageStdout, Payload: []byte{}},
	}
	var buf bytes.Buffer
	for _, message := range messages {
		if err := WriteMessage(&buf, message); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}
	for i, want := range messages {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage() #%d error = %v", i, err)
		}
		if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("message #%d = %+v, want %+v", i, got, want)
		}
	}
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	header := make([]byte, messageHeaderLength)
	header[0] = byte(MessageStdout)
	binary.LittleEndian.PutUint32(header[1:], MaxPayloadLength+1)
	if _, err := ReadMessage(bytes.NewReader(header)); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestReadMessageTruncated(t *testing.T) {
	var buf bytes.Buffer
	WriteMessage(&buf, NewStdoutMessage([]byte("hello")))
	truncated := buf.Bytes()[:buf.Len()-2]
	if _, err := ReadMessage(bytes.NewReader(truncated)); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestControlAndStatusPayloads(t *testing.T) {
	message, err := NewControlMessage(ControlCommand{Cmd: CommandResize, Cols: 132, Rows: 43})
	if err != nil {
		t.Fatal(err)
	}
	command, err := ParseControlCommand(message.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if command.Cmd != CommandResize || command.Cols != 132 || command.Rows != 43 {
		t.Fatalf("command = %+v", command)
	}

	code := 2
	message, err = NewStatusMessage(StatusUpdate{Status: StatusExited, PID: 42, ExitCode: &code})
	if err != nil {
		t.Fatal(err)
	}
	status, err := ParseStatusUpdate(message.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != StatusExited || status.PID != 42 || status.ExitCode == nil || *status.ExitCode != 2 {
		t.Fatalf("status = %+v", status)
	}

	if _, err := ParseStatusUpdate([]byte{0xff, 0x00}); err == nil {
		t.Fatal("expected error for garbage status payload")
	}
}
