package pty

import (
	"syscall"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"bash", []string{"bash"}},
		{"echo hello", []string{"echo", "hello"}},
		{"sh -c 'echo hello'", []string{"sh", "-c", "echo hello"}},
		{`printf "%s\n" "a b"`, []string{"printf", `%s\n`, "a b"}},
		{"echo hello | grep hello", []string{"sh", "-c", "echo hello | grep hello"}}, // pipes trigger sh -c
		{"cd /tmp\nls", []string{"sh", "-c", "cd /tmp\nls"}},                         // newlines trigger sh -c
		{"", nil},
	}
	for _, tt := range tests {
		result, err := ParseCommand(tt.input)
		if err != nil {
			t.Errorf("ParseCommand(%q) error = %v", tt.input, err)
			continue
		}
		if len(result) != len(tt.expected) {
			t.Errorf("ParseCommand(%q) = %q, want %q", tt.input, result, tt.expected)
			continue
		}
		for i, v := range result {
			if v != tt.expected[i] {
				t.Errorf("ParseCommand(%q)[%d] = %q, want %q", tt.input, i, v, tt.expected[i])
			}
		}
	}

	if _, err := ParseCommand(`echo "unterminated`); err == nil {
		t.Error("expected error for unterminated quote")
	}
}

func TestMapNamedKey(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{"Enter", "\r"},
		{"C-c", "\x03"},
		{"C-d", "\x04"},
		{"escape", "\x1b"},
		{"tab", "\t"},
		{"up", "\x1b[A"},
		{"down", "\x1b[B"},
		{"left", "\x1b[D"},
		{"right", "\x1b[C"},
		{"backspace", "\x7f"},
		{"PageUp", "\x1b[5~"},
		{"unknown", "unknown"},
	}
	for _, tt := range tests {
		result := MapNamedKey(tt.key)
		if result != tt.expected {
			t.Errorf("MapNamedKey(%q) = %q, want %q", tt.key, result, tt.expected)
		}
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name string
		want syscall.Signal
	}{
		{"", syscall.SIGTERM},
		{"TERM", syscall.SIGTERM},
		{"sigkill", syscall.SIGKILL},
		{"SIGINT", syscall.SIGINT},
		{"1", syscall.SIGHUP},
	}
	for _, tt := range tests {
		got, err := ParseSignal(tt.name)
		if err != nil || got != tt.want {
			t.Errorf("ParseSignal(%q) = %v, %v; want %v", tt.name, got, err, tt.want)
		}
	}
	for _, bad := range []string{"NOPE", "0", "99"} {
		if _, err := ParseSignal(bad); err == nil {
			t.Errorf("ParseSignal(%q) should fail", bad)
		}
	}
}
