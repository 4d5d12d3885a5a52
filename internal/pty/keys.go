package pty

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sys/unix"
)

// MapNamedKey translates a human-readable key name to its terminal byte
// sequence. Unknown names are returned as-is.
func MapNamedKey(key string) string {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "enter":
		return "\r"
	case "c-c":
		return "\x03"
	case "c-d":
		return "\x04"
	case "c-z":
		return "\x1a"
	case "c-l":
		return "\x0c"
	case "c-a":
		return "\x01"
	case "c-e":
		return "\x05"
	case "c-u":
		return "\x15"
	case "c-w":
		return "\x17"
	case "escape", "esc":
		return "\x1b"
	case "tab":
		return "\t"
	case "backspace":
		return "\x7f"
	case "up":
		return "\x1b[A"
	case "down":
		return "\x1b[B"
	case "right":
		return "\x1b[C"
	case "left":
		return "\x1b[D"
	case "home":
		return "\x1b[H"
	case "end":
		return "\x1b[F"
	case "pageup":
		return "\x1b[5~"
	case "pagedown":
		return "\x1b[6~"
	case "delete":
		return "\x1b[3~"
	default:
		return key
	}
}

// ParseCommand splits a command string into argv using shell quoting
// rules. Commands that need a shell (pipes, lists, expansions) are wrapped
// with "sh -c".
func ParseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, nil
	}
	if strings.ContainsAny(command, "\n|&;$`<>") {
		return []string{"sh", "-c", command}, nil
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	return argv, nil
}

// ParseSignal resolves a signal given as a name ("TERM", "SIGKILL") or a
// number. Empty means SIGTERM.
func ParseSignal(name string) (syscall.Signal, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return syscall.SIGTERM, nil
	}
	if number, err := strconv.Atoi(name); err == nil {
		if number <= 0 || number > 64 {
			return 0, fmt.Errorf("signal %d out of range", number)
		}
		return syscall.Signal(number), nil
	}
	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	signal := unix.SignalNum(upper)
	if signal == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return signal, nil
}
