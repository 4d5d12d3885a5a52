package vt

import (
	"bytes"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

const escape = 0x1b

// HasEscape reports whether data contains an ESC byte.
func HasEscape(data []byte) bool {
	return bytes.IndexByte(data, escape) >= 0
}

// ContainsClear reports whether data erases the whole visible screen:
// ED 2 (ESC[2J), ED 3 (ESC[3J, screen plus scrollback) or a full reset
// (ESC c). Output following such a sequence does not depend on anything
// drawn before it, which is what makes it a replay pruning boundary.
func ContainsClear(data []byte) bool {
	found := false
	walkSequences(data, func(_ int, sequence string) bool {
		if isClearSequence(sequence) {
			found = true
			return false
		}
		return true
	})
	return found
}

// ContainsAltScreen reports whether data switches into or out of the
// alternate screen buffer (DECSET/DECRST 47, 1047, 1049).
func ContainsAltScreen(data []byte) bool {
	found := false
	walkSequences(data, func(_ int, sequence string) bool {
		if isAltScreenSequence(sequence) {
			found = true
			return false
		}
		return true
	})
	return found
}

// IsStructural reports whether losing data would corrupt a viewer's
// rendered state beyond a cosmetic gap.
func IsStructural(data []byte) bool {
	structural := false
	walkSequences(data, func(_ int, sequence string) bool {
		if isClearSequence(sequence) || isAltScreenSequence(sequence) {
			structural = true
			return false
		}
		return true
	})
	return structural
}

// LastClear returns the offset of the last full-screen clear in data, or -1.
func LastClear(data []byte) int {
	last := -1
	walkSequences(data, func(offset int, sequence string) bool {
		if isClearSequence(sequence) {
			last = offset
		}
		return true
	})
	return last
}

// walkSequences calls visit with the offset of every escape sequence in
// data until visit returns false. Plain text is skipped without decoding.
func walkSequences(data []byte, visit func(offset int, sequence string) bool) {
	start := bytes.IndexByte(data, escape)
	if start < 0 {
		return
	}
	remaining := string(data[start:])
	var state byte
	for len(remaining) > 0 {
		sequence, width, byteCount, newState := ansi.DecodeSequence(remaining, state, nil)
		state = newState
		if byteCount <= 0 {
			byteCount = 1
		}
		if width == 0 && strings.HasPrefix(sequence, "\x1b") {
			if !visit(len(data)-len(remaining), sequence) {
				return
			}
		}
		remaining = remaining[byteCount:]
	}
}

func isClearSequence(sequence string) bool {
	if sequence == "\x1bc" {
		return true
	}
	params, ok := csiParams(sequence, "", 'J')
	return ok && (params == "2" || params == "3")
}

func isAltScreenSequence(sequence string) bool {
	params, ok := csiParams(sequence, "?", 'h')
	if !ok {
		params, ok = csiParams(sequence, "?", 'l')
	}
	if !ok {
		return false
	}
	for _, mode := range strings.Split(params, ";") {
		switch mode {
		case "47", "1047", "1049":
			return true
		}
	}
	return false
}

// csiParams returns the parameter bytes of a CSI sequence with the given
// private marker and final byte.
func csiParams(sequence, marker string, final byte) (string, bool) {
	prefix := "\x1b[" + marker
	if len(sequence) < len(prefix)+1 || !strings.HasPrefix(sequence, prefix) || sequence[len(sequence)-1] != final {
		return "", false
	}
	return sequence[len(prefix) : len(sequence)-1], true
}
