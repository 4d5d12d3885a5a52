// Package vt holds the terminal-aware helpers shared by the flow-control
// buffer, the replay pruner and snapshot subscriptions: escape sequence
// classification and a server-side screen model.
//
// The screen wraps hinshun/vt10x; ptymux does not define emulation rules of
// its own, it only renders whatever the emulator holds into snapshots.
package vt

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/hinshun/vt10x"
)

// Snapshot is the rendered state of a screen at one point in time. It is
// the JSON payload of snapshot frames.
type Snapshot struct {
	Cols      int      `json:"cols"`
	Rows      int      `json:"rows"`
	CursorRow int      `json:"cursorRow"`
	CursorCol int      `json:"cursorCol"`
	Lines     []string `json:"lines"`
	Version   uint64   `json:"version"`
}

// Encode returns the snapshot as a frame payload.
func (s Snapshot) Encode() []byte {
	data, _ := json.Marshal(s)
	return data
}

// Screen tracks the visible contents of one session's terminal.
type Screen struct {
	mu      sync.Mutex
	term    vt10x.Terminal
	cols    int
	rows    int
	version uint64
}

// NewScreen creates a screen with the given dimensions.
func NewScreen(cols, rows int) *Screen {
	return &Screen{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Write feeds raw PTY output into the emulator.
func (s *Screen) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.term.Write(data)
	s.version++
}

// Resize changes the emulator dimensions.
func (s *Screen) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cols == s.cols && rows == s.rows {
		return
	}
	s.term.Resize(cols, rows)
	s.cols = cols
	s.rows = rows
	s.version++
}

// Version increases every time the screen contents may have changed.
func (s *Screen) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Snapshot renders the current screen as plain text lines, trailing blanks
// trimmed.
func (s *Screen) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.term.Lock()
	defer s.term.Unlock()

	cursor := s.term.Cursor()
	snapshot := Snapshot{
		Cols:      s.cols,
		Rows:      s.rows,
		CursorRow: cursor.Y,
		CursorCol: cursor.X,
		Lines:     make([]string, s.rows),
		Version:   s.version,
	}

	var line strings.Builder
	for y := 0; y < s.rows; y++ {
		line.Reset()
		for x := 0; x < s.cols; x++ {
			ch := s.term.Cell(x, y).Char
			if ch == 0 {
				ch = ' '
			}
			line.WriteRune(ch)
		}
		snapshot.Lines[y] = strings.TrimRight(line.String(), " ")
	}
	return snapshot
}
