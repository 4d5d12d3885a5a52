package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	FileName = "stdout.cast"
	fileMode = 0o600
)

var ErrWriterClosed = errors.New("recording: writer closed")

// Writer appends events to a recording. Each event is written with a single
// Write call so concurrent readers of the file see whole lines only, apart
// from a possible torn last line after a crash.
type Writer struct {
	mu      sync.Mutex
	out     io.Writer
	closer  io.Closer
	start   time.Time
	now     func() time.Time
	pending []byte
	events  int
	written int64
	closed  bool
}

// Create opens a new recording file at path and writes its header. It
// refuses to overwrite an existing recording.
func Create(path string, header Header) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, fileMode)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	w, err := NewWriter(f, header)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter writes header to out and returns a writer for its events.
// Zero header fields are filled in: version and timestamp.
func NewWriter(out io.Writer, header Header) (*Writer, error) {
	return newWriter(out, header, time.Now)
}

func newWriter(out io.Writer, header Header, now func() time.Time) (*Writer, error) {
	start := now()
	if header.Version == 0 {
		header.Version = FormatVersion
	}
	if header.Timestamp == 0 {
		header.Timestamp = start.Unix()
	}
	line, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode recording header: %w", err)
	}
	if _, err := out.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write recording header: %w", err)
	}
	return &Writer{out: out, start: start, now: now, written: int64(len(line) + 1)}, nil
}

// WriteOutput records PTY output. An incomplete UTF-8 sequence at the end of
// data is held back until the next call so multi-byte characters split
// across reads are stored intact.
func (w *Writer) WriteOutput(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}

	buf := append(w.pending, data...)
	cut := completePrefix(buf)
	w.pending = append([]byte(nil), buf[cut:]...)
	if cut == 0 {
		return nil
	}
	return w.writeLocked(Event{Time: w.elapsed(), Code: CodeOutput, Data: string(buf[:cut])})
}

// WriteResize records a dimension change.
func (w *Writer) WriteResize(cols, rows uint16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.writeLocked(ResizeEvent(w.elapsed(), Dimensions{Cols: cols, Rows: rows}))
}

// WriteExit flushes held-back output and records the exit code. It does not
// close the writer.
func (w *Writer) WriteExit(code int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.flushPendingLocked(); err != nil {
		return err
	}
	return w.writeLocked(ExitEvent(w.elapsed(), code))
}

// Events returns the number of events written so far.
func (w *Writer) Events() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

// Size returns the number of bytes written, header included. A reader
// limited to this many bytes sees exactly the events written so far.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Pending returns a copy of output held back as an incomplete UTF-8
// sequence, not yet in the file.
func (w *Writer) Pending() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.pending...)
}

// Close flushes held-back output and closes the underlying file, if the
// writer owns one. The file is never truncated.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	err := w.flushPendingLocked()
	w.closed = true
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (w *Writer) flushPendingLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	data := string(w.pending)
	w.pending = nil
	return w.writeLocked(Event{Time: w.elapsed(), Code: CodeOutput, Data: data})
}

func (w *Writer) writeLocked(event Event) error {
	line, err := event.MarshalJSON()
	if err != nil {
		return err
	}
	if _, err := w.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append recording event: %w", err)
	}
	w.events++
	w.written += int64(len(line) + 1)
	return nil
}

func (w *Writer) elapsed() float64 {
	return w.now().Sub(w.start).Seconds()
}

// completePrefix returns the length of buf without a trailing incomplete
// UTF-8 sequence. Invalid bytes are not held back.
func completePrefix(buf []byte) int {
	n := len(buf)
	for i := 1; i < utf8.UTFMax && i <= n; i++ {
		b := buf[n-i]
		if b < utf8.RuneSelf {
			return n
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(buf[n-i:]) {
				return n - i
			}
			return n
		}
	}
	return n
}
