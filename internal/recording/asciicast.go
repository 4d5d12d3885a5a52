// Package recording persists session output as asciicast v2 files and
// computes where a late viewer's replay can start.
//
// Each file is a header object on the first line followed by one event per
// line, `[offsetSeconds, code, data]`. Besides the standard "o" output code,
// ptymux writes "r" for dimension changes (data "COLSxROWS") and "x" for
// process exit (data is the exit code). Players that only know "o" skip the
// rest.
package recording

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const FormatVersion = 2

// Code classifies an event line.
type Code string

const (
	CodeOutput Code = "o"
	CodeInput  Code = "i"
	CodeResize Code = "r"
	CodeExit   Code = "x"
)

func (c Code) known() bool {
	switch c {
	case CodeOutput, CodeInput, CodeResize, CodeExit:
		return true
	}
	return false
}

// Dimensions is a terminal size in character cells.
type Dimensions struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Cols, d.Rows)
}

// ParseDimensions parses the "COLSxROWS" form used by resize events.
func ParseDimensions(s string) (Dimensions, error) {
	colsText, rowsText, ok := strings.Cut(s, "x")
	if !ok {
		return Dimensions{}, fmt.Errorf("recording: bad dimensions %q", s)
	}
	cols, err := strconv.ParseUint(colsText, 10, 16)
	if err != nil {
		return Dimensions{}, fmt.Errorf("recording: bad columns in %q: %w", s, err)
	}
	rows, err := strconv.ParseUint(rowsText, 10, 16)
	if err != nil {
		return Dimensions{}, fmt.Errorf("recording: bad rows in %q: %w", s, err)
	}
	if cols == 0 || rows == 0 {
		return Dimensions{}, fmt.Errorf("recording: zero dimension in %q", s)
	}
	return Dimensions{Cols: uint16(cols), Rows: uint16(rows)}, nil
}

// Header is the first line of a recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Title     string            `json:"title,omitempty"`
	Command   string            `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Dimensions returns the initial terminal size recorded in the header.
func (h Header) Dimensions() Dimensions {
	return Dimensions{Cols: uint16(h.Width), Rows: uint16(h.Height)}
}

// Event is one recorded line. Time is seconds since the recording started.
type Event struct {
	Time float64
	Code Code
	Data string
}

// OutputEvent builds an output event.
func OutputEvent(t float64, data string) Event {
	return Event{Time: t, Code: CodeOutput, Data: data}
}

// ResizeEvent builds a resize event.
func ResizeEvent(t float64, d Dimensions) Event {
	return Event{Time: t, Code: CodeResize, Data: d.String()}
}

// ExitEvent builds an exit event.
func ExitEvent(t float64, code int) Event {
	return Event{Time: t, Code: CodeExit, Data: strconv.Itoa(code)}
}

// Dimensions returns the size carried by a resize event.
func (e Event) Dimensions() (Dimensions, bool) {
	if e.Code != CodeResize {
		return Dimensions{}, false
	}
	d, err := ParseDimensions(e.Data)
	if err != nil {
		return Dimensions{}, false
	}
	return d, true
}

// ExitCode returns the code carried by an exit event.
func (e Event) ExitCode() (int, bool) {
	if e.Code != CodeExit {
		return 0, false
	}
	code, err := strconv.Atoi(e.Data)
	if err != nil {
		return 0, false
	}
	return code, true
}

func (e Event) MarshalJSON() ([]byte, error) {
	code, err := json.Marshal(string(e.Code))
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(strconv.FormatFloat(e.Time, 'f', 6, 64))
	buf.WriteByte(',')
	buf.Write(code)
	buf.WriteByte(',')
	buf.Write(data)
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

var errEventShape = errors.New("recording: event is not [time, code, data]")

func (e *Event) UnmarshalJSON(raw []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	if len(fields) != 3 {
		return errEventShape
	}
	var (
		t    float64
		code string
		data string
	)
	if err := json.Unmarshal(fields[0], &t); err != nil {
		return fmt.Errorf("recording: event time: %w", err)
	}
	if err := json.Unmarshal(fields[1], &code); err != nil {
		return fmt.Errorf("recording: event code: %w", err)
	}
	if err := json.Unmarshal(fields[2], &data); err != nil {
		return fmt.Errorf("recording: event data: %w", err)
	}
	e.Time = t
	e.Code = Code(code)
	e.Data = data
	return nil
}
