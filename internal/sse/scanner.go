// Package sse reads and writes Server-Sent Events streams: the scanner and
// follower used by event consumers, and the writer behind /api/events.
package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is one dispatched Server-Sent Event.
type Event struct {
	// Type is the "event:" field; empty means the default "message" type.
	Type string

	// ID is the last event id in effect when the event was dispatched.
	ID string

	// Data holds the "data:" lines joined with newlines.
	Data string
}

// Scanner reads events from a stream following the W3C framing rules:
// a blank line dispatches the pending event, "data:" lines accumulate,
// "id:" and "retry:" update stream state, and lines starting with ":" are
// comments. A final event without a trailing blank line is still
// dispatched at EOF.
type Scanner struct {
	reader      *bufio.Reader
	current     Event
	lastEventID string
	retry       time.Duration
	err         error
}

func NewScanner(reader io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(reader, 64*1024)}
}

// Next advances to the next event. It returns false at the end of the
// stream or on error; Err tells them apart.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = Event{}

	var (
		dataLines []string
		eventType string
		hasData   bool
	)
	dispatch := func() {
		s.current = Event{Type: eventType, ID: s.lastEventID, Data: strings.Join(dataLines, "\n")}
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				dispatch()
				return true
			}
			return false
		}
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if hasData {
				dispatch()
				return true
			}
			// An event with no data is discarded, but its id sticks.
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if hasColon {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			eventType = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.lastEventID = value
			}
		case "retry":
			if ms, err := strconv.ParseUint(value, 10, 32); err == nil {
				s.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// Event returns the event found by the last successful Next.
func (s *Scanner) Event() Event { return s.current }

// LastEventID returns the most recent id seen on the stream.
func (s *Scanner) LastEventID() string { return s.lastEventID }

// Retry returns the reconnect delay the server asked for, zero if none.
func (s *Scanner) Retry() time.Duration { return s.retry }

// Err returns the error that stopped scanning, nil for a clean EOF.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
