package recording

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrEmptyRecording = errors.New("recording: missing header")

// Read parses a whole recording. A final line without a newline that does
// not parse is treated as a torn append and ignored. Events with codes this
// package does not know are skipped.
func Read(r io.Reader) (Header, []Event, error) {
	br := bufio.NewReader(r)

	line, err := br.ReadBytes('\n')
	if len(bytes.TrimSpace(line)) == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			return Header{}, nil, fmt.Errorf("read recording header: %w", err)
		}
		return Header{}, nil, ErrEmptyRecording
	}
	var header Header
	if jerr := json.Unmarshal(line, &header); jerr != nil {
		return Header{}, nil, fmt.Errorf("decode recording header: %w", jerr)
	}
	if header.Version != FormatVersion {
		return Header{}, nil, fmt.Errorf("recording: unsupported version %d", header.Version)
	}
	if errors.Is(err, io.EOF) {
		return header, nil, nil
	}
	if err != nil {
		return Header{}, nil, fmt.Errorf("read recording header: %w", err)
	}

	var events []Event
	for lineNo := 2; ; lineNo++ {
		line, err := br.ReadBytes('\n')
		complete := err == nil
		if err != nil && !errors.Is(err, io.EOF) {
			return header, events, fmt.Errorf("read recording line %d: %w", lineNo, err)
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var event Event
			if jerr := json.Unmarshal(trimmed, &event); jerr != nil {
				if !complete {
					break
				}
				return header, events, fmt.Errorf("decode recording line %d: %w", lineNo, jerr)
			}
			if event.Code.known() {
				events = append(events, event)
			}
		}

		if !complete {
			break
		}
	}
	return header, events, nil
}

// ReadFile reads the recording at path.
func ReadFile(path string) (Header, []Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	return Read(f)
}
