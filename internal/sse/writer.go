package sse

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Writer emits an event stream on an HTTP response. Every write is
// flushed so events reach the client immediately.
type Writer struct {
	w  io.Writer
	rc *http.ResponseController
}

// NewWriter sets the stream headers and sends the 200 status.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	sw := &Writer{w: w, rc: http.NewResponseController(w)}
	sw.flush()
	return sw
}

// WriteEvent writes one event. Newlines in Data become separate data
// lines.
func (sw *Writer) WriteEvent(event Event) error {
	var b strings.Builder
	if event.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", oneLine(event.Type))
	}
	if event.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", oneLine(event.ID))
	}
	for _, line := range strings.Split(event.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", strings.TrimSuffix(line, "\r"))
	}
	b.WriteByte('\n')
	return sw.write(b.String())
}

// WriteComment writes a comment line, used as a keepalive.
func (sw *Writer) WriteComment(text string) error {
	return sw.write(": " + oneLine(text) + "\n\n")
}

// WriteRetry tells the client how long to wait before reconnecting.
func (sw *Writer) WriteRetry(d time.Duration) error {
	return sw.write(fmt.Sprintf("retry: %d\n\n", d.Milliseconds()))
}

func (sw *Writer) write(s string) error {
	if _, err := io.WriteString(sw.w, s); err != nil {
		return err
	}
	sw.flush()
	return nil
}

func (sw *Writer) flush() {
	// Recorders and wrappers without Flush still get the bytes.
	_ = sw.rc.Flush()
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
