package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/user/ptymux/internal/sse"
	"github.com/user/ptymux/internal/wire"
)

func runEvents(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("events", stderr)
	var cf clientFlags
	cf.register(fs)
	sessionID := fs.String("session", "", "only show events for this session")
	lastID := fs.String("last-event-id", "", "resume after this event id")
	raw := fs.Bool("json", false, "print each event as a JSON line")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	base, token, err := cf.resolve()
	if err != nil {
		return err
	}

	streamURL := base + "/api/events"
	if *sessionID != "" {
		streamURL += "?session=" + url.QueryEscape(*sessionID)
	}

	err = sse.Follow(ctx, sse.FollowOptions{
		URL:         streamURL,
		Token:       token,
		LastEventID: *lastID,
		Logger:      cf.logger(stderr),
	}, func(event sse.Event) error {
		if *raw {
			_, err := fmt.Fprintln(stdout, event.Data)
			return err
		}
		var payload wire.ServerEvent
		if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
			return fmt.Errorf("decode event %s: %w", event.ID, err)
		}
		_, err := fmt.Fprintln(stdout, formatEvent(event.ID, payload))
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// formatEvent renders one event as a single human-readable line.
func formatEvent(id string, e wire.ServerEvent) string {
	var b strings.Builder
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&b, "%s %-6s %-16s", ts.Local().Format("15:04:05"), id, e.Kind)
	if e.SessionID != "" {
		fmt.Fprintf(&b, " %s", e.SessionID)
	}
	if e.Name != "" {
		fmt.Fprintf(&b, " (%s)", e.Name)
	}
	switch e.Kind {
	case wire.EventSessionExited:
		if e.ExitCode != nil {
			fmt.Fprintf(&b, " exit=%d", *e.ExitCode)
		}
	case wire.EventResized:
		fmt.Fprintf(&b, " %dx%d", e.Cols, e.Rows)
	case wire.EventTitle:
		fmt.Fprintf(&b, " %q", e.Title)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}
