package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/user/ptymux/internal/recording"
)

func runReplay(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("replay", stderr)
	var cf clientFlags
	cf.register(fs)
	full := fs.Bool("full", false, "play the whole recording instead of the part since the last screen clear")
	speed := fs.Float64("speed", 1, "playback speed multiplier")
	idleLimit := fs.Duration("idle-limit", 2*time.Second, "cap pauses between events (0 for no cap)")
	dump := fs.Bool("cat", false, "write the output at once without timing")
	save := fs.StringP("output", "o", "", "save the recording to this file instead of playing it")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: ptymux replay [flags] <session-id | file.cast>\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitError{code: 2}
	}
	if *speed <= 0 {
		return fmt.Errorf("speed must be positive, got %v", *speed)
	}

	header, events, err := loadRecording(ctx, &cf, fs.Arg(0), *full)
	if err != nil {
		return err
	}

	if *save != "" {
		f, err := os.OpenFile(*save, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		replay := recording.Replay{Dimensions: header.Dimensions(), Events: events}
		if err := replay.Encode(f, header); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}

	fmt.Fprintf(stderr, "[%dx%d recording, %d events]\r\n", header.Width, header.Height, len(events))
	if *dump {
		return play(ctx, stdout, events, 0, 0)
	}
	return play(ctx, stdout, events, *speed, *idleLimit)
}

// loadRecording reads a local recording file, or downloads the session's
// recording from the server when target is not a file. Local files are
// pruned here; the server prunes its own.
func loadRecording(ctx context.Context, cf *clientFlags, target string, full bool) (recording.Header, []recording.Event, error) {
	if st, err := os.Stat(target); err == nil && !st.IsDir() {
		header, events, err := recording.ReadFile(target)
		if err != nil {
			return recording.Header{}, nil, err
		}
		if full {
			return header, events, nil
		}
		var buf bytes.Buffer
		if err := recording.Prune(events, header.Dimensions()).Encode(&buf, header); err != nil {
			return recording.Header{}, nil, err
		}
		return recording.Read(&buf)
	}

	base, token, err := cf.resolve()
	if err != nil {
		return recording.Header{}, nil, err
	}
	path := "/api/sessions/" + url.PathEscape(target) + "/replay"
	if full {
		path += "?full=1"
	}
	body, err := newAPIClient(base, token).stream(ctx, path)
	if err != nil {
		return recording.Header{}, nil, err
	}
	defer body.Close()
	return recording.Read(body)
}

// play writes output events to w. With speed 0 it writes them at once;
// otherwise it waits out the recorded gaps, scaled by speed and capped at
// idleLimit when that is positive.
func play(ctx context.Context, w io.Writer, events []recording.Event, speed float64, idleLimit time.Duration) error {
	var prev float64
	for i, event := range events {
		if speed > 0 && i > 0 {
			gap := time.Duration((event.Time - prev) / speed * float64(time.Second))
			if idleLimit > 0 && gap > idleLimit {
				gap = idleLimit
			}
			if gap > 0 {
				timer := time.NewTimer(gap)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}
		}
		prev = event.Time
		if event.Code != recording.CodeOutput {
			continue
		}
		if _, err := io.WriteString(w, event.Data); err != nil {
			return err
		}
	}
	return nil
}
