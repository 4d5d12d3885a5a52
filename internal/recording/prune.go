package recording

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/user/ptymux/internal/vt"
)

// ComputeReplayStart finds where a viewer joining now can start replaying.
//
// The start is one past the last output event that clears the whole screen;
// nothing before it is visible anymore. Dimensions survive a clear, so the
// size in effect at that point (the last resize before the clear, or
// initial) is returned with it. Without a clear the whole log is needed and
// the initial size applies. The result depends only on events.
func ComputeReplayStart(events []Event, initial Dimensions) (int, Dimensions) {
	clearAt := -1
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Code == CodeOutput && vt.ContainsClear([]byte(events[i].Data)) {
			clearAt = i
			break
		}
	}
	if clearAt < 0 {
		return 0, initial
	}

	for i := clearAt - 1; i >= 0; i-- {
		if d, ok := events[i].Dimensions(); ok {
			return clearAt + 1, d
		}
	}
	return clearAt + 1, initial
}

// Replay is the pruned suffix of a recording.
type Replay struct {
	Start      int
	Dimensions Dimensions

	// Cleared is what the pruned clearing event drew from its last clear
	// onward. It is still on screen.
	Cleared string

	Events []Event
}

// Prune applies ComputeReplayStart. Events aliases the input slice.
func Prune(events []Event, initial Dimensions) Replay {
	start, dims := ComputeReplayStart(events, initial)
	replay := Replay{Start: start, Dimensions: dims, Events: events[start:]}
	if start > 0 {
		data := events[start-1].Data
		if at := vt.LastClear([]byte(data)); at >= 0 {
			replay.Cleared = data[at:]
		}
	}
	return replay
}

// Encode writes the replay as a standalone recording: header sized to the
// preserved dimensions, the cleared screen's tail at time 0, event times
// rebased so the first kept event is at 0.
func (r Replay) Encode(w io.Writer, header Header) error {
	header.Version = FormatVersion
	header.Width = int(r.Dimensions.Cols)
	header.Height = int(r.Dimensions.Rows)

	line, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode replay header: %w", err)
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return err
	}

	var base float64
	if len(r.Events) > 0 {
		base = r.Events[0].Time
	}
	events := make([]Event, 0, len(r.Events)+1)
	if r.Cleared != "" {
		events = append(events, OutputEvent(0, r.Cleared))
	}
	for _, event := range r.Events {
		event.Time -= base
		events = append(events, event)
	}
	for _, event := range events {
		line, err := event.MarshalJSON()
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}
