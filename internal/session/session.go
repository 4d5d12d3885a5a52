package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/user/ptymux/internal/db"
	"github.com/user/ptymux/internal/pty"
	"github.com/user/ptymux/internal/recording"
	"github.com/user/ptymux/internal/vt"
	"github.com/user/ptymux/internal/wire"
)

const (
	StatusStarting = db.StatusStarting
	StatusRunning  = db.StatusRunning
	StatusExited   = db.StatusExited

	// maxReplayFrame caps how much recorded output one replay frame carries.
	maxReplayFrame = 32 * 1024

	touchInterval = 10 * time.Second
)

// Info is a point-in-time description of a session, live or historical.
type Info struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Command       string    `json:"command"`
	WorkDir       string    `json:"work_dir,omitempty"`
	PID           int       `json:"pid,omitempty"`
	Cols          uint16    `json:"cols"`
	Rows          uint16    `json:"rows"`
	Status        string    `json:"status"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	Title         string    `json:"title,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity_at"`
	Subscribers   int       `json:"subscribers"`
	Live          bool      `json:"live"`
	RecordingPath string    `json:"-"`
}

func infoFromRow(row *db.Session) Info {
	return Info{
		ID:            row.ID,
		Name:          row.Name,
		Command:       row.Command,
		WorkDir:       row.WorkDir,
		PID:           row.PID,
		Cols:          row.Cols,
		Rows:          row.Rows,
		Status:        row.Status,
		ExitCode:      row.ExitCode,
		Title:         row.Title,
		CreatedAt:     row.CreatedAt,
		LastActivity:  row.LastActivity,
		RecordingPath: row.RecordingPath,
	}
}

// Session is one live PTY session. The link owns the process; the session
// consumes the link's output through its peer, records it, tracks the
// screen and fans frames out to subscribers.
type Session struct {
	registry *Registry
	logger   *slog.Logger

	id            string
	name          string
	command       string
	workDir       string
	dir           string
	recordingPath string
	createdAt     time.Time
	initialCols   uint16
	initialRows   uint16

	recorder *recording.Writer
	screen   *vt.Screen
	link     *pty.Link
	peer     *pty.Peer

	mu           sync.Mutex
	pid          int
	cols         uint16
	rows         uint16
	status       string
	exitCode     *int
	title        string
	lastActivity time.Time
	lastTouch    time.Time
	subscribers  map[*Subscriber]struct{}
	released     bool

	pumpDone chan struct{}
}

func (s *Session) ID() string { return s.id }

// Info describes the session as it is now.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exitCode *int
	if s.exitCode != nil {
		code := *s.exitCode
		exitCode = &code
	}
	return Info{
		ID:            s.id,
		Name:          s.name,
		Command:       s.command,
		WorkDir:       s.workDir,
		PID:           s.pid,
		Cols:          s.cols,
		Rows:          s.rows,
		Status:        s.status,
		ExitCode:      exitCode,
		Title:         s.title,
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
		Subscribers:   len(s.subscribers),
		Live:          true,
		RecordingPath: s.recordingPath,
	}
}

// InitialSize is the size the session was created with; reset-size
// returns to it.
func (s *Session) InitialSize() (cols, rows uint16) {
	return s.initialCols, s.initialRows
}

func (s *Session) running() (*pty.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrNotFound
	}
	if s.status == StatusExited {
		return nil, ErrExited
	}
	return s.peer, nil
}

// pump consumes the peer until it closes. It is the only writer of the
// recording.
func (s *Session) pump() {
	defer close(s.pumpDone)
	for event := range s.peer.Events() {
		switch event.Type {
		case pty.EventOutput:
			s.handleOutput(event.Data)
		case pty.EventStatus:
			s.handleStatus(event.Status)
		}
	}

	s.mu.Lock()
	exited := s.status == StatusExited
	s.mu.Unlock()
	if !exited {
		code := -1
		if c, ok := s.link.ExitCode(); ok {
			code = c
		}
		s.logger.Warn("session peer closed before exit status", "session_id", s.id, "exit_code", code)
		s.handleExit(code)
	}
}

func (s *Session) handleOutput(data []byte) {
	now := time.Now().UTC()

	s.mu.Lock()
	if err := s.recorder.WriteOutput(data); err != nil && !errors.Is(err, recording.ErrWriterClosed) {
		s.logger.Warn("recording write failed", "session_id", s.id, "error", err)
	}
	s.screen.Write(data)
	s.lastActivity = now
	touch := now.Sub(s.lastTouch) >= touchInterval
	if touch {
		s.lastTouch = now
	}
	s.fanOutLocked(wire.Frame{Type: wire.TypeStdout, SessionID: s.id, Payload: data})
	s.mu.Unlock()

	if touch {
		s.registry.catalogCall("touch", s.id, func(ctx context.Context, c Catalog) error {
			return c.Touch(ctx, s.id, now)
		})
	}
}

func (s *Session) handleStatus(status pty.StatusUpdate) {
	switch status.Status {
	case pty.StatusRunning:
		s.mu.Lock()
		if status.PID != 0 {
			s.pid = status.PID
		}
		titleChanged := status.Title != s.title
		s.title = status.Title
		s.mu.Unlock()
		if titleChanged {
			s.registry.catalogCall("update title", s.id, func(ctx context.Context, c Catalog) error {
				return c.UpdateTitle(ctx, s.id, status.Title)
			})
			s.registry.bus.Publish(wire.ServerEvent{Kind: wire.EventTitle, SessionID: s.id, Title: status.Title})
		}

	case pty.StatusResized:
		s.mu.Lock()
		if err := s.recorder.WriteResize(status.Cols, status.Rows); err != nil && !errors.Is(err, recording.ErrWriterClosed) {
			s.logger.Warn("recording resize failed", "session_id", s.id, "error", err)
		}
		s.screen.Resize(int(status.Cols), int(status.Rows))
		s.cols, s.rows = status.Cols, status.Rows
		s.fanOutLocked(wire.Frame{Type: wire.TypeResize, SessionID: s.id, Payload: wire.EncodeResize(status.Cols, status.Rows)})
		s.mu.Unlock()

		s.registry.catalogCall("update size", s.id, func(ctx context.Context, c Catalog) error {
			return c.UpdateSize(ctx, s.id, status.Cols, status.Rows)
		})
		s.registry.bus.Publish(wire.ServerEvent{Kind: wire.EventResized, SessionID: s.id, Cols: status.Cols, Rows: status.Rows})

	case pty.StatusExited:
		code := -1
		if status.ExitCode != nil {
			code = *status.ExitCode
		}
		s.handleExit(code)

	case pty.StatusPaused, pty.StatusResumed:
		kind := wire.EventFlowResumed
		if status.Status == pty.StatusPaused {
			kind = wire.EventFlowPaused
		}
		s.logger.Info("session output flow changed", "session_id", s.id, "status", status.Status, "pending_lines", status.PendingLines)
		s.registry.bus.Publish(wire.ServerEvent{
			Kind:      kind,
			SessionID: s.id,
			Message:   fmt.Sprintf("%d pending lines", status.PendingLines),
		})

	default:
		s.logger.Warn("unknown pty status", "session_id", s.id, "status", status.Status)
	}
}

// handleExit finalizes the recording and publishes the exit. The session
// leaves the registry right away unless someone is still subscribed.
func (s *Session) handleExit(code int) {
	s.mu.Lock()
	if s.status == StatusExited {
		s.mu.Unlock()
		return
	}
	s.status = StatusExited
	s.exitCode = &code
	s.lastActivity = time.Now().UTC()
	if err := s.recorder.WriteExit(code); err != nil && !errors.Is(err, recording.ErrWriterClosed) {
		s.logger.Warn("recording exit failed", "session_id", s.id, "error", err)
	}
	if err := s.recorder.Close(); err != nil {
		s.logger.Warn("recording close failed", "session_id", s.id, "error", err)
	}
	remaining := len(s.subscribers)
	s.mu.Unlock()

	s.logger.Info("session exited", "session_id", s.id, "exit_code", code, "subscribers", remaining)
	s.registry.catalogCall("mark exited", s.id, func(ctx context.Context, c Catalog) error {
		return c.MarkExited(ctx, s.id, code)
	})
	exitCode := code
	event := s.registry.bus.Publish(wire.ServerEvent{Kind: wire.EventSessionExited, SessionID: s.id, Name: s.name, ExitCode: &exitCode})

	// Subscribers that asked for events get the exit in-stream, after the
	// last output frame.
	if frame, err := event.Frame(); err != nil {
		s.logger.Error("encode exit event", "session_id", s.id, "error", err)
	} else {
		s.mu.Lock()
		s.fanOutEventLocked(frame)
		s.mu.Unlock()
	}

	if remaining == 0 {
		s.registry.release(s)
	}
}

// fanOutLocked hands frame to every stdout subscriber. A subscriber whose
// queue is full is detached.
func (s *Session) fanOutLocked(frame wire.Frame) {
	for sub := range s.subscribers {
		if !sub.payload.Flags.Has(wire.FlagStdout) {
			continue
		}
		if !sub.offer(frame) {
			s.detachLocked(sub, "slow subscriber")
		}
	}
}

// fanOutEventLocked hands a session event frame to every subscriber that
// asked for events.
func (s *Session) fanOutEventLocked(frame wire.Frame) {
	for sub := range s.subscribers {
		if !sub.payload.Flags.Has(wire.FlagEvents) {
			continue
		}
		if !sub.offer(frame) {
			s.detachLocked(sub, "slow subscriber")
		}
	}
}

// deliver offers a frame to one subscriber. It reports false once the
// subscriber is gone.
func (s *Session) deliver(sub *Subscriber, frame wire.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub]; !ok {
		return false
	}
	if !sub.offer(frame) {
		s.detachLocked(sub, "slow subscriber")
		return false
	}
	return true
}

func (s *Session) detachLocked(sub *Subscriber, reason string) {
	if _, ok := s.subscribers[sub]; !ok {
		return
	}
	delete(s.subscribers, sub)
	sub.finish()
	s.logger.Warn("subscriber detached", "session_id", s.id, "reason", reason)
}

func (s *Session) subscribe(payload wire.SubscribePayload, backlog int) (*Subscriber, error) {
	sub := newSubscriber(s, payload, backlog)

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	var (
		size     int64
		pending  []byte
		snapshot vt.Snapshot
	)
	if payload.Flags.Has(wire.FlagStdout) {
		size = s.recorder.Size()
		pending = s.recorder.Pending()
	}
	if payload.Flags.Has(wire.FlagSnapshot) {
		snapshot = s.screen.Snapshot()
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	if payload.Flags.Has(wire.FlagStdout) {
		frames, err := s.replayFrames(size, pending)
		if err != nil {
			s.unsubscribe(sub)
			return nil, err
		}
		sub.replay = append(sub.replay, frames...)
	}
	if payload.Flags.Has(wire.FlagSnapshot) {
		sub.replay = append(sub.replay, wire.Frame{Type: wire.TypeSnapshot, SessionID: s.id, Payload: snapshot.Encode()})
		go sub.snapshotLoop(snapshot.Version)
	}
	return sub, nil
}

func (s *Session) unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	if _, ok := s.subscribers[sub]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subscribers, sub)
	sub.finish()
	release := s.status == StatusExited && len(s.subscribers) == 0
	s.mu.Unlock()

	if release {
		s.registry.release(s)
	}
}

// replayFrames reads the first size bytes of the recording, prunes them to
// the last full-screen clear and renders the rest as frames. pending is
// output not yet in the file.
func (s *Session) replayFrames(size int64, pending []byte) ([]wire.Frame, error) {
	f, err := os.Open(s.recordingPath)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	header, events, err := recording.Read(io.LimitReader(f, size))
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	replay := recording.Prune(events, header.Dimensions())

	frames := []wire.Frame{{
		Type:      wire.TypeResize,
		SessionID: s.id,
		Payload:   wire.EncodeResize(replay.Dimensions.Cols, replay.Dimensions.Rows),
	}}
	// The clearing event itself is pruned; what it drew after the clear is
	// still on screen.
	output := []byte(replay.Cleared)
	flush := func() {
		if len(output) > 0 {
			frames = append(frames, wire.Frame{Type: wire.TypeStdout, SessionID: s.id, Payload: output})
			output = nil
		}
	}
	for _, event := range replay.Events {
		switch event.Code {
		case recording.CodeOutput:
			output = append(output, event.Data...)
			if len(output) >= maxReplayFrame {
				flush()
			}
		case recording.CodeResize:
			d, ok := event.Dimensions()
			if !ok {
				continue
			}
			flush()
			frames = append(frames, wire.Frame{Type: wire.TypeResize, SessionID: s.id, Payload: wire.EncodeResize(d.Cols, d.Rows)})
		}
	}
	output = append(output, pending...)
	flush()
	return frames, nil
}

// close detaches every subscriber and stops the peer. The recording and
// catalog row stay behind.
func (s *Session) close() {
	s.mu.Lock()
	s.released = true
	for sub := range s.subscribers {
		delete(s.subscribers, sub)
		sub.finish()
	}
	s.mu.Unlock()

	if s.peer != nil {
		s.peer.Close()
	}
}
