// Package session is the registry of live PTY sessions: it creates them,
// routes viewer input to them and fans their output out to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/ptymux/internal/db"
	"github.com/user/ptymux/internal/flow"
	"github.com/user/ptymux/internal/pty"
	"github.com/user/ptymux/internal/recording"
	"github.com/user/ptymux/internal/transport"
	"github.com/user/ptymux/internal/vt"
	"github.com/user/ptymux/internal/wire"
)

const (
	socketFileName = "ipc.sock"

	// maxSocketPath stays under the sun_path limit on every platform.
	maxSocketPath = 100

	catalogTimeout = 5 * time.Second
)

// Catalog persists session metadata. *db.SessionRepo implements it.
type Catalog interface {
	Create(ctx context.Context, session *db.Session) error
	Get(ctx context.Context, id string) (*db.Session, error)
	List(ctx context.Context, filter db.SessionFilter) ([]*db.Session, error)
	MarkRunning(ctx context.Context, id string, pid int, cols, rows uint16) error
	UpdateSize(ctx context.Context, id string, cols, rows uint16) error
	UpdateTitle(ctx context.Context, id, title string) error
	Touch(ctx context.Context, id string, at time.Time) error
	MarkExited(ctx context.Context, id string, exitCode int) error
	Delete(ctx context.Context, id string) error
}

// Options configures a Registry.
type Options struct {
	// DataDir holds one directory per session with its recording and
	// control socket.
	DataDir string
	Catalog Catalog
	Flow    flow.Config

	DefaultCommand string
	DefaultCols    uint16
	DefaultRows    uint16

	// SubscriberBacklog is how many live frames a subscriber may have
	// queued before it is detached.
	SubscriberBacklog int
	EventHistory      int
	PeerBackoff       transport.BackoffPolicy
	CloseTimeout      time.Duration

	Logger *slog.Logger
}

// CreateOptions describes a new session. Zero fields take registry
// defaults.
type CreateOptions struct {
	Name    string
	Command string
	WorkDir string
	Env     []string
	Cols    uint16
	Rows    uint16
}

// Registry owns every live session. Its lock guards only the session maps;
// session I/O happens under per-session locks.
type Registry struct {
	opts   Options
	logger *slog.Logger
	bus    *Bus

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]*Session
	flow     flow.Config
	closed   bool
}

// New creates a registry. It does not touch the filesystem until the first
// Create.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DataDir == "" {
		opts.DataDir = filepath.Join(os.TempDir(), "ptymux")
	}
	if opts.DefaultCols == 0 {
		opts.DefaultCols = pty.DefaultCols
	}
	if opts.DefaultRows == 0 {
		opts.DefaultRows = pty.DefaultRows
	}
	if opts.PeerBackoff.Base <= 0 {
		opts.PeerBackoff = transport.BackoffPolicy{Base: 50 * time.Millisecond, Cap: 2 * time.Second}
	}
	return &Registry{
		opts:     opts,
		logger:   opts.Logger,
		bus:      NewBus(opts.EventHistory, opts.Logger),
		sessions: make(map[string]*Session),
		pending:  make(map[string]*Session),
		flow:     opts.Flow.Normalized(),
	}
}

// Events returns the server event bus.
func (r *Registry) Events() *Bus { return r.bus }

// Create spawns a session. On error nothing is left behind: no session, no
// catalog row, no session directory.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	command := strings.TrimSpace(opts.Command)
	if command == "" {
		command = r.defaultCommand()
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = r.opts.DefaultCols
	}
	if rows == 0 {
		rows = r.opts.DefaultRows
	}

	id := uuid.NewString()
	dir := filepath.Join(r.opts.DataDir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	recordingPath := filepath.Join(dir, recording.FileName)

	now := time.Now().UTC()
	recorder, err := recording.Create(recordingPath, recording.Header{
		Width:     int(cols),
		Height:    int(rows),
		Timestamp: now.Unix(),
		Title:     opts.Name,
		Command:   command,
		Env:       map[string]string{"TERM": "xterm-256color", "SHELL": os.Getenv("SHELL")},
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	s := &Session{
		registry:      r,
		logger:        r.logger,
		id:            id,
		name:          opts.Name,
		command:       command,
		workDir:       opts.WorkDir,
		dir:           dir,
		recordingPath: recordingPath,
		createdAt:     now,
		initialCols:   cols,
		initialRows:   rows,
		recorder:      recorder,
		screen:        vt.NewScreen(int(cols), int(rows)),
		cols:          cols,
		rows:          rows,
		status:        StatusStarting,
		lastActivity:  now,
		subscribers:   make(map[*Subscriber]struct{}),
		pumpDone:      make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		recorder.Close()
		_ = os.RemoveAll(dir)
		return nil, ErrClosed
	}
	r.pending[id] = s
	flowConfig := r.flow
	r.mu.Unlock()

	fail := func(err error) (*Session, error) {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		recorder.Close()
		r.catalogCall("delete", id, func(ctx context.Context, c Catalog) error {
			return c.Delete(ctx, id)
		})
		_ = os.RemoveAll(dir)
		return nil, err
	}

	if err := r.withCatalog(ctx, func(ctx context.Context, c Catalog) error {
		return c.Create(ctx, &db.Session{
			ID:            id,
			Name:          opts.Name,
			Command:       command,
			WorkDir:       opts.WorkDir,
			Cols:          cols,
			Rows:          rows,
			Status:        StatusStarting,
			RecordingPath: recordingPath,
			CreatedAt:     now,
		})
	}); err != nil {
		return fail(err)
	}

	link, err := pty.Spawn(ctx, pty.LinkOptions{
		SessionID:    id,
		Command:      command,
		WorkDir:      opts.WorkDir,
		Env:          opts.Env,
		Cols:         cols,
		Rows:         rows,
		SocketPath:   r.socketPath(dir, id),
		Flow:         flowConfig,
		Registrar:    r,
		Logger:       r.logger,
		CloseTimeout: r.opts.CloseTimeout,
	})
	if err != nil {
		r.logger.Warn("session spawn failed", "session_id", id, "command", command, "error", err)
		return fail(err)
	}

	peer, err := pty.Dial(ctx, link.SocketPath(), pty.PeerOptions{Backoff: r.opts.PeerBackoff, Logger: r.logger})
	if err != nil {
		link.Close()
		return fail(err)
	}

	s.mu.Lock()
	s.link = link
	s.peer = peer
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.pending, id)
	r.sessions[id] = s
	r.mu.Unlock()

	go s.pump()

	r.logger.Info("session created", "session_id", id, "name", opts.Name, "command", command, "cols", cols, "rows", rows)
	r.bus.Publish(wire.ServerEvent{Kind: wire.EventSessionCreated, SessionID: id, Name: opts.Name, Cols: cols, Rows: rows})
	return s, nil
}

// RegisterPTY is called by a link once its process is running.
func (r *Registry) RegisterPTY(sessionID string, pid int, cols, rows uint16) {
	r.mu.RLock()
	s := r.pending[sessionID]
	if s == nil {
		s = r.sessions[sessionID]
	}
	r.mu.RUnlock()
	if s == nil {
		r.logger.Warn("pty registered for unknown session", "session_id", sessionID, "pid", pid)
		return
	}

	s.mu.Lock()
	s.pid = pid
	s.cols, s.rows = cols, rows
	if s.status == StatusStarting {
		s.status = StatusRunning
	}
	s.mu.Unlock()

	r.catalogCall("mark running", sessionID, func(ctx context.Context, c Catalog) error {
		return c.MarkRunning(ctx, sessionID, pid, cols, rows)
	})
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Describe returns a live session's info, falling back to the catalog for
// sessions that are gone.
func (r *Registry) Describe(ctx context.Context, id string) (Info, error) {
	if s, err := r.Get(id); err == nil {
		return s.Info(), nil
	}
	if r.opts.Catalog == nil {
		return Info{}, ErrNotFound
	}
	row, err := r.opts.Catalog.Get(ctx, id)
	if err != nil {
		return Info{}, err
	}
	if row == nil {
		return Info{}, ErrNotFound
	}
	return infoFromRow(row), nil
}

// List returns live sessions merged with the catalog's historical ones,
// newest first.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	r.mu.RLock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, s := range live {
		infos = append(infos, s.Info())
		seen[s.id] = true
	}

	if r.opts.Catalog != nil {
		rows, err := r.opts.Catalog.List(ctx, db.SessionFilter{})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if seen[row.ID] || row.Status == StatusStarting {
				continue
			}
			infos = append(infos, infoFromRow(row))
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// RecordingPath locates a session's recording, live or historical.
func (r *Registry) RecordingPath(ctx context.Context, id string) (string, error) {
	info, err := r.Describe(ctx, id)
	if err != nil {
		return "", err
	}
	if info.RecordingPath == "" {
		return "", ErrNotFound
	}
	return info.RecordingPath, nil
}

// Subscribe attaches a viewer. With the stdout flag the subscriber's replay
// holds the pruned recording; with the snapshot flag it also gets rendered
// screens.
func (r *Registry) Subscribe(id string, payload wire.SubscribePayload) (*Subscriber, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.subscribe(payload, r.opts.SubscriberBacklog)
}

func (r *Registry) SendInput(id string, data []byte) error {
	peer, err := r.peer(id)
	if err != nil {
		return err
	}
	return peer.SendInput(data)
}

// SendKey translates a named key and sends it as input.
func (r *Registry) SendKey(id, key string) error {
	return r.SendInput(id, []byte(pty.MapNamedKey(key)))
}

func (r *Registry) Resize(id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return ErrInvalidSize
	}
	peer, err := r.peer(id)
	if err != nil {
		return err
	}
	return peer.Resize(cols, rows)
}

// ResetSize restores the size the session was created with.
func (r *Registry) ResetSize(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	cols, rows := s.InitialSize()
	return r.Resize(id, cols, rows)
}

// Kill signals the session's process. Empty signal means SIGTERM.
func (r *Registry) Kill(id, signal string) error {
	if _, err := pty.ParseSignal(signal); err != nil {
		return err
	}
	peer, err := r.peer(id)
	if err != nil {
		return err
	}
	return peer.Kill(signal)
}

func (r *Registry) SetTitle(id, title string) error {
	peer, err := r.peer(id)
	if err != nil {
		return err
	}
	return peer.SetTitle(title)
}

// Remove stops a session, killing the process if it still runs. The
// recording and catalog row are kept.
func (r *Registry) Remove(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	r.shutdown(ctx, s)
	return nil
}

// SetFlowConfig applies a new flow-control configuration to every live
// session and to sessions created later.
func (r *Registry) SetFlowConfig(cfg flow.Config) {
	cfg = cfg.Normalized()
	r.mu.Lock()
	r.flow = cfg
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.link.SetFlowConfig(cfg)
	}
	r.logger.Info("flow config updated", "sessions", len(live), "max_pending_lines", cfg.MaxPendingLines)
	r.bus.Publish(wire.ServerEvent{
		Kind:    wire.EventNotice,
		Message: fmt.Sprintf("flow config updated: max %d pending lines", cfg.MaxPendingLines),
	})
}

// Close removes every session and refuses new ones.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.shutdown(ctx, s)
		}()
	}
	wg.Wait()
	return nil
}

func (r *Registry) shutdown(ctx context.Context, s *Session) {
	if err := s.link.Close(); err != nil {
		r.logger.Warn("session close failed", "session_id", s.id, "error", err)
	}
	// The exit status normally reaches the pump before the link is gone;
	// closing the peer covers the case where it did not.
	select {
	case <-s.pumpDone:
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	s.peer.Close()
	select {
	case <-s.pumpDone:
	case <-ctx.Done():
	}
	r.release(s)
}

// release drops a session from the registry once. The pump may call it
// from its own goroutine.
func (r *Registry) release(s *Session) {
	r.mu.Lock()
	current, ok := r.sessions[s.id]
	if ok && current == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	if !ok || current != s {
		return
	}

	s.close()
	r.logger.Info("session removed", "session_id", s.id)
	r.bus.Publish(wire.ServerEvent{Kind: wire.EventSessionRemoved, SessionID: s.id, Name: s.name})
}

func (r *Registry) peer(id string) (*pty.Peer, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.running()
}

func (r *Registry) defaultCommand() string {
	if r.opts.DefaultCommand != "" {
		return r.opts.DefaultCommand
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "sh"
}

// socketPath keeps the control socket in the session directory unless that
// path is too long for a unix socket.
func (r *Registry) socketPath(dir, id string) string {
	path := filepath.Join(dir, socketFileName)
	if len(path) <= maxSocketPath {
		return path
	}
	return filepath.Join(os.TempDir(), "ptymux-"+id+".sock")
}

func (r *Registry) withCatalog(ctx context.Context, fn func(context.Context, Catalog) error) error {
	if r.opts.Catalog == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), catalogTimeout)
	defer cancel()
	return fn(ctx, r.opts.Catalog)
}

// catalogCall runs a best-effort catalog update; failures are logged.
func (r *Registry) catalogCall(op, id string, fn func(context.Context, Catalog) error) {
	err := r.withCatalog(context.Background(), fn)
	if err != nil && !errors.Is(err, db.ErrSessionNotFound) {
		r.logger.Warn("session catalog update failed", "op", op, "session_id", id, "error", err)
	}
}
