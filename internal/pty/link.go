package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/user/ptymux/internal/flow"
)

const (
	DefaultCloseTimeout = 10 * time.Second
	DefaultExitLinger   = 30 * time.Second

	readBufferSize   = 4096
	readDrainGrace   = 2 * time.Second
	peerWriteTimeout = 10 * time.Second
)

// LinkOptions configures Spawn.
type LinkOptions struct {
	SessionID string

	// Command is parsed with ParseCommand unless Argv is set.
	Command string
	Argv    []string
	WorkDir string
	Env     []string
	Cols    uint16
	Rows    uint16

	// SocketPath is where the control socket listens. A stale file at
	// that path is removed.
	SocketPath string

	Flow      flow.Config
	Registrar Registrar
	Logger    *slog.Logger

	// CloseSignal is sent by Close before escalating to SIGKILL after
	// CloseTimeout. Defaults to SIGHUP, which interactive shells honor.
	CloseSignal  syscall.Signal
	CloseTimeout time.Duration

	// ExitLinger bounds how long queued output waits for a peer after the
	// process has exited.
	ExitLinger time.Duration
}

// Link owns one PTY process and bridges it to a single control socket
// peer. Output goes through a flow.Buffer; without a peer it accumulates
// there and PTY reads pause at the high watermark.
type Link struct {
	sessionID  string
	argv       []string
	proc       *process
	listener   net.Listener
	socketPath string
	buffer     *flow.Buffer
	logger     *slog.Logger

	closeSignal  syscall.Signal
	closeTimeout time.Duration
	exitLinger   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	peerMu      sync.Mutex
	peer        net.Conn
	peerChanged chan struct{}

	// writeMu serializes writes to whichever peer is current.
	writeMu sync.Mutex

	titleMu sync.Mutex
	title   string

	exitMu   sync.Mutex
	exitCode int

	readDone  chan struct{}
	exited    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Spawn starts the process and begins serving the control socket. A
// *SpawnError means the process never started and the registrar was not
// called.
func Spawn(ctx context.Context, opts LinkOptions) (*Link, error) {
	argv := opts.Argv
	if len(argv) == 0 {
		parsed, err := ParseCommand(opts.Command)
		if err != nil {
			return nil, &SpawnError{Err: err}
		}
		argv = parsed
	}
	if len(argv) == 0 {
		return nil, &SpawnError{Err: errors.New("empty command")}
	}
	if opts.SocketPath == "" {
		return nil, errors.New("pty: socket path is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	_ = os.Remove(opts.SocketPath)
	listener, err := net.Listen("unix", opts.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on control socket: %w", err)
	}

	proc, err := startProcess(argv, opts.WorkDir, opts.Env, opts.Cols, opts.Rows)
	if err != nil {
		listener.Close()
		_ = os.Remove(opts.SocketPath)
		return nil, err
	}

	linkCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &Link{
		sessionID:    opts.SessionID,
		argv:         argv,
		proc:         proc,
		listener:     listener,
		socketPath:   opts.SocketPath,
		buffer:       flow.New(opts.Flow, flow.WithLogger(logger.With("session_id", opts.SessionID))),
		logger:       logger,
		closeSignal:  opts.CloseSignal,
		closeTimeout: opts.CloseTimeout,
		exitLinger:   opts.ExitLinger,
		ctx:          linkCtx,
		cancel:       cancel,
		peerChanged:  make(chan struct{}),
		readDone:     make(chan struct{}),
		exited:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	if l.closeSignal == 0 {
		l.closeSignal = syscall.SIGHUP
	}
	if l.closeTimeout <= 0 {
		l.closeTimeout = DefaultCloseTimeout
	}
	if l.exitLinger <= 0 {
		l.exitLinger = DefaultExitLinger
	}

	cols, rows := proc.size()
	if opts.Registrar != nil {
		opts.Registrar.RegisterPTY(opts.SessionID, proc.pid(), cols, rows)
	}

	go l.acceptLoop()
	go l.readPump()
	go l.waitExit()
	go l.deliverPump()
	go l.signalPump()

	logger.Info("pty spawned", "session_id", l.sessionID, "pid", proc.pid(), "argv", argv, "cols", cols, "rows", rows)
	return l, nil
}

// SessionID returns the id the link reports under.
func (l *Link) SessionID() string { return l.sessionID }

// PID returns the child's process id.
func (l *Link) PID() int { return l.proc.pid() }

// Argv returns the command the link is running.
func (l *Link) Argv() []string { return l.argv }

// SocketPath returns the control socket path.
func (l *Link) SocketPath() string { return l.socketPath }

// Size returns the current PTY dimensions.
func (l *Link) Size() (cols, rows uint16) { return l.proc.size() }

// Title returns the last title set by a control command.
func (l *Link) Title() string {
	l.titleMu.Lock()
	defer l.titleMu.Unlock()
	return l.title
}

// Exited is closed once the process has exited and its exit chunk is
// queued.
func (l *Link) Exited() <-chan struct{} { return l.exited }

// ExitCode returns the exit code once Exited is closed.
func (l *Link) ExitCode() (int, bool) {
	select {
	case <-l.exited:
	default:
		return 0, false
	}
	l.exitMu.Lock()
	defer l.exitMu.Unlock()
	return l.exitCode, true
}

// Done is closed after the PTY and socket have been released.
func (l *Link) Done() <-chan struct{} { return l.done }

// SetFlowConfig applies new flow tuning to the live buffer.
func (l *Link) SetFlowConfig(cfg flow.Config) { l.buffer.SetConfig(cfg) }

// FlowStats returns the buffer counters.
func (l *Link) FlowStats() flow.Stats { return l.buffer.Stats() }

// Close stops the process: CloseSignal first, SIGKILL once CloseTimeout
// passes. Queued output is still delivered to a connected peer while the
// process winds down. Close blocks until resources are released.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		_ = l.proc.Signal(l.closeSignal)

		timer := time.NewTimer(l.closeTimeout)
		defer timer.Stop()
		select {
		case <-l.done:
		case <-timer.C:
			l.logger.Warn("pty close timed out, killing", "session_id", l.sessionID, "pid", l.proc.pid())
			_ = l.proc.Signal(syscall.SIGKILL)
			l.cancel()
			<-l.done
		}
	})
	return nil
}

// readPump moves PTY output into the flow buffer, holding off while the
// buffer is paused.
func (l *Link) readPump() {
	defer close(l.readDone)
	buf := make([]byte, readBufferSize)
	for {
		if err := l.buffer.WaitWritable(l.ctx); err != nil {
			return
		}
		n, err := l.proc.Read(buf)
		if n > 0 {
			if l.buffer.Push(flow.Output(buf[:n])) == flow.Closed {
				return
			}
		}
		if err != nil {
			// EIO is the normal signal that the slave side closed.
			return
		}
	}
}

// waitExit queues the exit chunk once the process is gone and whatever it
// wrote has been read.
func (l *Link) waitExit() {
	code := l.proc.wait()

	grace := time.NewTimer(readDrainGrace)
	select {
	case <-l.readDone:
	case <-l.ctx.Done():
	case <-grace.C:
		l.logger.Warn("pty still open after exit, truncating output", "session_id", l.sessionID)
	}
	grace.Stop()

	l.exitMu.Lock()
	l.exitCode = code
	l.exitMu.Unlock()
	l.buffer.Push(flow.Exit(code))
	close(l.exited)
	l.logger.Info("pty exited", "session_id", l.sessionID, "exit_code", code)

	linger := time.NewTimer(l.exitLinger)
	defer linger.Stop()
	select {
	case <-l.done:
	case <-linger.C:
		l.logger.Warn("pty output undelivered after exit, discarding", "session_id", l.sessionID,
			"pending_lines", l.buffer.Stats().Lines)
		l.cancel()
	}
}

// deliverPump drains the buffer to the current peer. It owns cleanup: the
// PTY and socket are released whenever it returns.
func (l *Link) deliverPump() {
	defer l.cleanup()
	for {
		batch, err := l.buffer.Next(l.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.logger.Debug("pty delivery stopped", "session_id", l.sessionID, "error", err)
			}
			return
		}
		for _, message := range l.messagesFor(batch) {
			if err := l.send(message); err != nil {
				return
			}
		}
	}
}

// signalPump reports flow pauses and resumes to the current peer. With no
// peer attached the transition is skipped; FlowStats stays authoritative.
func (l *Link) signalPump() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case paused := <-l.buffer.Signals():
			l.peerMu.Lock()
			conn := l.peer
			l.peerMu.Unlock()
			if conn == nil {
				continue
			}
			update := StatusUpdate{Status: StatusResumed, PendingLines: l.buffer.Stats().Lines}
			if paused {
				update.Status = StatusPaused
			}
			message, err := NewStatusMessage(update)
			if err != nil {
				continue
			}
			if err := l.writeTo(conn, message); err != nil {
				l.logger.Debug("pty flow status write failed", "session_id", l.sessionID, "status", update.Status, "error", err)
			}
		}
	}
}

// messagesFor converts a batch into socket messages, joining adjacent
// output chunks.
func (l *Link) messagesFor(batch []flow.Chunk) []Message {
	var (
		messages []Message
		pending  []byte
	)
	flushOutput := func() {
		if len(pending) > 0 {
			messages = append(messages, NewStdoutMessage(pending))
			pending = nil
		}
	}
	for _, chunk := range batch {
		switch chunk.Kind {
		case flow.KindOutput:
			pending = append(pending, chunk.Data...)
		case flow.KindResize:
			flushOutput()
			message, err := NewStatusMessage(StatusUpdate{Status: StatusResized, Cols: chunk.Cols, Rows: chunk.Rows})
			if err == nil {
				messages = append(messages, message)
			}
		case flow.KindExit:
			flushOutput()
			code := chunk.ExitCode
			message, err := NewStatusMessage(StatusUpdate{Status: StatusExited, PID: l.proc.pid(), ExitCode: &code})
			if err == nil {
				messages = append(messages, message)
			}
		}
	}
	flushOutput()
	return messages
}

// send writes message to the current peer, waiting for one if necessary.
// A message whose write fails is retried on the next peer.
func (l *Link) send(message Message) error {
	for {
		conn, err := l.waitPeer()
		if err != nil {
			return err
		}
		if err := l.writeTo(conn, message); err != nil {
			l.logger.Info("pty peer write failed, waiting for reconnect", "session_id", l.sessionID, "error", err)
			l.dropPeer(conn)
			continue
		}
		return nil
	}
}

func (l *Link) writeTo(conn net.Conn, message Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	return WriteMessage(conn, message)
}

func (l *Link) waitPeer() (net.Conn, error) {
	for {
		l.peerMu.Lock()
		conn, changed := l.peer, l.peerChanged
		l.peerMu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-l.ctx.Done():
			return nil, l.ctx.Err()
		case <-changed:
		}
	}
}

func (l *Link) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}
		l.attachPeer(conn)
	}
}

// attachPeer greets a new peer with the current status and makes it the
// delivery target, replacing any previous peer.
func (l *Link) attachPeer(conn net.Conn) {
	cols, rows := l.proc.size()
	hello, err := NewStatusMessage(StatusUpdate{
		Status: StatusRunning,
		PID:    l.proc.pid(),
		Cols:   cols,
		Rows:   rows,
		Title:  l.Title(),
	})
	if err != nil {
		conn.Close()
		return
	}
	if err := l.writeTo(conn, hello); err != nil {
		conn.Close()
		return
	}

	l.peerMu.Lock()
	old := l.peer
	l.peer = conn
	close(l.peerChanged)
	l.peerChanged = make(chan struct{})
	l.peerMu.Unlock()

	if old != nil {
		l.logger.Info("pty peer replaced", "session_id", l.sessionID)
		old.Close()
	} else {
		l.logger.Debug("pty peer attached", "session_id", l.sessionID)
	}
	go l.readPeer(conn)
}

func (l *Link) dropPeer(conn net.Conn) {
	l.peerMu.Lock()
	if l.peer == conn {
		l.peer = nil
		close(l.peerChanged)
		l.peerChanged = make(chan struct{})
	}
	l.peerMu.Unlock()
	conn.Close()
}

// readPeer applies stdin and control messages from one peer until it
// disconnects. The process keeps running either way.
func (l *Link) readPeer(conn net.Conn) {
	defer l.dropPeer(conn)
	for {
		message, err := ReadMessage(conn)
		if err != nil {
			return
		}
		switch message.Type {
		case MessageStdin:
			if _, err := l.proc.Write(message.Payload); err != nil {
				l.logger.Debug("pty stdin write failed", "session_id", l.sessionID, "error", err)
			}
		case MessageControl:
			command, err := ParseControlCommand(message.Payload)
			if err != nil {
				l.logger.Warn("pty control command rejected", "session_id", l.sessionID, "error", err)
				continue
			}
			l.applyControl(conn, command)
		default:
			l.logger.Warn("pty peer sent unexpected message", "session_id", l.sessionID, "type", message.Type)
		}
	}
}

func (l *Link) applyControl(conn net.Conn, command ControlCommand) {
	switch command.Cmd {
	case CommandResize:
		if err := l.proc.Resize(command.Cols, command.Rows); err != nil {
			l.logger.Warn("pty resize failed", "session_id", l.sessionID, "cols", command.Cols, "rows", command.Rows, "error", err)
			return
		}
		l.buffer.Push(flow.Resize(command.Cols, command.Rows))
	case CommandKill:
		signal, err := ParseSignal(command.Signal)
		if err != nil {
			l.logger.Warn("pty kill rejected", "session_id", l.sessionID, "error", err)
			return
		}
		if err := l.proc.Signal(signal); err != nil {
			l.logger.Debug("pty signal failed", "session_id", l.sessionID, "signal", signal, "error", err)
		}
	case CommandTitle:
		l.titleMu.Lock()
		l.title = command.Title
		l.titleMu.Unlock()
		cols, rows := l.proc.size()
		status, err := NewStatusMessage(StatusUpdate{Status: StatusRunning, PID: l.proc.pid(), Cols: cols, Rows: rows, Title: command.Title})
		if err != nil {
			return
		}
		if err := l.writeTo(conn, status); err != nil {
			l.logger.Debug("pty title ack failed", "session_id", l.sessionID, "error", err)
		}
	default:
		l.logger.Warn("pty unknown control command", "session_id", l.sessionID, "cmd", command.Cmd)
	}
}

// cleanup releases everything. It runs exactly once, from deliverPump.
func (l *Link) cleanup() {
	l.cancel()
	l.listener.Close()
	_ = os.Remove(l.socketPath)

	l.peerMu.Lock()
	peer := l.peer
	l.peer = nil
	l.peerMu.Unlock()
	if peer != nil {
		peer.Close()
	}

	_ = l.proc.Signal(syscall.SIGKILL)
	_ = l.proc.close()
	close(l.done)
	l.logger.Debug("pty released", "session_id", l.sessionID)
}
