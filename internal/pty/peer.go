package pty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/user/ptymux/internal/transport"
)

// ErrPeerDisconnected is returned by Peer.Send while the control socket is
// being redialed.
var ErrPeerDisconnected = errors.New("pty: peer disconnected")

// PeerOptions configures Dial.
type PeerOptions struct {
	Backoff transport.BackoffPolicy
	// MaxAttempts caps consecutive failed redials; zero means no cap.
	MaxAttempts int
	Logger      *slog.Logger
}

// Peer is the registry's end of a link's control socket. It redials after
// a drop, so the PTY keeps running and delivery resumes where it left off.
type Peer struct {
	path        string
	backoff     transport.BackoffPolicy
	maxAttempts int
	logger      *slog.Logger
	dialer      net.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn net.Conn

	events chan Event
	done   chan struct{}
}

// Dial connects to the control socket at path. The first attempt must
// succeed; later drops are retried with the backoff policy.
func Dial(ctx context.Context, path string, opts PeerOptions) (*Peer, error) {
	p := &Peer{
		path:        path,
		backoff:     opts.Backoff,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		events:      make(chan Event, 64),
		done:        make(chan struct{}),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	conn, err := p.dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	p.conn = conn
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	go p.run(conn)
	return p, nil
}

// Events delivers output and status updates in link order. It is closed
// after the exited status, after Close, or when redialing gives up.
func (p *Peer) Events() <-chan Event { return p.events }

// Done is closed when the peer has stopped.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Connected reports whether a socket is currently attached.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Send writes one message to the link.
func (p *Peer) Send(message Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrPeerDisconnected
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	return WriteMessage(p.conn, message)
}

// SendInput forwards keystrokes to the PTY.
func (p *Peer) SendInput(data []byte) error {
	return p.Send(NewStdinMessage(data))
}

// Resize asks the link to resize the PTY.
func (p *Peer) Resize(cols, rows uint16) error {
	return p.sendControl(ControlCommand{Cmd: CommandResize, Cols: cols, Rows: rows})
}

// Kill asks the link to signal the process. Empty signal means SIGTERM.
func (p *Peer) Kill(signal string) error {
	return p.sendControl(ControlCommand{Cmd: CommandKill, Signal: signal})
}

// SetTitle records a title on the link.
func (p *Peer) SetTitle(title string) error {
	return p.sendControl(ControlCommand{Cmd: CommandTitle, Title: title})
}

func (p *Peer) sendControl(command ControlCommand) error {
	message, err := NewControlMessage(command)
	if err != nil {
		return err
	}
	return p.Send(message)
}

// Close disconnects for good and waits for the reader to stop.
func (p *Peer) Close() error {
	p.cancel()
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()
	<-p.done
	return nil
}

func (p *Peer) run(conn net.Conn) {
	defer close(p.done)
	defer close(p.events)

	for {
		exited := p.readLoop(conn)

		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		conn.Close()

		if exited || p.ctx.Err() != nil {
			return
		}

		next, err := p.redial()
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.Warn("pty peer gave up reconnecting", "socket", p.path, "error", err)
			}
			return
		}
		conn = next
	}
}

// readLoop forwards messages until the connection fails or the exited
// status has been delivered.
func (p *Peer) readLoop(conn net.Conn) bool {
	for {
		message, err := ReadMessage(conn)
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.Debug("pty peer read failed", "socket", p.path, "error", err)
			}
			return false
		}

		var event Event
		switch message.Type {
		case MessageStdout:
			event = Event{Type: EventOutput, Data: message.Payload}
		case MessageStatus:
			status, err := ParseStatusUpdate(message.Payload)
			if err != nil {
				p.logger.Warn("pty peer dropped bad status update", "socket", p.path, "error", err)
				continue
			}
			event = Event{Type: EventStatus, Status: status}
		default:
			p.logger.Warn("pty peer got unexpected message", "socket", p.path, "type", message.Type)
			continue
		}

		select {
		case p.events <- event:
		case <-p.ctx.Done():
			return false
		}
		if event.Exited() {
			return true
		}
	}
}

func (p *Peer) redial() (net.Conn, error) {
	for attempt := 1; ; attempt++ {
		if err := p.backoff.Sleep(p.ctx, attempt); err != nil {
			return nil, err
		}
		conn, err := p.dialer.DialContext(p.ctx, "unix", p.path)
		if err == nil {
			p.mu.Lock()
			if p.ctx.Err() != nil {
				p.mu.Unlock()
				conn.Close()
				return nil, p.ctx.Err()
			}
			p.conn = conn
			p.mu.Unlock()
			p.logger.Info("pty peer reconnected", "socket", p.path, "attempt", attempt)
			return conn, nil
		}
		if p.maxAttempts > 0 && attempt >= p.maxAttempts {
			return nil, err
		}
		p.logger.Debug("pty peer redial failed", "socket", p.path, "attempt", attempt, "error", err)
	}
}
