// Package transport is the client side of the multiplexed WS v3 transport,
// plus the reconnect policy shared by every component that redials.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/ptymux/internal/wire"
)

const (
	DefaultPingInterval     = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	defaultEventBuffer = 256
	readLimit          = 4 << 20
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventKind says which field of an Event is set.
type EventKind int

const (
	// EventState reports a state change.
	EventState EventKind = iota
	// EventFrame carries a session frame (stdout, snapshot, resize).
	EventFrame
	// EventServer carries a decoded server event.
	EventServer
	// EventError carries a server error frame or a connection failure.
	EventError
)

// Event is everything a Conn reports, on one channel.
type Event struct {
	Kind   EventKind
	State  State
	Frame  wire.Frame
	Server wire.ServerEvent
	Err    error
}

// Options configures a Conn.
type Options struct {
	URL        string
	AuthMode   wire.AuthMode
	Token      string
	ClientName string

	Backoff          BackoffPolicy
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	EventBuffer      int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Conn is a reconnecting WS v3 client. Frames sent while disconnected are
// queued and flushed in order once the server has welcomed the next
// connection. Subscriptions are restored after a reconnect.
type Conn struct {
	opts   Options
	url    string
	logger *slog.Logger
	events chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	state         State
	started       bool
	ready         bool
	pending       []wire.Frame
	wake          chan struct{}
	subscriptions map[string]wire.SubscribePayload
	welcome       wire.WelcomePayload
}

// New validates opts and returns an unconnected Conn.
func New(opts Options) (*Conn, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if opts.AuthMode == "" {
		opts.AuthMode = wire.AuthNone
		if opts.Token != "" {
			opts.AuthMode = wire.AuthToken
		}
	}
	if opts.AuthMode == wire.AuthToken && opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		opts:          opts,
		url:           u.String(),
		logger:        opts.Logger,
		events:        make(chan Event, opts.EventBuffer),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		wake:          make(chan struct{}, 1),
		subscriptions: make(map[string]wire.SubscribePayload),
	}, nil
}

// Events delivers state changes, frames, server events and errors. It is
// closed after Close.
func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Welcome returns the server's handshake answer from the current
// connection.
func (c *Conn) Welcome() wire.WelcomePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

// Connect starts the connection loop and waits for the first welcome.
// Dial failures are retried with backoff until ctx ends; authentication
// failures end the loop and are returned.
func (c *Conn) Connect(ctx context.Context) error {
	if c.opts.AuthMode == wire.AuthToken && c.opts.Token == "" {
		return ErrAuthRequired
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("transport: already connected")
	}
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.run(first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the connection, any pending backoff sleep and the keepalive.
// No reconnect follows.
func (c *Conn) Close() error {
	c.cancel()
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	} else {
		c.closeEvents()
	}
	return nil
}

// Send queues a frame. It is written immediately while connected and
// after the next welcome otherwise.
func (c *Conn) Send(frame wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.pending = append(c.pending, frame)
	if c.ready {
		c.signalLocked()
	}
	return nil
}

// Subscribe attaches to a session, or to server-wide events when
// sessionID is empty. The subscription is restored after reconnects.
func (c *Conn) Subscribe(sessionID string, payload wire.SubscribePayload) error {
	c.mu.Lock()
	c.subscriptions[sessionID] = payload
	c.mu.Unlock()
	return c.Send(wire.Frame{Type: wire.TypeSubscribe, SessionID: sessionID, Payload: payload.Encode()})
}

func (c *Conn) Unsubscribe(sessionID string) error {
	c.mu.Lock()
	delete(c.subscriptions, sessionID)
	c.mu.Unlock()
	return c.Send(wire.Frame{Type: wire.TypeUnsubscribe, SessionID: sessionID})
}

func (c *Conn) SendText(sessionID, text string) error {
	return c.Send(wire.Frame{Type: wire.TypeInputText, SessionID: sessionID, Payload: []byte(text)})
}

// SendKey sends a named key such as "Enter" or "C-c".
func (c *Conn) SendKey(sessionID, key string) error {
	return c.Send(wire.Frame{Type: wire.TypeInputKey, SessionID: sessionID, Payload: []byte(key)})
}

func (c *Conn) Resize(sessionID string, cols, rows uint16) error {
	return c.Send(wire.Frame{Type: wire.TypeResize, SessionID: sessionID, Payload: wire.EncodeResize(cols, rows)})
}

// Kill signals the session's process; empty signal means SIGTERM.
func (c *Conn) Kill(sessionID, signal string) error {
	return c.Send(wire.Frame{Type: wire.TypeKill, SessionID: sessionID, Payload: []byte(signal)})
}

func (c *Conn) ResetSize(sessionID string) error {
	return c.Send(wire.Frame{Type: wire.TypeResetSize, SessionID: sessionID})
}

func (c *Conn) run(first chan<- error) {
	defer close(c.done)
	defer c.closeEvents()

	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}
	defer report(ErrClosed)

	attempt := 0
	for {
		c.setState(Connecting)
		ws, err := c.dial()
		if err == nil {
			var welcomed bool
			welcomed, err = c.serve(ws, func() { report(nil) })
			if welcomed {
				attempt = 0
			}
		}
		c.setState(Disconnected)

		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				c.emit(Event{Kind: EventError, Err: err})
				report(err)
				return
			}
			c.logger.Debug("transport connection failed", "url", c.opts.URL, "attempt", attempt+1, "error", err)
			c.emit(Event{Kind: EventError, Err: err})
		}

		attempt++
		if err := c.opts.Backoff.Sleep(c.ctx, attempt); err != nil {
			return
		}
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if c.opts.AuthMode == wire.AuthToken {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: c.opts.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	ws.SetReadLimit(readLimit)
	return ws, nil
}

// serve runs one connection: hello, wait for welcome, then dispatch until
// the connection fails. It reports whether the handshake completed.
func (c *Conn) serve(ws *websocket.Conn, onWelcome func()) (bool, error) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	defer ws.Close(websocket.StatusNormalClosure, "")

	hello := wire.NewHelloFrame(wire.HelloPayload{AuthMode: c.opts.AuthMode, ClientName: c.opts.ClientName})
	if err := ws.Write(ctx, websocket.MessageBinary, hello.Encode()); err != nil {
		return false, &TransportError{Op: "hello", Err: err}
	}

	var (
		welcomed bool
		workers  sync.WaitGroup
	)
	defer func() {
		cancel()
		workers.Wait()
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()
	}()

	handshake := time.AfterFunc(c.opts.HandshakeTimeout, func() {
		c.logger.Warn("transport handshake timed out", "url", c.opts.URL)
		cancel()
	})
	defer handshake.Stop()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return welcomed, nil
			}
			return welcomed, &TransportError{Op: "read", Err: err}
		}
		frame, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("transport dropped malformed frame", "error", err)
			continue
		}

		if !welcomed {
			if frame.Type != wire.TypeWelcome {
				continue
			}
			handshake.Stop()
			var welcome wire.WelcomePayload
			if err := json.Unmarshal(frame.Payload, &welcome); err != nil {
				c.logger.Warn("transport welcome payload unreadable", "error", err)
			}
			welcomed = true
			c.markReady(welcome)

			workers.Add(2)
			go func() {
				defer workers.Done()
				if err := c.writeLoop(ctx, ws); err != nil && ctx.Err() == nil {
					c.logger.Debug("transport write failed", "error", err)
					ws.Close(websocket.StatusInternalError, "write failed")
				}
			}()
			go func() {
				defer workers.Done()
				c.keepalive(ctx)
			}()

			c.setState(Connected)
			onWelcome()
			continue
		}
		c.dispatch(frame)
	}
}

// markReady restores subscriptions ahead of frames queued while
// disconnected and opens the queue for writing.
func (c *Conn) markReady(welcome wire.WelcomePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queued := make(map[string]bool)
	for _, frame := range c.pending {
		if frame.Type == wire.TypeSubscribe || frame.Type == wire.TypeUnsubscribe {
			queued[frame.SessionID] = true
		}
	}
	var restore []wire.Frame
	for sessionID, payload := range c.subscriptions {
		if !queued[sessionID] {
			restore = append(restore, wire.Frame{Type: wire.TypeSubscribe, SessionID: sessionID, Payload: payload.Encode()})
		}
	}
	c.pending = append(restore, c.pending...)
	c.welcome = welcome
	c.ready = true
	c.signalLocked()
}

// writeLoop is the only writer on a connection. Frames that could not be
// written go back to the front of the queue for the next connection.
func (c *Conn) writeLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		}

		c.mu.Lock()
		if !c.ready {
			c.mu.Unlock()
			continue
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for i, frame := range batch {
			if err := ws.Write(ctx, websocket.MessageBinary, frame.Encode()); err != nil {
				c.mu.Lock()
				c.pending = append(batch[i:len(batch):len(batch)], c.pending...)
				c.mu.Unlock()
				return err
			}
		}
	}
}

func (c *Conn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.ready {
				c.pending = append(c.pending, wire.Frame{Type: wire.TypePing})
				c.signalLocked()
			}
			c.mu.Unlock()
		}
	}
}

func (c *Conn) dispatch(frame wire.Frame) {
	switch frame.Type {
	case wire.TypePong, wire.TypeWelcome:
	case wire.TypePing:
		_ = c.Send(wire.Frame{Type: wire.TypePong, Payload: frame.Payload})
	case wire.TypeEvent:
		event, err := wire.ParseServerEvent(frame)
		if err != nil {
			c.logger.Warn("transport dropped bad event", "session_id", frame.SessionID, "error", err)
			return
		}
		c.emit(Event{Kind: EventServer, Server: event, Frame: frame})
	case wire.TypeError:
		c.emit(Event{Kind: EventError, Frame: frame, Err: &ServerError{SessionID: frame.SessionID, Message: string(frame.Payload)}})
	default:
		c.emit(Event{Kind: EventFrame, Frame: frame})
	}
}

func (c *Conn) setState(state State) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed {
		c.emit(Event{Kind: EventState, State: state})
	}
}

// emit blocks while the consumer is behind, which pushes back on the
// socket reader. It gives up once the Conn is closed.
func (c *Conn) emit(event Event) {
	select {
	case c.events <- event:
	case <-c.ctx.Done():
	}
}

func (c *Conn) signalLocked() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) closeEvents() {
	c.closeOnce.Do(func() { close(c.events) })
}
