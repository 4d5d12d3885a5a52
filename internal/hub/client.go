package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/user/ptymux/internal/session"
	"github.com/user/ptymux/internal/wire"
)

// Client is one viewer connection. writePump is the only writer on conn.
type Client struct {
	id      string
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	helloed bool

	subMu         sync.Mutex
	global        bool
	subscriptions map[string]*subscription
}

type subscription struct {
	payload wire.SubscribePayload
	sub     *session.Subscriber
	cancel  context.CancelFunc
}

func newClient(conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		id:            uuid.NewString(),
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, hub.opts.SendBuffer),
		done:          make(chan struct{}),
		limiter:       rate.NewLimiter(rate.Limit(hub.opts.InputRate), hub.opts.InputBurst),
		subscriptions: make(map[string]*subscription),
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				c.hub.logger.Debug("client read failed", "client_id", c.id, "error", err)
			}
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			c.hub.logger.Debug("client sent invalid frame", "client_id", c.id, "error", err)
			c.sendError("", "invalid frame: "+err.Error())
			continue
		}

		if !c.helloed {
			if frame.Type != wire.TypeHello {
				continue
			}
			c.handleHello(frame)
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleHello(frame wire.Frame) {
	var hello wire.HelloPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &hello); err != nil {
			c.sendError("", "invalid hello payload")
			return
		}
	}
	c.helloed = true
	c.enqueueFrame(wire.NewWelcomeFrame(wire.WelcomePayload{
		ServerVersion: c.hub.opts.ServerVersion,
		ClientID:      c.id,
		Sessions:      c.hub.registry.Count(),
	}))
	c.hub.logger.Debug("client handshake", "client_id", c.id, "client_name", hello.ClientName)
}

func (c *Client) handleFrame(ctx context.Context, frame wire.Frame) {
	id := frame.SessionID
	switch frame.Type {
	case wire.TypeHello:
		c.handleHello(frame)
	case wire.TypePing:
		c.enqueueFrame(wire.Frame{Type: wire.TypePong, Payload: frame.Payload})
	case wire.TypePong:
	case wire.TypeSubscribe:
		payload, err := wire.ParseSubscribePayload(frame.Payload)
		if err != nil {
			c.sendError(id, err.Error())
			return
		}
		c.subscribe(ctx, id, payload)
	case wire.TypeUnsubscribe:
		c.unsubscribe(id)
	case wire.TypeInputText, wire.TypeInputKey, wire.TypeResize, wire.TypeKill, wire.TypeResetSize:
		if id == "" {
			c.sendError("", frame.Type.String()+" needs a session id")
			return
		}
		if !c.limiter.Allow() {
			c.sendError(id, "input rate limit exceeded")
			return
		}
		if err := c.route(frame); err != nil {
			c.sendError(id, err.Error())
		}
	default:
		c.sendError(id, fmt.Sprintf("unexpected %s frame", frame.Type))
	}
}

func (c *Client) route(frame wire.Frame) error {
	reg := c.hub.registry
	id := frame.SessionID
	switch frame.Type {
	case wire.TypeInputText:
		return reg.SendInput(id, frame.Payload)
	case wire.TypeInputKey:
		return reg.SendKey(id, string(frame.Payload))
	case wire.TypeResize:
		cols, rows, err := wire.ParseResize(frame.Payload)
		if err != nil {
			return err
		}
		return reg.Resize(id, cols, rows)
	case wire.TypeKill:
		return reg.Kill(id, string(frame.Payload))
	case wire.TypeResetSize:
		return reg.ResetSize(id)
	}
	return nil
}

// subscribe replaces any earlier subscription to the same session. An
// empty session id subscribes to every server event.
func (c *Client) subscribe(ctx context.Context, id string, payload wire.SubscribePayload) {
	if id == "" {
		c.subMu.Lock()
		c.global = true
		c.subMu.Unlock()
		return
	}
	c.unsubscribe(id)

	s := &subscription{payload: payload}
	if payload.Flags.Has(wire.FlagStdout) || payload.Flags.Has(wire.FlagSnapshot) {
		sub, err := c.hub.registry.Subscribe(id, payload)
		if err != nil {
			c.sendError(id, err.Error())
			return
		}
		s.sub = sub
	}

	c.subMu.Lock()
	c.subscriptions[id] = s
	c.subMu.Unlock()

	if s.sub != nil {
		fctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go c.forward(fctx, s)
	}
}

func (c *Client) unsubscribe(id string) {
	c.subMu.Lock()
	if id == "" {
		c.global = false
		c.subMu.Unlock()
		return
	}
	s := c.subscriptions[id]
	delete(c.subscriptions, id)
	c.subMu.Unlock()
	s.close()
}

func (s *subscription) close() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		s.sub.Close()
	}
}

// forward sends the replay, then live frames, until the subscription ends.
func (c *Client) forward(ctx context.Context, s *subscription) {
	for _, frame := range s.sub.Replay() {
		if !c.enqueueFrame(frame) {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-s.sub.Frames():
			if !c.enqueueFrame(frame) {
				return
			}
		case <-s.sub.Done():
			if ctx.Err() != nil {
				return
			}
			if !c.drainFrames(s) {
				return
			}
			id := s.sub.SessionID()
			c.subMu.Lock()
			if c.subscriptions[id] == s {
				delete(c.subscriptions, id)
			}
			c.subMu.Unlock()
			c.sendError(id, "subscription ended")
			return
		}
	}
}

// wantsEvent reports whether event should be broadcast to c. A session's
// exit already travels in-stream on a subscription that carries events and
// is not sent twice.
func (c *Client) wantsEvent(event wire.ServerEvent) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if event.SessionID == "" {
		return c.global
	}
	s, ok := c.subscriptions[event.SessionID]
	inStream := ok && s.sub != nil && s.payload.Flags.Has(wire.FlagEvents)
	if inStream && event.Kind == wire.EventSessionExited {
		return false
	}
	if c.global {
		return true
	}
	return ok && s.payload.Flags.Has(wire.FlagEvents)
}

// drainFrames sends what a finished subscriber still has buffered.
func (c *Client) drainFrames(s *subscription) bool {
	for {
		select {
		case frame := <-s.sub.Frames():
			if !c.enqueueFrame(frame) {
				return false
			}
		default:
			return true
		}
	}
}

func (c *Client) sendError(sessionID, message string) {
	c.enqueueFrame(wire.NewErrorFrame(sessionID, message))
}

func (c *Client) enqueueFrame(frame wire.Frame) bool {
	return c.enqueue(frame.Encode())
}

// enqueue never blocks. A client whose buffer is full is disconnected so it
// can resubscribe and get a consistent replay.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.logger.Warn("client send buffer full, disconnecting", "client_id", c.id)
		c.stop()
		return false
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			c.drain(ctx)
			c.conn.Close(websocket.StatusTryAgainLater, "closing")
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case msg := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
				if !errors.Is(err, context.Canceled) {
					c.hub.logger.Debug("client write failed", "client_id", c.id, "error", err)
				}
				c.stop()
				return
			}
		}
	}
}

// drain flushes what is already buffered, bounded so a stuck peer cannot
// hold the goroutine.
func (c *Client) drain(ctx context.Context) {
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(wctx, websocket.MessageBinary, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// stop ends the client's subscriptions and its writer. Safe to call more
// than once.
func (c *Client) stop() {
	c.once.Do(func() {
		close(c.done)
		c.subMu.Lock()
		subs := c.subscriptions
		c.subscriptions = make(map[string]*subscription)
		c.global = false
		c.subMu.Unlock()
		for _, s := range subs {
			s.close()
		}
	})
}
