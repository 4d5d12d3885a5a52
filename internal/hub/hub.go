// Package hub is the server side of the multiplexed transport: it accepts
// WebSocket viewers, speaks WS v3 frames with them and routes their
// subscriptions and input to the session registry.
package hub

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/ptymux/internal/session"
	"github.com/user/ptymux/internal/wire"
)

const (
	defaultSendBuffer   = 256
	defaultPingInterval = 30 * time.Second
	defaultReadLimit    = 1 << 20
	defaultInputRate    = 200
	defaultInputBurst   = 400
)

// Registry is the part of the session registry the hub drives.
type Registry interface {
	Count() int
	Events() *session.Bus
	Subscribe(id string, payload wire.SubscribePayload) (*session.Subscriber, error)
	SendInput(id string, data []byte) error
	SendKey(id, key string) error
	Resize(id string, cols, rows uint16) error
	ResetSize(id string) error
	Kill(id, signal string) error
}

// Options configures a Hub.
type Options struct {
	// Token enables authentication when non-empty.
	Token         string
	ServerVersion string

	// InputRate and InputBurst bound input frames per client per second.
	InputRate  float64
	InputBurst int

	SendBuffer     int
	PingInterval   time.Duration
	ReadLimit      int64
	OriginPatterns []string
	Logger         *slog.Logger
}

type Hub struct {
	registry Registry
	opts     Options
	logger   *slog.Logger

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	running    atomic.Bool
}

func New(registry Registry, opts Options) *Hub {
	if opts.ServerVersion == "" {
		opts.ServerVersion = "dev"
	}
	if opts.InputRate <= 0 {
		opts.InputRate = defaultInputRate
	}
	if opts.InputBurst <= 0 {
		opts.InputBurst = defaultInputBurst
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		registry:   registry,
		opts:       opts,
		logger:     opts.Logger,
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
	}
}

// Run owns the client set and forwards server events until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	bus := h.registry.Events()
	listener := bus.Subscribe(0)
	defer func() { listener.Close() }()
	var lastID uint64

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.clients {
				c.stop()
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			go c.writePump(ctx)
			go c.readPump(ctx)
			h.logger.Info("client connected", "client_id", c.id, "clients", h.ClientCount())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				c.stop()
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", "client_id", c.id, "clients", h.ClientCount())

		case event, ok := <-listener.C():
			if !ok {
				h.logger.Warn("event listener detached, resubscribing", "last_event_id", lastID)
				listener = bus.Subscribe(lastID)
				continue
			}
			lastID = event.ID
			h.broadcast(event.ServerEvent)
		}
	}
}

func (h *Hub) broadcast(event wire.ServerEvent) {
	frame, err := event.Frame()
	if err != nil {
		h.logger.Error("encode server event", "kind", event.Kind, "error", err)
		return
	}
	data := frame.Encode()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.wantsEvent(event) {
			c.enqueue(data)
		}
	}
}

// HandleWebSocket authenticates and upgrades a viewer connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.Authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(h.opts.ReadLimit)

	c := newClient(conn, h)
	if !h.running.Load() {
		conn.Close(websocket.StatusTryAgainLater, "server not running")
		return
	}
	select {
	case h.register <- c:
	default:
		h.logger.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

// Authorized checks the bearer header or the token query parameter. It
// accepts everything when no token is configured.
func (h *Hub) Authorized(r *http.Request) bool {
	return CheckToken(h.opts.Token, r)
}

// CheckToken compares the request's credentials with token in constant
// time. An empty token disables the check.
func CheckToken(token string, r *http.Request) bool {
	if token == "" {
		return true
	}
	candidate := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		candidate = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.running.Load() {
		c.stop()
		return
	}
	select {
	case h.unregister <- c:
	default:
		h.logger.Warn("unregister channel full, forcing close", "client_id", c.id)
		c.stop()
	}
}
