// Package api serves the HTTP side of ptymux: session management, pruned
// recording downloads and the server event stream.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"

	"github.com/user/ptymux/internal/hub"
	"github.com/user/ptymux/internal/session"
)

const (
	defaultEventKeepalive = 15 * time.Second
	defaultEventRetry     = 3 * time.Second
)

type sessionRegistry interface {
	Create(ctx context.Context, opts session.CreateOptions) (*session.Session, error)
	List(ctx context.Context) ([]session.Info, error)
	Describe(ctx context.Context, id string) (session.Info, error)
	Remove(ctx context.Context, id string) error
	Resize(id string, cols, rows uint16) error
	ResetSize(id string) error
	SendInput(id string, data []byte) error
	SendKey(id, key string) error
	Kill(id, signal string) error
	RecordingPath(ctx context.Context, id string) (string, error)
	Events() *session.Bus
}

// Options configures the router.
type Options struct {
	Registry sessionRegistry
	// Token protects every route when non-empty.
	Token string

	EventKeepalive time.Duration
	EventRetry     time.Duration
	Logger         *slog.Logger
}

type handler struct {
	registry  sessionRegistry
	logger    *slog.Logger
	keepalive time.Duration
	retry     time.Duration
}

func NewRouter(opts Options) http.Handler {
	h := &handler{
		registry:  opts.Registry,
		logger:    opts.Logger,
		keepalive: opts.EventKeepalive,
		retry:     opts.EventRetry,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.keepalive <= 0 {
		h.keepalive = defaultEventKeepalive
	}
	if h.retry <= 0 {
		h.retry = defaultEventRetry
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.deleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/resize", h.resizeSession)
	mux.HandleFunc("POST /api/sessions/{id}/input", h.sendInput)
	mux.HandleFunc("POST /api/sessions/{id}/kill", h.killSession)
	// Recordings compress well; the event stream must not be buffered.
	mux.Handle("GET /api/sessions/{id}/replay", gziphandler.GzipHandler(http.HandlerFunc(h.replaySession)))
	mux.HandleFunc("GET /api/events", h.streamEvents)

	return authMiddleware(opts.Token)(corsMiddleware(mux))
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || hub.CheckToken(token, r) {
				next.ServeHTTP(w, r)
				return
			}
			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
