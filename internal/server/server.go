// Package server wires the session registry, the WebSocket hub and the HTTP
// API into one listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/user/ptymux/internal/api"
	"github.com/user/ptymux/internal/config"
	"github.com/user/ptymux/internal/db"
	"github.com/user/ptymux/internal/hub"
	"github.com/user/ptymux/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Version is reported to viewers in the welcome frame.
var Version = "dev"

type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *db.DB
	registry *session.Registry
	hub      *hub.Hub
	handler  http.Handler
}

// New opens the session catalog and builds the registry, hub and routes.
// Sessions the catalog still lists as running belonged to a previous
// process and are marked exited.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	database, err := db.Open(ctx, cfg.Database())
	if err != nil {
		return nil, fmt.Errorf("open session catalog: %w", err)
	}
	catalog := database.Sessions()
	if n, err := catalog.MarkOrphaned(ctx); err != nil {
		logger.Warn("mark orphaned sessions failed", "error", err)
	} else if n > 0 {
		logger.Info("marked orphaned sessions exited", "count", n)
	}

	registry := session.New(session.Options{
		DataDir:        cfg.DataDir,
		Catalog:        catalog,
		Flow:           cfg.Flow,
		DefaultCommand: cfg.DefaultCommand,
		DefaultCols:    cfg.DefaultCols,
		DefaultRows:    cfg.DefaultRows,
		Logger:         logger,
	})

	token := cfg.AuthToken()
	h := hub.New(registry, hub.Options{
		Token:         token,
		ServerVersion: Version,
		InputRate:     cfg.Input.Rate,
		InputBurst:    cfg.Input.Burst,
		Logger:        logger,
	})
	apiHandler := api.NewRouter(api.Options{
		Registry: registry,
		Token:    token,
		Logger:   logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.Handle("/api/", apiHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "ok %d\n", registry.Count())
	})

	return &Server{
		cfg:      cfg,
		logger:   logger,
		db:       database,
		registry: registry,
		hub:      h,
		handler:  mux,
	}, nil
}

// Handler serves /ws, /api/ and /healthz.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Registry() *session.Registry { return s.registry }

// Start listens on the configured address until ctx ends, then shuts down
// viewers, sessions and the catalog in that order.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.close()
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.hub.Run(ctx)
	}()
	if s.cfg.ConfigPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.WatchFlow(ctx, s.cfg.ConfigPath, s.cfg.Flow, s.logger, s.registry.SetFlowConfig)
			if err != nil {
				s.logger.Warn("config watcher stopped", "path", s.cfg.ConfigPath, "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}
	wg.Wait()
	if err := s.registry.Close(shutdownCtx); err != nil {
		s.logger.Warn("registry close failed", "error", err)
	}
	s.close()
	return serveErr
}

func (s *Server) close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("close session catalog", "error", err)
	}
}
