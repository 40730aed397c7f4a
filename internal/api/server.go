package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/snapsync/internal/serverdb"
)

// Server is the HTTP API server for snapsync-server.
type Server struct {
	config      Config
	http        *http.Server
	store       *serverdb.ServerDB
	metrics     *Metrics
	rateLimiter *RateLimiter
	fanout      *Broadcaster
	ctx         context.Context
	cancel      context.CancelFunc
	addr        net.Addr
}

// NewServer creates a new Server with the given config and store.
func NewServer(cfg Config, store *serverdb.ServerDB) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("new server: nil store")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMetrics()
	s := &Server{
		config:      cfg,
		store:       store,
		metrics:     m,
		rateLimiter: NewRateLimiter(ctx),
		fanout:      NewBroadcaster(m),
		ctx:         ctx,
		cancel:      cancel,
	}

	s.http = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     s.routes(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: subscriptions are long-lived. Websocket writes
		// carry their own deadline.
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Addr returns the bound listen address once Start has returned.
func (s *Server) Addr() net.Addr { return s.addr }

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	// Periodically prune old rate limit events
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("cleanup panic", "panic", r)
			}
		}()
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				n, err := s.store.CleanupRateLimitEvents(s.config.RateLimitEventRetention)
				if err != nil {
					slog.Error("cleanup rate limit events", "err", err)
				} else if n > 0 {
					slog.Info("cleaned up rate limit events", "count", n)
				}
			}
		}
	}()

	return nil
}

// Shutdown gracefully stops the server and disconnects subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.fanout.CloseAll()
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	// Documents
	mux.HandleFunc("GET /v1/docs/{id}", s.requireAuth(s.withRateLimit(s.handleGetDocument, classRead, s.config.RateLimitRead)))
	mux.HandleFunc("PUT /v1/docs/{id}", s.requireAuth(s.withRateLimit(s.handlePutDocument, classWrite, s.config.RateLimitWrite)))
	mux.HandleFunc("GET /v1/docs/{id}/subscribe", s.requireAuth(s.withRateLimit(s.handleSubscribe, classRead, s.config.RateLimitRead)))

	maxBytes := s.config.MaxDocumentBytes
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, s.CORSMiddleware, maxBytesMiddleware(maxBytes))
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
