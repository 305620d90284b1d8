// Package api is the HTTP surface: session-gated endpoints for the
// submitting client, secret-gated endpoints for the bridge worker, and SSE
// feeds for streaming replies and operator events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/silentstar/starbridge/internal/auth"
	"github.com/silentstar/starbridge/internal/bridge"
	"github.com/silentstar/starbridge/internal/events"
	"github.com/silentstar/starbridge/internal/history"
	"github.com/silentstar/starbridge/internal/job"
	"github.com/silentstar/starbridge/internal/stream"
	"github.com/silentstar/starbridge/internal/upload"
	"github.com/silentstar/starbridge/internal/vocab"
)

// Config holds API server configuration.
type Config struct {
	Listen string
	// AppPasswordHash is the bcrypt hash for client login. Empty disables
	// session auth (local development).
	AppPasswordHash string
	// BridgeSecret authenticates the worker via X-Bridge-Secret.
	BridgeSecret  string
	SecureCookies bool
}

// Server wires the domain components behind chi routes.
type Server struct {
	config    Config
	ledger    *job.Ledger
	tracker   *bridge.Tracker
	streams   *stream.Channel
	uploads   *upload.Store
	turns     *history.Store
	hub       *events.Hub
	sessions  *auth.Sessions
	vocab     *vocab.Vocab
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// Deps collects the collaborators a Server needs. Turns may be nil, in
// which case history endpoints report empty results.
type Deps struct {
	Ledger   *job.Ledger
	Tracker  *bridge.Tracker
	Streams  *stream.Channel
	Uploads  *upload.Store
	Turns    *history.Store
	Hub      *events.Hub
	Sessions *auth.Sessions
	Vocab    *vocab.Vocab
}

// New creates a new API server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	v := deps.Vocab
	if v == nil {
		v = vocab.Default()
	}
	hub := deps.Hub
	if hub == nil {
		hub = events.NewHub(64)
	}
	return &Server{
		config:    config,
		ledger:    deps.Ledger,
		tracker:   deps.Tracker,
		streams:   deps.Streams,
		uploads:   deps.Uploads,
		turns:     deps.Turns,
		hub:       hub,
		sessions:  deps.Sessions,
		vocab:     v,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Hub exposes the event feed for in-process subscribers (the watch TUI).
func (s *Server) Hub() *events.Hub { return s.hub }

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// Write timeout must outlive the longest SSE follow.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)

		// Client endpoints behind the session cookie.
		r.Group(func(r chi.Router) {
			r.Use(s.sessionMiddleware)
			r.Post("/submit", s.handleSubmit)
			r.Get("/status", s.handleStatus)
			r.Get("/stream", s.handleStream)
			r.Get("/history", s.handleHistory)
			r.Get("/events", s.handleEvents)
		})

		// Worker endpoints behind the shared secret.
		r.Route("/bridge", func(r chi.Router) {
			r.Use(s.bridgeMiddleware)
			r.Post("/claim", s.handleClaim)
			r.Post("/complete", s.handleComplete)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/stream", s.handleStreamIngest)
			r.Get("/download", s.handleDownload)
			r.Get("/state", s.handleBridgeState)
		})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// sessionMiddleware requires a live session cookie unless session auth is
// disabled by configuration.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AppPasswordHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.sessions.Valid(auth.FromRequest(r)) {
			s.writeError(w, http.StatusUnauthorized, codeUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bridgeMiddleware requires the shared worker secret.
func (s *Server) bridgeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.ConstantTimeEqual(r.Header.Get("X-Bridge-Secret"), s.config.BridgeSecret) {
			s.writeError(w, http.StatusUnauthorized, codeUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes the uniform JSON error envelope.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code string) {
	respondJSON(w, statusCode, ErrorResponse{OK: false, Error: code})
}
