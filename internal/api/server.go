// Package api serves the optional loopback development API.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hybridshell/internal/events"
	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/internal/protocol"
)

// PluginInvoker dispatches calls outside the script bridge.
type PluginInvoker interface {
	Invoke(ctx context.Context, service, action, rawArgs string) (string, <-chan *protocol.Result)
	Plugins() []plugin.Info
}

// Lifecycle injects host lifecycle events.
type Lifecycle interface {
	HandlePause()
	HandleResume()
	Pending() int
}

// Config holds API server configuration.
type Config struct {
	Listen string
	APIKey string
	// ExecTimeout bounds how long POST /exec waits for a final result.
	ExecTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	invoker   PluginInvoker
	lifecycle Lifecycle
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, invoker PluginInvoker, lifecycle Lifecycle, hub *events.Hub, logger *slog.Logger) *Server {
	if config.ExecTimeout <= 0 {
		config.ExecTimeout = 30 * time.Second
	}
	return &Server{
		config:    config,
		invoker:   invoker,
		lifecycle: lifecycle,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
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

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/plugins", s.handleListPlugins)
		r.Get("/openapi.json", s.handleOpenAPI)
		r.Post("/exec/{service}/{action}", s.handleExec)
		r.Post("/lifecycle/{event}", s.handleLifecycle)
		r.Get("/events", s.handleEvents)
	})

	return r
}

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
