// Package server exposes a worklets scene over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/worklets/internal/errors"
	"github.com/3leaps/worklets/internal/server/handlers"
	"github.com/3leaps/worklets/internal/server/middleware"
)

// Server is the worklets HTTP server.
type Server struct {
	host   string
	port   int
	logger *zap.Logger
	source handlers.FrameSource

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	metrics      bool
	profiler     bool

	router     chi.Router
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSource mounts the /v1 scene routes rendering from src.
func WithSource(src handlers.FrameSource) Option {
	return func(s *Server) { s.source = src }
}

// WithTimeouts sets the http.Server timeouts. Zero keeps the default.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// WithMetrics mounts GET /metrics.
func WithMetrics() Option {
	return func(s *Server) { s.metrics = true }
}

// WithProfiler mounts the net/http/pprof handlers under /debug.
func WithProfiler() Option {
	return func(s *Server) { s.profiler = true }
}

// New builds a server listening on host:port. Routes are mounted
// immediately; nothing listens until Start.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFoundError(fmt.Sprintf("no route for %s", req.URL.Path)))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, &apperrors.AppError{
			Code:    apperrors.CodeMethodNotAllowed,
			Status:  http.StatusMethodNotAllowed,
			Message: fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path),
		})
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.metrics {
		r.Get("/metrics", handlers.Metrics)
	}

	if s.profiler {
		r.Mount("/debug", chimw.Profiler())
	}

	if s.source != nil {
		scene := handlers.NewScene(s.source)
		r.Route("/v1", func(r chi.Router) {
			r.Get("/worklets", scene.Worklets)
			r.Get("/stats", scene.Stats)
			r.Get("/frames/{index}", scene.Frame)
		})
	}
	return r
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
}

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.Addr()))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
