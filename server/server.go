// Package server exposes the portal login and extraction flow over HTTP.
// Every session owns a browser and a directory of artifacts.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"foresync/auth"
	"foresync/extract"
	"foresync/metrics"
	"foresync/ratelimit"
)

// Config holds the HTTP front-end settings.
type Config struct {
	Addr            string
	AllowedOrigin   string
	CleanupInterval time.Duration
	// RunTimeout bounds the wait for the portal's answer after /run submits.
	RunTimeout time.Duration

	Auth    auth.Config
	Extract extract.Config
}

// History persists login attempts and extraction steps.
type History interface {
	auth.AttemptRecorder
	extract.ExtractionRecorder
}

// Server serves the portal API.
type Server struct {
	cfg      Config
	registry *Registry
	logger   *logrus.Logger

	metrics *metrics.Collector
	history History
	limiter *ratelimit.RateLimiter
}

// New creates a server over registry.
func New(cfg Config, registry *Registry, logger *logrus.Logger) *Server {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 60 * time.Second
	}
	return &Server{cfg: cfg, registry: registry, logger: logger}
}

// WithMetrics records requests, logins, extractions and session counts.
func (s *Server) WithMetrics(c *metrics.Collector) *Server {
	s.metrics = c
	s.registry.WithObserver(c)
	return s
}

func (s *Server) WithHistory(h History) *Server {
	s.history = h
	return s
}

func (s *Server) WithLimiter(l *ratelimit.RateLimiter) *Server {
	s.limiter = l
	return s
}

// Handler returns the routed API wrapped in its middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("POST /resync", s.handleResync)
	mux.HandleFunc("GET /file", s.handleFile)
	mux.HandleFunc("GET /courses", s.handleCourses)

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestLogger(s.logger),
		CORS(s.cfg.AllowedOrigin),
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
		middlewares = append(middlewares, Metrics(s.metrics))
	}
	return Chain(mux, middlewares...)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully and
// closes every session browser. Expired sessions are reaped meanwhile.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go s.registry.Run(reapCtx, s.cfg.CleanupInterval)

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.Addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.registry.CloseAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errCh
	s.registry.CloseAll()
	if err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
