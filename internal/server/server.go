// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the chat service over HTTP: a blocking chat
// endpoint, an SSE streaming endpoint, session management, health, and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/parley/internal/chat"
	"github.com/tombee/parley/internal/log"
)

// ErrServerClosed is returned when operations are attempted on a closed
// server.
var ErrServerClosed = errors.New("server: closed")

// Config configures the HTTP server.
type Config struct {
	// Listen is the address to bind (e.g., ":8080").
	Listen string

	// ShutdownTimeout is the maximum duration to wait for graceful
	// shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration

	// RequestsPerSecond smooths per-client request bursts in front of the
	// chat handlers.
	// Default: 5
	RequestsPerSecond float64

	// Burst is the per-client burst allowance.
	// Default: 10
	Burst int

	// Logger is the structured logger for server events. Nil uses the
	// default.
	Logger *slog.Logger
}

// Server serves the chat API.
type Server struct {
	cfg     Config
	service *chat.Service
	limiter *chat.RateLimiter
	clients *clientLimiter
	logger  *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	closed     bool
}

// NewServer creates a server over the chat service. limiter provides the
// concurrency slots and the limits report; it may be nil.
func NewServer(cfg Config, service *chat.Service, limiter *chat.RateLimiter) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		cfg:     cfg,
		service: service,
		limiter: limiter,
		clients: newClientLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:  cfg.Logger.With("component", "server"),
	}
}

// Handler returns the routed HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/chat", s.rateLimited(http.HandlerFunc(s.handleChat)))
	mux.Handle("POST /v1/chat/stream", s.rateLimited(http.HandlerFunc(s.handleChatStream)))

	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/current", s.handleCurrentSession)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("DELETE /v1/sessions/{id}/messages", s.handleClearHistory)
	mux.HandleFunc("POST /v1/sessions/{id}/close", s.handleCloseSession)

	mux.HandleFunc("GET /v1/limits", s.handleLimits)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return log.HTTPMiddleware(s.logger)(mux)
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}

	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", "error", err)
		}
	}()

	s.logger.Info("server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server, waiting up to the configured
// timeout for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
