// Copyright 2025 The a2a-proxy Authors
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

// Package server exposes the proxy's REST surface: health and discovery,
// agent message forwarding, session CRUD, and coordinator-only topic
// administration.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
	"github.com/a2abus/a2a-proxy/pkg/config"
	"github.com/a2abus/a2a-proxy/pkg/observability"
	"github.com/a2abus/a2a-proxy/pkg/registry"
	"github.com/a2abus/a2a-proxy/pkg/router"
	"github.com/a2abus/a2a-proxy/pkg/servicebus"
	"github.com/a2abus/a2a-proxy/pkg/session"

	a2aproxy "github.com/a2abus/a2a-proxy"
)

const shutdownTimeout = 5 * time.Second

// Server is the proxy's HTTP front.
type Server struct {
	cfg      *config.Config
	routes   *router.Router
	agents   *registry.AgentRegistry
	sessions *session.Manager
	topics   *servicebus.TopicManager
	bus      servicebus.BusClient
	obs      *observability.Manager
	logger   *slog.Logger

	httpServer *http.Server
	startedAt  time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger injects a logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithTopicManager enables the coordinator admin endpoints.
func WithTopicManager(tm *servicebus.TopicManager) Option {
	return func(s *Server) {
		s.topics = tm
	}
}

// WithBus exposes bus connection stats on the health surface.
func WithBus(bus servicebus.BusClient) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithObservability wires the tracing middleware and /metrics.
func WithObservability(obs *observability.Manager) Option {
	return func(s *Server) {
		s.obs = obs
	}
}

// New builds the Server.
func New(cfg *config.Config, routes *router.Router, agents *registry.AgentRegistry, sessions *session.Manager, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		routes:   routes,
		agents:   agents,
		sessions: sessions,
		logger:   slog.Default(),
		obs:      observability.NoopManager(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler assembles the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(s.obs))

	r.Get("/health", s.handleHealth)
	r.Get("/.well-known/agent.json", s.handleProxyCard)

	r.Route("/agents/{agentID}", func(r chi.Router) {
		r.Get("/.well-known/agent.json", s.handleAgentCard)
		r.Post("/v1/messages:send", s.handleMessageSend)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleSessionCreate)
		r.Get("/", s.handleSessionList)
		r.Get("/stats", s.handleSessionStats)
		r.Get("/correlation/{correlationID}", s.handleSessionByCorrelation)
		r.Get("/{sessionID}", s.handleSessionGet)
		r.Put("/{sessionID}/extend", s.handleSessionExtend)
		r.Delete("/{sessionID}", s.handleSessionDelete)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireCoordinator)
		r.Get("/topics", s.handleTopicsList)
		r.Get("/topics/groups", s.handleTopicGroups)
		r.Post("/topics/{group}/validate", s.handleTopicValidate)
		r.Put("/topics/{group}/recreate", s.handleTopicRecreate)
	})

	r.Get("/debug/agents", s.handleDebugAgents)
	r.Get("/debug/config", s.handleDebugConfig)

	if s.obs.MetricsEnabled() {
		r.Handle("/metrics", observability.Handler())
	}

	// The bare alias keeps old clients that skip the /agents prefix working.
	r.Get("/{agentID}/.well-known/agent.json", s.handleAgentCard)

	return r
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Proxy.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening",
			"addr", s.httpServer.Addr, "proxyId", s.cfg.Proxy.ID, "role", s.cfg.Proxy.Role)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// requireCoordinator gates the admin tree to the coordinator role.
func (s *Server) requireCoordinator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Role() != a2a.RoleCoordinator || s.topics == nil {
			writeError(w, http.StatusForbidden,
				a2a.NewUnsupportedOperation("topic administration requires the coordinator role"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError emits the JSON-RPC error envelope at the given HTTP status.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, a2a.NewJSONRPCErrorResponse(err))
}

// writeProxyError maps a routing failure onto its HTTP status.
func writeProxyError(w http.ResponseWriter, err error) {
	perr := a2a.AsProxyError(err)
	writeError(w, perr.HTTPStatus(), perr)
}

// Version surfaces the build version for the health body.
func (s *Server) version() string {
	return a2aproxy.Version
}
