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

// Package router decides, per request, between a direct HTTP call to a
// locally hosted agent and a correlated round-trip over the bus.
package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
	"github.com/a2abus/a2a-proxy/pkg/httpclient"
	"github.com/a2abus/a2a-proxy/pkg/observability"
	"github.com/a2abus/a2a-proxy/pkg/pending"
	"github.com/a2abus/a2a-proxy/pkg/registry"
	"github.com/a2abus/a2a-proxy/pkg/servicebus"
)

// Response is the routed result handed back to the HTTP surface.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
	IsSSE      bool
}

// Router resolves an agent and carries the request to it.
type Router struct {
	proxyID   string
	agents    *registry.AgentRegistry
	pending   *pending.Manager
	publisher *servicebus.Publisher
	http      *httpclient.Client
	timeout   time.Duration
	logger    *slog.Logger
	obs       *observability.Manager
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger injects a logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// WithHTTPClient overrides the local-forward client.
func WithHTTPClient(c *httpclient.Client) Option {
	return func(r *Router) {
		r.http = c
	}
}

// WithTimeout sets the remote round-trip budget.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.timeout = d
	}
}

// WithObservability wires tracing and route metrics.
func WithObservability(obs *observability.Manager) Option {
	return func(r *Router) {
		r.obs = obs
	}
}

// New builds a Router. A nil publisher puts the proxy in local-only mode:
// remote routes fail with UnsupportedOperation.
func New(proxyID string, agents *registry.AgentRegistry, pendingMgr *pending.Manager, publisher *servicebus.Publisher, opts ...Option) *Router {
	r := &Router{
		proxyID:   proxyID,
		agents:    agents,
		pending:   pendingMgr,
		publisher: publisher,
		timeout:   30 * time.Second,
		logger:    slog.Default(),
		obs:       observability.NoopManager(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.http == nil {
		r.http = httpclient.New(
			httpclient.WithTimeout(r.timeout),
			httpclient.WithLogger(r.logger),
		)
	}
	return r
}

// Route carries one request to the named agent and returns its response.
func (r *Router) Route(ctx context.Context, agentID, path, method string, body []byte, headers map[string]string, correlationID string) (*Response, error) {
	agent, ok := r.agents.Get(agentID)
	if !ok {
		return nil, a2a.NewAgentNotFound(agentID)
	}

	mode := "remote"
	if agent.IsHostedBy(r.proxyID) {
		mode = "local"
	}

	ctx, span := r.obs.Tracer().Start(ctx, observability.SpanRoute,
		trace.WithAttributes(
			attribute.String(observability.AttrAgentID, agentID),
			attribute.String(observability.AttrCorrelationID, correlationID),
			attribute.String(observability.AttrRouteMode, mode),
		))
	defer span.End()

	start := time.Now()
	var resp *Response
	var err error
	if mode == "local" {
		resp, err = r.routeLocal(ctx, agent, path, method, body, headers, correlationID)
	} else {
		resp, err = r.routeRemote(ctx, agent, path, method, body, headers, correlationID)
	}
	r.obs.Metrics().RecordRoute(ctx, mode, time.Since(start), err)
	return resp, err
}

// routeLocal forwards over HTTP to the co-located agent.
func (r *Router) routeLocal(ctx context.Context, agent *a2a.AgentInfo, path, method string, body []byte, headers map[string]string, correlationID string) (*Response, error) {
	target := url.URL{Scheme: "http", Host: agent.FQDN, Path: path}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return nil, a2a.NewInternalError(err.Error())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(a2a.CorrelationIDHeader, correlationID)

	httpResp, err := r.http.Do(req)
	if err != nil {
		r.logger.Warn("Local agent unreachable",
			"agentId", agent.ID, "fqdn", agent.FQDN, "error", err)
		return nil, a2a.NewAgentUnavailable(agent.ID, err.Error())
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, a2a.NewAgentUnavailable(agent.ID, err.Error())
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		perr := a2a.NewAgentUnavailable(agent.ID,
			"returned status "+httpResp.Status)
		perr.Data["statusCode"] = httpResp.StatusCode
		return nil, perr
	}

	out := &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Headers:    flattenHeader(httpResp.Header),
		IsSSE:      strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream"),
	}
	return out, nil
}

// routeRemote publishes onto the agent's group and awaits the correlated
// reply.
func (r *Router) routeRemote(ctx context.Context, agent *a2a.AgentInfo, path, method string, body []byte, headers map[string]string, correlationID string) (*Response, error) {
	if r.publisher == nil {
		return nil, a2a.NewUnsupportedOperation(
			"bus routing is disabled, agent " + agent.ID + " is not reachable locally")
	}

	env := a2a.NewEnvelope(r.proxyID, agent.ID, correlationID, path)
	// The HTTP caller is not an agent; the reply envelope swaps fromAgent
	// into toAgent, so it must carry a non-empty value.
	env.FromAgent = "proxy"
	env.Method = method
	env.Body = body
	env.Headers = headers

	timeoutSeconds := int(r.timeout / time.Second)
	if err := r.pending.Create(correlationID, timeoutSeconds, map[string]any{
		"agentId": agent.ID,
		"group":   agent.Group,
	}); err != nil {
		return nil, a2a.NewInternalError(err.Error())
	}

	if !r.publisher.PublishRequest(ctx, agent.Group, env, body, correlationID) {
		r.pending.Remove(correlationID)
		return nil, a2a.NewTimeout("publish request for "+agent.ID, r.timeout.Seconds())
	}

	result, err := r.pending.Wait(ctx, correlationID)
	if err != nil {
		if errors.Is(err, pending.ErrTimeout) {
			return nil, a2a.NewTimeout("await response from "+agent.ID, r.timeout.Seconds())
		}
		return nil, a2a.NewInternalError(err.Error())
	}

	msg, ok := result.(*servicebus.Message)
	if !ok {
		return nil, a2a.NewInternalError("unexpected response payload type")
	}

	status := msg.Envelope.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{
		StatusCode: status,
		Body:       msg.Payload,
		Headers:    msg.Envelope.Headers,
		IsSSE:      msg.Envelope.IsSSE,
	}, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
