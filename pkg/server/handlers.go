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

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
)

// handleHealth reports liveness plus the per-agent health map. The endpoint
// answers 200 even when agents are failing; the body carries the detail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agentHealth := s.agents.HealthStatus(r.Context())

	status := "healthy"
	for _, st := range agentHealth {
		if st != "healthy" {
			status = "unhealthy"
			break
		}
	}

	body := map[string]any{
		"status":   status,
		"version":  s.version(),
		"role":     s.cfg.Proxy.Role,
		"proxy_id": s.cfg.Proxy.ID,
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
		"connections": map[string]any{
			"agents": agentHealth,
		},
	}
	if s.bus != nil {
		body["bus"] = s.bus.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleProxyCard serves the proxy's own capability card.
func (s *Server) handleProxyCard(w http.ResponseWriter, r *http.Request) {
	card := a2a.AgentCard{
		Name:            "a2a-proxy-" + s.cfg.Proxy.ID,
		Description:     "Transparent A2A proxy over Azure Service Bus",
		URL:             "/",
		Version:         s.version(),
		ProtocolVersion: a2a.ProtocolVersion,
		Capabilities: map[string]any{
			"streaming":   true,
			"routing":     true,
			"multiTenant": true,
		},
	}
	writeJSON(w, http.StatusOK, card)
}

// handleAgentCard fetches the target agent's discovery card, locally or
// over the bus, and rewrites its url to route back through the proxy.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	agent, ok := s.agents.Get(agentID)
	if !ok {
		writeProxyError(w, a2a.NewAgentNotFound(agentID))
		return
	}

	if agent.IsHostedBy(s.cfg.Proxy.ID) {
		writeJSON(w, http.StatusOK, s.agents.FetchAgentCard(r.Context(), agent))
		return
	}

	resp, err := s.routes.Route(r.Context(), agentID, a2a.AgentCardPath,
		http.MethodGet, nil, nil, correlationID(r))
	if err != nil {
		writeProxyError(w, err)
		return
	}

	var card map[string]any
	if err := json.Unmarshal(resp.Body, &card); err != nil {
		writeError(w, http.StatusBadGateway,
			a2a.NewAgentUnavailable(agentID, "returned a malformed card"))
		return
	}
	card["url"] = "/agents/" + agentID
	writeJSON(w, http.StatusOK, card)
}

// handleMessageSend forwards a JSON-RPC message to the agent.
func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, a2a.NewParseError(err.Error()))
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, http.StatusBadRequest, a2a.NewParseError("request body is not valid JSON"))
		return
	}

	headers := map[string]string{
		"Content-Type": "application/json",
	}
	resp, err := s.routes.Route(r.Context(), agentID, a2a.MessagesSendPath,
		http.MethodPost, body, headers, correlationID(r))
	if err != nil {
		writeProxyError(w, err)
		return
	}

	contentType := resp.Headers["Content-Type"]
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// handleDebugAgents dumps the registry with locality flags.
func (s *Server) handleDebugAgents(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		*a2a.AgentInfo
		Local bool `json:"local"`
	}
	agents := s.agents.All()
	out := make([]entry, 0, len(agents))
	for _, agent := range agents {
		out = append(out, entry{AgentInfo: agent, Local: agent.IsHostedBy(s.cfg.Proxy.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proxyId": s.cfg.Proxy.ID,
		"count":   len(out),
		"agents":  out,
	})
}

// handleDebugConfig shows the effective configuration with secrets
// redacted.
func (s *Server) handleDebugConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Redacted())
}

// correlationID honours the inbound header, minting a fresh id otherwise.
func correlationID(r *http.Request) string {
	if id := r.Header.Get(a2a.CorrelationIDHeader); id != "" {
		return id
	}
	return uuid.NewString()
}
