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
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
)

type sessionCreateRequest struct {
	AgentID       string         `json:"agentId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	TTLSeconds    int            `json:"ttlSeconds,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type sessionExtendRequest struct {
	TTLSeconds int `json:"ttlSeconds"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, a2a.NewParseError(err.Error()))
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, a2a.NewInvalidParams("agentId is required"))
		return
	}
	if _, ok := s.agents.Get(req.AgentID); !ok {
		writeProxyError(w, a2a.NewAgentNotFound(req.AgentID))
		return
	}

	info, err := s.sessions.Create(r.Context(), req.AgentID, req.CorrelationID, req.TTLSeconds, req.Metadata)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	touch := r.URL.Query().Get("touch") == "true"

	info, err := s.sessions.Get(r.Context(), sessionID, touch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, a2a.NewInternalError(err.Error()))
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, a2a.NewTaskNotFound(sessionID))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSessionExtend(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req sessionExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, a2a.NewParseError(err.Error()))
		return
	}

	extended, err := s.sessions.Extend(r.Context(), sessionID, req.TTLSeconds)
	if err != nil {
		writeError(w, http.StatusInternalServerError, a2a.NewInternalError(err.Error()))
		return
	}
	if !extended {
		writeError(w, http.StatusNotFound, a2a.NewTaskNotFound(sessionID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "extended": true})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	deleted, err := s.sessions.Delete(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, a2a.NewInternalError(err.Error()))
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, a2a.NewTaskNotFound(sessionID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	includeExpired := r.URL.Query().Get("includeExpired") == "true"

	sessions, err := s.sessions.List(r.Context(), agentID, includeExpired)
	if err != nil {
		writeError(w, http.StatusInternalServerError, a2a.NewInternalError(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sessions.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, a2a.NewInternalError(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSessionByCorrelation(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlationID")

	info, err := s.sessions.GetByCorrelationID(r.Context(), correlationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, a2a.NewInternalError(err.Error()))
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, a2a.NewTaskNotFound(correlationID))
		return
	}
	writeJSON(w, http.StatusOK, info)
}
