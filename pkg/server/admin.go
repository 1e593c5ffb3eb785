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
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
)

func (s *Server) handleTopicsList(w http.ResponseWriter, r *http.Request) {
	topics, err := s.topics.ListManagedTopics(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, a2a.NewInternalError(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(topics),
		"topics": topics,
	})
}

func (s *Server) handleTopicGroups(w http.ResponseWriter, r *http.Request) {
	type groupInfo struct {
		Name   string   `json:"name"`
		Agents []string `json:"agents"`
	}
	groups := make([]groupInfo, 0, len(s.cfg.AgentGroups))
	for _, g := range s.cfg.AgentGroups {
		members := s.agents.GetByGroup(g.Name)
		agents := make([]string, 0, len(members))
		for _, a := range members {
			agents = append(agents, a.ID)
		}
		groups = append(groups, groupInfo{Name: g.Name, Agents: agents})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(groups),
		"groups": groups,
	})
}

func (s *Server) handleTopicValidate(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	if s.cfg.TopicGroup(group) == nil {
		writeError(w, http.StatusNotFound, a2a.NewInvalidParams("unknown agent group: "+group))
		return
	}
	health := s.topics.ValidateTopicHealth(r.Context(), group)
	writeJSON(w, http.StatusOK, map[string]any{
		"group":  group,
		"health": health,
	})
}

func (s *Server) handleTopicRecreate(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	g := s.cfg.TopicGroup(group)
	if g == nil {
		writeError(w, http.StatusNotFound, a2a.NewInvalidParams("unknown agent group: "+group))
		return
	}
	if err := s.topics.Recreate(r.Context(), *g); err != nil {
		writeError(w, http.StatusBadGateway, a2a.NewInternalError(err.Error()))
		return
	}
	s.logger.Info("recreated topic set", "group", group)
	writeJSON(w, http.StatusOK, map[string]any{
		"group":     group,
		"recreated": true,
	})
}
