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

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
	"github.com/a2abus/a2a-proxy/pkg/config"
	"github.com/a2abus/a2a-proxy/pkg/httpclient"
)

// Health classifications reported per agent.
const (
	HealthHealthy     = "healthy"
	HealthUnhealthy   = "unhealthy"
	HealthUnreachable = "unreachable"
	HealthUnknown     = "unknown"
)

// DefaultHealthCacheTTL bounds how often agents are re-probed.
const DefaultHealthCacheTTL = 30 * time.Second

// DefaultCardFetchTimeout bounds one agent-card fetch.
const DefaultCardFetchTimeout = 10 * time.Second

// AgentRegistry maps agent ids to AgentInfo and answers locality, health,
// and discovery questions about them.
type AgentRegistry struct {
	agents *BaseRegistry[*a2a.AgentInfo]
	client *httpclient.Client
	logger *slog.Logger

	healthMu    sync.Mutex
	healthCache map[string]string
	healthTTL   time.Duration
	lastCheck   time.Time
}

// AgentRegistryOption configures an AgentRegistry.
type AgentRegistryOption func(*AgentRegistry)

// WithHTTPClient injects the probe/fetch client.
func WithHTTPClient(c *httpclient.Client) AgentRegistryOption {
	return func(r *AgentRegistry) {
		r.client = c
	}
}

// WithHealthCacheTTL overrides the health snapshot TTL.
func WithHealthCacheTTL(d time.Duration) AgentRegistryOption {
	return func(r *AgentRegistry) {
		r.healthTTL = d
	}
}

// WithLogger injects a logger.
func WithLogger(l *slog.Logger) AgentRegistryOption {
	return func(r *AgentRegistry) {
		r.logger = l
	}
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry(opts ...AgentRegistryOption) *AgentRegistry {
	r := &AgentRegistry{
		agents:      NewBaseRegistry[*a2a.AgentInfo](),
		client:      httpclient.New(httpclient.WithTimeout(DefaultCardFetchTimeout)),
		logger:      slog.Default(),
		healthCache: make(map[string]string),
		healthTTL:   DefaultHealthCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewAgentRegistryFromConfig loads the registry from the agentRegistry
// config tree.
func NewAgentRegistryFromConfig(cfg *config.AgentRegistryConfig, opts ...AgentRegistryOption) (*AgentRegistry, error) {
	r := NewAgentRegistry(opts...)
	if err := r.Refresh(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh replaces the registry contents from config. The health cache is
// invalidated so the next probe sees the new population.
func (r *AgentRegistry) Refresh(cfg *config.AgentRegistryConfig) error {
	agents, err := cfg.Agents()
	if err != nil {
		return fmt.Errorf("failed to refresh agent registry: %w", err)
	}
	r.agents.ReplaceAll(agents)

	r.healthMu.Lock()
	r.healthCache = make(map[string]string)
	r.lastCheck = time.Time{}
	r.healthMu.Unlock()

	r.logger.Info("Agent registry loaded",
		"agents", len(agents),
		"version", cfg.Version,
		"lastUpdated", cfg.LastUpdated)
	return nil
}

// Get returns the agent by id.
func (r *AgentRegistry) Get(agentID string) (*a2a.AgentInfo, bool) {
	return r.agents.Get(agentID)
}

// GetByGroup returns every agent in the group.
func (r *AgentRegistry) GetByGroup(group string) []*a2a.AgentInfo {
	var out []*a2a.AgentInfo
	for _, agent := range r.agents.List() {
		if agent.Group == group {
			out = append(out, agent)
		}
	}
	return out
}

// Add inserts or replaces an agent and invalidates its health entry.
func (r *AgentRegistry) Add(agent *a2a.AgentInfo) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	if err := r.agents.Set(agent.ID, agent); err != nil {
		return err
	}

	r.healthMu.Lock()
	delete(r.healthCache, agent.ID)
	r.healthMu.Unlock()
	return nil
}

// Remove deletes an agent; unknown ids are a no-op.
func (r *AgentRegistry) Remove(agentID string) {
	_ = r.agents.Remove(agentID)

	r.healthMu.Lock()
	delete(r.healthCache, agentID)
	r.healthMu.Unlock()
}

// Count returns the number of registered agents.
func (r *AgentRegistry) Count() int {
	return r.agents.Count()
}

// All returns a snapshot of every agent.
func (r *AgentRegistry) All() []*a2a.AgentInfo {
	return r.agents.List()
}

// Groups returns the sorted set of groups with at least one agent.
func (r *AgentRegistry) Groups() []string {
	seen := make(map[string]bool)
	for _, agent := range r.agents.List() {
		seen[agent.Group] = true
	}
	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// HealthStatus probes every agent's health endpoint concurrently and
// returns id → classification. Results are cached; within the TTL callers
// get the previous snapshot.
func (r *AgentRegistry) HealthStatus(ctx context.Context) map[string]string {
	r.healthMu.Lock()
	if time.Since(r.lastCheck) < r.healthTTL {
		snapshot := make(map[string]string, len(r.healthCache))
		for k, v := range r.healthCache {
			snapshot[k] = v
		}
		r.healthMu.Unlock()
		return snapshot
	}
	r.healthMu.Unlock()

	agents := r.agents.List()
	results := make(map[string]string, len(agents))
	var resultsMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, agent := range agents {
		g.Go(func() error {
			status := r.probeAgent(ctx, agent)
			resultsMu.Lock()
			results[agent.ID] = status
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.healthMu.Lock()
	r.healthCache = results
	r.lastCheck = time.Now()
	snapshot := make(map[string]string, len(results))
	for k, v := range results {
		snapshot[k] = v
	}
	r.healthMu.Unlock()

	return snapshot
}

// probeAgent GETs the agent's health endpoint. Agents without an FQDN are
// remote to this proxy and report unknown.
func (r *AgentRegistry) probeAgent(ctx context.Context, agent *a2a.AgentInfo) string {
	if agent.FQDN == "" {
		return HealthUnknown
	}

	endpoint := agent.HealthEndpoint
	if endpoint == "" {
		endpoint = a2a.HealthPath
	}
	url := fmt.Sprintf("http://%s%s", agent.FQDN, endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HealthUnreachable
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return HealthUnhealthy
		}
		return HealthUnreachable
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return HealthHealthy
	}
	return HealthUnhealthy
}

// FetchAgentCard fetches the agent's discovery card, rewriting its url to
// route back through the proxy. A minimal fallback card is synthesized when
// the agent does not answer.
func (r *AgentRegistry) FetchAgentCard(ctx context.Context, agent *a2a.AgentInfo) map[string]any {
	proxyURL := "/agents/" + agent.ID

	if agent.FQDN == "" {
		return r.fallbackCard(agent, proxyURL, "agent has no local address")
	}

	endpoint := agent.AgentCardEndpoint
	if endpoint == "" {
		endpoint = a2a.AgentCardPath
	}
	url := fmt.Sprintf("http://%s%s", agent.FQDN, endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return r.fallbackCard(agent, proxyURL, err.Error())
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return r.fallbackCard(agent, proxyURL, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return r.fallbackCard(agent, proxyURL, err.Error())
	}

	var card map[string]any
	if err := json.Unmarshal(body, &card); err != nil {
		return r.fallbackCard(agent, proxyURL, err.Error())
	}

	// The card's self-URL must point back through the proxy.
	card["url"] = proxyURL
	return card
}

func (r *AgentRegistry) fallbackCard(agent *a2a.AgentInfo, proxyURL, reason string) map[string]any {
	r.logger.Warn("Falling back to synthesized agent card",
		"agentId", agent.ID, "reason", reason)
	return map[string]any{
		"name":        fmt.Sprintf("Agent %s", agent.ID),
		"description": fmt.Sprintf("Agent %s (card fetch failed)", agent.ID),
		"url":         proxyURL,
		"version":     "1.0.0",
		"error":       fmt.Sprintf("Failed to fetch agent card: %s", reason),
	}
}
