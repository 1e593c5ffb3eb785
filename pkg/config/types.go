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

// Package config defines the proxy configuration tree and its loader.
//
// Configuration is YAML on the wire with camelCase keys, expanded for
// ${ENV_VAR} references before decoding, then defaulted and validated.
package config

import (
	"fmt"
	"time"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
)

// ============================================================================
// CONFIG TREE
// ============================================================================

// Config is the root of one proxy's configuration file.
type Config struct {
	Proxy         ProxyConfig         `yaml:"proxy" json:"proxy"`
	ServiceBus    ServiceBusConfig    `yaml:"serviceBus" json:"serviceBus"`
	HostedAgents  map[string][]string `yaml:"hostedAgents" json:"hostedAgents,omitempty"`
	Subscriptions []SubscriptionRule  `yaml:"subscriptions" json:"subscriptions,omitempty"`
	AgentGroups   []TopicGroupConfig  `yaml:"agentGroups" json:"agentGroups,omitempty"`
	Sessions      SessionConfig       `yaml:"sessions" json:"sessions"`
	AgentRegistry AgentRegistryConfig `yaml:"agentRegistry" json:"agentRegistry"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ProxyConfig identifies this proxy instance.
type ProxyConfig struct {
	ID   string `yaml:"id" json:"id"`
	Role string `yaml:"role" json:"role"`
	Port int    `yaml:"port" json:"port"`
}

// ServiceBusConfig configures the bus connection.
type ServiceBusConfig struct {
	Namespace        string `yaml:"namespace" json:"namespace"`
	ConnectionString string `yaml:"connectionString" json:"connectionString,omitempty"`

	DefaultMessageTTLSeconds int `yaml:"defaultMessageTtlSeconds" json:"defaultMessageTtlSeconds"`
	RequestTimeoutSeconds    int `yaml:"requestTimeoutSeconds" json:"requestTimeoutSeconds"`
}

// FullyQualifiedNamespace appends the Azure suffix when the config carries a
// bare namespace name.
func (c *ServiceBusConfig) FullyQualifiedNamespace() string {
	const suffix = ".servicebus.windows.net"
	if c.Namespace == "" {
		return ""
	}
	if len(c.Namespace) > len(suffix) && c.Namespace[len(c.Namespace)-len(suffix):] == suffix {
		return c.Namespace
	}
	return c.Namespace + suffix
}

// RequestTimeout returns the remote-route timeout as a duration.
func (c *ServiceBusConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// SubscriptionRule pairs a topic group with a broker-side SQL filter.
type SubscriptionRule struct {
	Group  string `yaml:"group" json:"group"`
	Filter string `yaml:"filter" json:"filter,omitempty"`
}

// TopicGroupConfig describes one coordinator-managed topic group.
type TopicGroupConfig struct {
	Name                            string `yaml:"name" json:"name"`
	Description                     string `yaml:"description" json:"description,omitempty"`
	MaxMessageSizeMB                int    `yaml:"maxMessageSizeMB" json:"maxMessageSizeMB"`
	MessageTTLSeconds               int    `yaml:"messageTtlSeconds" json:"messageTtlSeconds"`
	EnablePartitioning              bool   `yaml:"enablePartitioning" json:"enablePartitioning"`
	DuplicateDetectionWindowMinutes int    `yaml:"duplicateDetectionWindowMinutes" json:"duplicateDetectionWindowMinutes"`
}

// SessionConfig bounds the proxy-level session store.
type SessionConfig struct {
	DefaultTTLSeconds      int    `yaml:"defaultTtlSeconds" json:"defaultTtlSeconds"`
	MaxTTLSeconds          int    `yaml:"maxTtlSeconds" json:"maxTtlSeconds"`
	CleanupIntervalSeconds int    `yaml:"cleanupIntervalSeconds" json:"cleanupIntervalSeconds"`
	MaxSessionsPerAgent    int    `yaml:"maxSessionsPerAgent" json:"maxSessionsPerAgent"`
	StoreDir               string `yaml:"storeDir" json:"storeDir,omitempty"`
}

// AgentRegistryConfig is the embedded agent registry: group name to the
// agents belonging to it.
type AgentRegistryConfig struct {
	Version     string                     `yaml:"version" json:"version,omitempty"`
	LastUpdated string                     `yaml:"lastUpdated" json:"lastUpdated,omitempty"`
	Groups      map[string][]a2a.AgentInfo `yaml:"groups" json:"groups,omitempty"`
}

// Agents flattens the registry tree into an id-keyed map, stamping each
// agent's group from its containing key.
func (c *AgentRegistryConfig) Agents() (map[string]*a2a.AgentInfo, error) {
	agents := make(map[string]*a2a.AgentInfo)
	for group, entries := range c.Groups {
		for i := range entries {
			agent := entries[i]
			if agent.Group == "" {
				agent.Group = group
			}
			if err := agent.Validate(); err != nil {
				return nil, err
			}
			if _, ok := agents[agent.ID]; ok {
				return nil, fmt.Errorf("duplicate agent id %q in registry", agent.ID)
			}
			agents[agent.ID] = &agent
		}
	}
	return agents, nil
}

// ObservabilityConfig switches tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	EndpointURL  string  `yaml:"endpoint_url" json:"endpoint_url,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	ServiceName  string  `yaml:"service_name" json:"service_name,omitempty"`
}

// MetricsConfig switches the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// ============================================================================
// DEFAULTS
// ============================================================================

// SetDefaults fills zero values across the tree.
func (c *Config) SetDefaults() {
	if c.Proxy.Role == "" {
		c.Proxy.Role = string(a2a.RoleFollower)
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = 8080
	}
	if c.ServiceBus.DefaultMessageTTLSeconds == 0 {
		c.ServiceBus.DefaultMessageTTLSeconds = 3600
	}
	if c.ServiceBus.RequestTimeoutSeconds == 0 {
		c.ServiceBus.RequestTimeoutSeconds = 30
	}
	if c.Sessions.DefaultTTLSeconds == 0 {
		c.Sessions.DefaultTTLSeconds = 3600
	}
	if c.Sessions.MaxTTLSeconds == 0 {
		c.Sessions.MaxTTLSeconds = 86400
	}
	if c.Sessions.CleanupIntervalSeconds == 0 {
		c.Sessions.CleanupIntervalSeconds = 300
	}
	if c.Sessions.MaxSessionsPerAgent == 0 {
		c.Sessions.MaxSessionsPerAgent = 100
	}
	if c.Observability.Tracing.SamplingRate == 0 {
		c.Observability.Tracing.SamplingRate = 1.0
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "a2a-proxy"
	}

	for i := range c.AgentGroups {
		g := &c.AgentGroups[i]
		if g.MaxMessageSizeMB == 0 {
			g.MaxMessageSizeMB = 1
		}
		if g.MessageTTLSeconds == 0 {
			g.MessageTTLSeconds = 3600
		}
		if g.DuplicateDetectionWindowMinutes == 0 {
			g.DuplicateDetectionWindowMinutes = 10
		}
	}
}

// ============================================================================
// VALIDATION
// ============================================================================

// Validate checks the tree for contradictions a running proxy cannot absorb.
func (c *Config) Validate() error {
	if c.Proxy.ID == "" {
		return fmt.Errorf("proxy.id is required")
	}
	if _, err := a2a.ParseRole(c.Proxy.Role); err != nil {
		return fmt.Errorf("proxy.role: %w", err)
	}
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be in (0, 65535], got %d", c.Proxy.Port)
	}

	for i, sub := range c.Subscriptions {
		if sub.Group == "" {
			return fmt.Errorf("subscriptions[%d]: group is required", i)
		}
	}

	seen := make(map[string]bool)
	for i, g := range c.AgentGroups {
		if g.Name == "" {
			return fmt.Errorf("agentGroups[%d]: name is required", i)
		}
		if seen[g.Name] {
			return fmt.Errorf("agentGroups: duplicate group %q", g.Name)
		}
		seen[g.Name] = true
		if g.MaxMessageSizeMB <= 0 {
			return fmt.Errorf("agentGroups[%s]: maxMessageSizeMB must be positive", g.Name)
		}
		if g.MessageTTLSeconds <= 0 {
			return fmt.Errorf("agentGroups[%s]: messageTtlSeconds must be positive", g.Name)
		}
	}

	if c.Sessions.MaxTTLSeconds < c.Sessions.DefaultTTLSeconds {
		return fmt.Errorf("sessions.maxTtlSeconds (%d) below defaultTtlSeconds (%d)",
			c.Sessions.MaxTTLSeconds, c.Sessions.DefaultTTLSeconds)
	}

	if _, err := c.AgentRegistry.Agents(); err != nil {
		return fmt.Errorf("agentRegistry: %w", err)
	}

	// Hosted agents must resolve in the registry and belong to this proxy.
	agents, _ := c.AgentRegistry.Agents()
	for group, ids := range c.HostedAgents {
		for _, id := range ids {
			info, ok := agents[id]
			if !ok {
				return fmt.Errorf("hostedAgents[%s]: agent %q not in agentRegistry", group, id)
			}
			if info.Group != group {
				return fmt.Errorf("hostedAgents[%s]: agent %q belongs to group %q", group, id, info.Group)
			}
		}
	}

	return nil
}

// Role returns the parsed proxy role. Call after Validate.
func (c *Config) Role() a2a.ProxyRole {
	role, _ := a2a.ParseRole(c.Proxy.Role)
	return role
}

// TopicGroup returns the named group config, or nil.
func (c *Config) TopicGroup(name string) *TopicGroupConfig {
	for i := range c.AgentGroups {
		if c.AgentGroups[i].Name == name {
			return &c.AgentGroups[i]
		}
	}
	return nil
}

// Redacted returns a copy safe for debug endpoints: credentials blanked.
func (c *Config) Redacted() Config {
	out := *c
	if out.ServiceBus.ConnectionString != "" {
		out.ServiceBus.ConnectionString = "***redacted***"
	}
	return out
}
