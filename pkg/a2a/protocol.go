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

// Package a2a defines the wire protocol of the A2A Service Bus proxy:
// the message envelope carried on the bus, agent identity records, proxy
// roles, topic naming, and the JSON-RPC error taxonomy shared by the HTTP
// surface and the bus layer.
package a2a

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// PROTOCOL VERSION & PATHS
// ============================================================================

const (
	// ProtocolVersion identifies the proxy's A2A dialect.
	ProtocolVersion = "a2a-jsonrpc-sse/1.0"

	// AgentCardPath is the well-known discovery path served by every agent.
	AgentCardPath = "/.well-known/agent.json"

	// MessagesSendPath is the JSON-RPC message submission path.
	MessagesSendPath = "/v1/messages:send"

	// HealthPath is the conventional agent liveness path.
	HealthPath = "/health"

	// CorrelationIDHeader carries the correlation id on proxied HTTP calls.
	CorrelationIDHeader = "X-Correlation-ID"
)

// ============================================================================
// TOPIC NAMESPACE
// Group-sharded triples plus one shared notification topic.
// ============================================================================

const (
	// TopicPrefix starts every coordinator-managed topic name.
	TopicPrefix = "a2a."

	// NotificationTopic is the single shared notification topic.
	NotificationTopic = "a2a-notifications"
)

// RequestTopic returns the request topic for a group.
func RequestTopic(group string) string {
	return TopicPrefix + group + ".requests"
}

// ResponseTopic returns the response topic for a group.
func ResponseTopic(group string) string {
	return TopicPrefix + group + ".responses"
}

// DeadLetterTopic returns the dead-letter topic for a group.
func DeadLetterTopic(group string) string {
	return TopicPrefix + group + ".deadletter"
}

// ============================================================================
// PROXY ROLE
// ============================================================================

// ProxyRole determines whether a proxy owns topic-lifecycle authority.
type ProxyRole string

const (
	RoleCoordinator ProxyRole = "coordinator"
	RoleFollower    ProxyRole = "follower"
)

// ParseRole converts a string to a ProxyRole.
func ParseRole(s string) (ProxyRole, error) {
	switch ProxyRole(s) {
	case RoleCoordinator:
		return RoleCoordinator, nil
	case RoleFollower, "":
		return RoleFollower, nil
	default:
		return "", fmt.Errorf("unknown proxy role: %q", s)
	}
}

// ============================================================================
// MESSAGE TYPE
// Tagged variant dispatched exhaustively at the subscriber boundary.
// ============================================================================

// MessageType classifies a bus-borne message.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeHeartbeat    MessageType = "heartbeat"
)

// ParseMessageType converts a string to a MessageType.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeNotification, MessageTypeHeartbeat:
		return MessageType(s), nil
	default:
		return "", fmt.Errorf("unknown message type: %q", s)
	}
}

// ============================================================================
// AGENT IDENTITY
// ============================================================================

// AgentInfo describes one agent in the network. Immutable after load.
type AgentInfo struct {
	ID                string         `json:"id" yaml:"id"`
	ProxyID           string         `json:"proxyId" yaml:"proxyId"`
	Group             string         `json:"group" yaml:"group"`
	FQDN              string         `json:"fqdn,omitempty" yaml:"fqdn"`
	HealthEndpoint    string         `json:"healthEndpoint,omitempty" yaml:"healthEndpoint"`
	AgentCardEndpoint string         `json:"agentCardEndpoint,omitempty" yaml:"agentCardEndpoint"`
	Capabilities      []string       `json:"capabilities,omitempty" yaml:"capabilities"`
	A2ACapabilities   map[string]any `json:"a2aCapabilities,omitempty" yaml:"a2aCapabilities"`
}

// Validate checks the AgentInfo invariants.
func (a *AgentInfo) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent id cannot be empty")
	}
	if a.ProxyID == "" {
		return fmt.Errorf("agent %s: proxy id cannot be empty", a.ID)
	}
	if a.Group == "" {
		return fmt.Errorf("agent %s: group cannot be empty", a.ID)
	}
	return nil
}

// IsHostedBy reports whether the agent is locally reachable from the given
// proxy: owned by it and carrying an HTTP address.
func (a *AgentInfo) IsHostedBy(proxyID string) bool {
	return a.ProxyID == proxyID && a.FQDN != ""
}

// AgentCard is the discovery document served at /.well-known/agent.json.
// Fetched cards pass through the proxy verbatim (only the url is rewritten);
// this struct covers the cards the proxy synthesizes itself.
type AgentCard struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	URL             string         `json:"url"`
	Version         string         `json:"version"`
	ProtocolVersion string         `json:"protocolVersion,omitempty"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	Role            string         `json:"role,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// ============================================================================
// MESSAGE ENVELOPE
// The routing+metadata header accompanying every bus-borne message. The
// schema is strict: decoding rejects unknown fields.
// ============================================================================

// DefaultEnvelopeTTL is the envelope time-to-live applied when unset.
const DefaultEnvelopeTTL = 3600 // seconds

// MessageEnvelope is the wire-carried routing header.
type MessageEnvelope struct {
	// Routing metadata
	FromProxy     string `json:"fromProxy"`
	ToAgent       string `json:"toAgent"`
	Path          string `json:"path"`
	CorrelationID string `json:"correlationId"`
	ToProxy       string `json:"toProxy,omitempty"`
	FromAgent     string `json:"fromAgent,omitempty"`
	Method        string `json:"method,omitempty"`
	Protocol      string `json:"protocol,omitempty"`

	// Request data
	Body        json.RawMessage   `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`

	// Session management
	SessionID string `json:"sessionId,omitempty"`
	Sequence  *int   `json:"sequence,omitempty"`

	// SSE/streaming flags
	IsSSE    bool   `json:"isSSE,omitempty"`
	SSEEvent string `json:"sseEvent,omitempty"`
	SSEID    string `json:"sseId,omitempty"`
	SSERetry *int   `json:"sseRetry,omitempty"`

	// Response metadata
	StatusCode int `json:"statusCode,omitempty"`

	// Message metadata
	Timestamp time.Time `json:"timestamp"`
	TTL       int       `json:"ttl"`
}

// NewEnvelope builds a request envelope with defaults applied.
func NewEnvelope(fromProxy, toAgent, correlationID, path string) *MessageEnvelope {
	return &MessageEnvelope{
		FromProxy:     fromProxy,
		ToAgent:       toAgent,
		CorrelationID: correlationID,
		Path:          path,
		Method:        "POST",
		Protocol:      "http",
		Timestamp:     time.Now().UTC(),
		TTL:           DefaultEnvelopeTTL,
	}
}

// NewResponseEnvelope builds the reply envelope for a request: the agent and
// proxy pairs swap direction and the HTTP status travels along.
func NewResponseEnvelope(req *MessageEnvelope, fromProxy string, statusCode int) *MessageEnvelope {
	// Requests raised on behalf of an HTTP caller may omit fromAgent; the
	// reply still needs a routable toAgent to pass validation.
	toAgent := req.FromAgent
	if toAgent == "" {
		toAgent = "proxy"
	}
	return &MessageEnvelope{
		FromProxy:     fromProxy,
		ToProxy:       req.FromProxy,
		FromAgent:     req.ToAgent,
		ToAgent:       toAgent,
		CorrelationID: req.CorrelationID,
		Path:          req.Path,
		Method:        req.Method,
		Protocol:      req.Protocol,
		SessionID:     req.SessionID,
		StatusCode:    statusCode,
		Timestamp:     time.Now().UTC(),
		TTL:           DefaultEnvelopeTTL,
	}
}

// Validate checks required fields and TTL bounds.
func (e *MessageEnvelope) Validate() error {
	if e.FromProxy == "" {
		return fmt.Errorf("envelope: fromProxy is required")
	}
	if e.ToAgent == "" {
		return fmt.Errorf("envelope: toAgent is required")
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("envelope: correlationId is required")
	}
	if e.Path == "" {
		return fmt.Errorf("envelope: path is required")
	}
	if e.TTL <= 0 {
		return fmt.Errorf("envelope: ttl must be positive, got %d", e.TTL)
	}
	return nil
}

// applyDefaults fills zero-valued optional fields.
func (e *MessageEnvelope) applyDefaults() {
	if e.Method == "" {
		e.Method = "POST"
	}
	if e.Protocol == "" {
		e.Protocol = "http"
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.TTL == 0 {
		e.TTL = DefaultEnvelopeTTL
	}
}

// DecodeEnvelope parses an envelope from JSON. Unknown fields are rejected,
// defaults are applied, and the result is validated.
func DecodeEnvelope(data []byte) (*MessageEnvelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env MessageEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}

	env.applyDefaults()
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Encode serializes the envelope to JSON after validation.
func (e *MessageEnvelope) Encode() ([]byte, error) {
	e.applyDefaults()
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}
