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

package servicebus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
)

// Publisher is the typed publish surface over the bus client. Topics are
// group-sharded; the group is always an explicit argument because envelopes
// do not carry it.
type Publisher struct {
	bus    BusClient
	logger *slog.Logger
}

// NewPublisher builds a Publisher.
func NewPublisher(bus BusClient, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{bus: bus, logger: logger}
}

// sessionOrCorrelation keeps one conversation on one ordered session.
func sessionOrCorrelation(sessionID, correlationID string) string {
	if sessionID != "" {
		return sessionID
	}
	return correlationID
}

// PublishRequest publishes a request onto the group's request topic.
func (p *Publisher) PublishRequest(ctx context.Context, group string, env *a2a.MessageEnvelope, payload json.RawMessage, sessionID string) bool {
	msg := NewMessage(a2a.MessageTypeRequest, env, payload)
	key := sessionOrCorrelation(sessionID, env.CorrelationID)
	return p.bus.SendMessage(ctx, a2a.RequestTopic(group), msg, key)
}

// PublishResponse publishes a reply onto the group's response topic, keyed
// to the originating conversation.
func (p *Publisher) PublishResponse(ctx context.Context, group string, env *a2a.MessageEnvelope, payload json.RawMessage, correlationID, sessionID string) bool {
	if env.CorrelationID == "" {
		env.CorrelationID = correlationID
	}
	msg := NewMessage(a2a.MessageTypeResponse, env, payload)
	key := sessionOrCorrelation(sessionID, correlationID)
	return p.bus.SendMessage(ctx, a2a.ResponseTopic(group), msg, key)
}

// PublishNotification publishes onto the shared notification topic.
func (p *Publisher) PublishNotification(ctx context.Context, env *a2a.MessageEnvelope, payload json.RawMessage) bool {
	msg := NewMessage(a2a.MessageTypeNotification, env, payload)
	return p.bus.SendMessage(ctx, a2a.NotificationTopic, msg, env.CorrelationID)
}
