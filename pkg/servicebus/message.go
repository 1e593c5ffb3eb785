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
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
)

// Message is the unit carried on the bus: an envelope plus the opaque
// payload, with broker-side metadata mirrored for inspection.
type Message struct {
	ID            string
	CorrelationID string
	Type          a2a.MessageType
	Envelope      *a2a.MessageEnvelope
	Payload       json.RawMessage
	CreatedAt     time.Time
	ExpiresAt     time.Time
	RetryCount    int
	Properties    map[string]any
}

// wireBody is the JSON body placed on the broker.
type wireBody struct {
	Envelope *a2a.MessageEnvelope `json:"envelope"`
	Payload  json.RawMessage      `json:"payload,omitempty"`
}

// NewMessage builds a bus message for an envelope. The message id is fresh,
// the correlation id comes from the envelope, and expiry follows the
// envelope TTL.
func NewMessage(msgType a2a.MessageType, env *a2a.MessageEnvelope, payload json.RawMessage) *Message {
	now := time.Now().UTC()
	ttl := env.TTL
	if ttl <= 0 {
		ttl = a2a.DefaultEnvelopeTTL
	}
	return &Message{
		ID:            uuid.NewString(),
		CorrelationID: env.CorrelationID,
		Type:          msgType,
		Envelope:      env,
		Payload:       payload,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(ttl) * time.Second),
	}
}

// EncodeBody serializes the envelope+payload wire body.
func (m *Message) EncodeBody() ([]byte, error) {
	if m.Envelope == nil {
		return nil, fmt.Errorf("message %s: envelope is required", m.ID)
	}
	if err := m.Envelope.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(wireBody{Envelope: m.Envelope, Payload: m.Payload})
}

// DecodeBody parses an envelope+payload wire body. The envelope schema is
// strict: unknown fields are rejected and defaults are applied on the way in.
func DecodeBody(data []byte) (*a2a.MessageEnvelope, json.RawMessage, error) {
	var body struct {
		Envelope json.RawMessage `json:"envelope"`
		Payload  json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, nil, fmt.Errorf("message body: %w", err)
	}
	if len(body.Envelope) == 0 {
		return nil, nil, fmt.Errorf("message body: envelope is required")
	}
	env, err := a2a.DecodeEnvelope(body.Envelope)
	if err != nil {
		return nil, nil, err
	}
	return env, body.Payload, nil
}

// ApplicationProperties returns the broker-visible properties that
// server-side subscription filters evaluate.
func (m *Message) ApplicationProperties() map[string]any {
	props := map[string]any{
		"messageType": string(m.Type),
		"toAgent":     m.Envelope.ToAgent,
		"fromProxy":   m.Envelope.FromProxy,
	}
	if m.Envelope.FromAgent != "" {
		props["fromAgent"] = m.Envelope.FromAgent
	}
	if m.Envelope.ToProxy != "" {
		props["toProxy"] = m.Envelope.ToProxy
	}
	for k, v := range m.Properties {
		props[k] = v
	}
	return props
}

// TTL returns the remaining time-to-live for the broker message.
func (m *Message) TTL() time.Duration {
	return m.ExpiresAt.Sub(m.CreatedAt)
}

// FromReceived converts a broker delivery into a Message.
func FromReceived(rm *azservicebus.ReceivedMessage) (*Message, error) {
	env, payload, err := DecodeBody(rm.Body)
	if err != nil {
		return nil, err
	}

	typeName, _ := rm.ApplicationProperties["messageType"].(string)
	msgType, err := a2a.ParseMessageType(typeName)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:            rm.MessageID,
		CorrelationID: env.CorrelationID,
		Type:          msgType,
		Envelope:      env,
		Payload:       payload,
		CreatedAt:     env.Timestamp,
		ExpiresAt:     env.Timestamp.Add(time.Duration(env.TTL) * time.Second),
		RetryCount:    int(rm.DeliveryCount) - 1,
		Properties:    rm.ApplicationProperties,
	}
	if msg.RetryCount < 0 {
		msg.RetryCount = 0
	}
	if rm.CorrelationID != nil && *rm.CorrelationID != "" {
		msg.CorrelationID = *rm.CorrelationID
	}
	if rm.EnqueuedTime != nil {
		msg.CreatedAt = *rm.EnqueuedTime
	}
	return msg, nil
}
