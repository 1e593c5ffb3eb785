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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
)

func TestPublishRequest(t *testing.T) {
	bus := newFakeBus()
	p := NewPublisher(bus, nil)

	env := testEnvelope()
	ok := p.PublishRequest(context.Background(), "review", env, json.RawMessage(`{}`), "")
	require.True(t, ok)

	sent := bus.lastSent()
	require.NotNil(t, sent)
	assert.Equal(t, "a2a.review.requests", sent.Topic)
	assert.Equal(t, a2a.MessageTypeRequest, sent.Msg.Type)
	// Session key falls back to the correlation id.
	assert.Equal(t, "c-123", sent.SessionKey)
}

func TestPublishRequestExplicitSession(t *testing.T) {
	bus := newFakeBus()
	p := NewPublisher(bus, nil)

	ok := p.PublishRequest(context.Background(), "review", testEnvelope(), nil, "sess-9")
	require.True(t, ok)
	assert.Equal(t, "sess-9", bus.lastSent().SessionKey)
}

func TestPublishResponse(t *testing.T) {
	bus := newFakeBus()
	p := NewPublisher(bus, nil)

	req := testEnvelope()
	resp := a2a.NewResponseEnvelope(req, "proxy-2", 200)
	ok := p.PublishResponse(context.Background(), "review", resp, json.RawMessage(`{"ok":true}`), req.CorrelationID, "")
	require.True(t, ok)

	sent := bus.lastSent()
	assert.Equal(t, "a2a.review.responses", sent.Topic)
	assert.Equal(t, a2a.MessageTypeResponse, sent.Msg.Type)
	assert.Equal(t, "c-123", sent.SessionKey)
	assert.Equal(t, "proxy-1", sent.Msg.Envelope.ToProxy)
}

func TestPublishNotification(t *testing.T) {
	bus := newFakeBus()
	p := NewPublisher(bus, nil)

	ok := p.PublishNotification(context.Background(), testEnvelope(), nil)
	require.True(t, ok)
	assert.Equal(t, a2a.NotificationTopic, bus.lastSent().Topic)
	assert.Equal(t, a2a.MessageTypeNotification, bus.lastSent().Msg.Type)
}

func TestPublishReportsFailure(t *testing.T) {
	bus := newFakeBus()
	bus.failSend = true
	p := NewPublisher(bus, nil)

	assert.False(t, p.PublishRequest(context.Background(), "review", testEnvelope(), nil, ""))
}
