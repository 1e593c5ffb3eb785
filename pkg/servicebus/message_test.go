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
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
)

func testEnvelope() *a2a.MessageEnvelope {
	return a2a.NewEnvelope("proxy-1", "writer", "c-123", "/v1/messages:send")
}

func TestNewMessage(t *testing.T) {
	env := testEnvelope()
	msg := NewMessage(a2a.MessageTypeRequest, env, json.RawMessage(`{"k":1}`))

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "c-123", msg.CorrelationID)
	assert.Equal(t, a2a.MessageTypeRequest, msg.Type)
	assert.Equal(t, time.Duration(a2a.DefaultEnvelopeTTL)*time.Second, msg.TTL())
}

func TestEncodeDecodeBody(t *testing.T) {
	env := testEnvelope()
	msg := NewMessage(a2a.MessageTypeRequest, env, json.RawMessage(`{"jsonrpc":"2.0"}`))

	body, err := msg.EncodeBody()
	require.NoError(t, err)

	decoded, payload, err := DecodeBody(body)
	require.NoError(t, err)
	assert.Equal(t, "writer", decoded.ToAgent)
	assert.Equal(t, "c-123", decoded.CorrelationID)
	assert.JSONEq(t, `{"jsonrpc":"2.0"}`, string(payload))
}

func TestDecodeBodyMissingEnvelope(t *testing.T) {
	_, _, err := DecodeBody([]byte(`{"payload":{}}`))
	assert.ErrorContains(t, err, "envelope is required")
}

func TestDecodeBodyRejectsUnknownEnvelopeFields(t *testing.T) {
	body := `{"envelope":{"fromProxy":"proxy-1","toAgent":"writer",` +
		`"correlationId":"c-1","path":"/health","bogusField":"x"}}`
	_, _, err := DecodeBody([]byte(body))
	assert.ErrorContains(t, err, "bogusField")
}

func TestDecodeBodyAppliesEnvelopeDefaults(t *testing.T) {
	body := `{"envelope":{"fromProxy":"proxy-1","toAgent":"writer",` +
		`"correlationId":"c-1","path":"/health"}}`
	env, _, err := DecodeBody([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "POST", env.Method)
	assert.Equal(t, "http", env.Protocol)
	assert.Equal(t, a2a.DefaultEnvelopeTTL, env.TTL)
}

func TestApplicationProperties(t *testing.T) {
	env := testEnvelope()
	env.ToProxy = "proxy-2"
	env.FromAgent = "critic"
	msg := NewMessage(a2a.MessageTypeResponse, env, nil)

	props := msg.ApplicationProperties()
	assert.Equal(t, "response", props["messageType"])
	assert.Equal(t, "writer", props["toAgent"])
	assert.Equal(t, "proxy-1", props["fromProxy"])
	assert.Equal(t, "proxy-2", props["toProxy"])
	assert.Equal(t, "critic", props["fromAgent"])
}

func TestApplicationPropertiesOmitsEmpty(t *testing.T) {
	msg := NewMessage(a2a.MessageTypeRequest, testEnvelope(), nil)

	props := msg.ApplicationProperties()
	assert.NotContains(t, props, "toProxy")
	assert.NotContains(t, props, "fromAgent")
}

func TestFromReceived(t *testing.T) {
	env := testEnvelope()
	src := NewMessage(a2a.MessageTypeRequest, env, json.RawMessage(`{"n":7}`))
	body, err := src.EncodeBody()
	require.NoError(t, err)

	msg, err := FromReceived(&azservicebus.ReceivedMessage{
		Body:                  body,
		MessageID:             src.ID,
		ApplicationProperties: src.ApplicationProperties(),
		DeliveryCount:         3,
	})
	require.NoError(t, err)

	assert.Equal(t, src.ID, msg.ID)
	assert.Equal(t, a2a.MessageTypeRequest, msg.Type)
	assert.Equal(t, "c-123", msg.CorrelationID)
	assert.Equal(t, 2, msg.RetryCount)
	assert.JSONEq(t, `{"n":7}`, string(msg.Payload))
}

func TestFromReceivedUnknownType(t *testing.T) {
	body, err := NewMessage(a2a.MessageTypeRequest, testEnvelope(), nil).EncodeBody()
	require.NoError(t, err)

	_, err = FromReceived(&azservicebus.ReceivedMessage{
		Body:                  body,
		MessageID:             "m1",
		ApplicationProperties: map[string]any{"messageType": "bogus"},
	})
	assert.ErrorContains(t, err, "unknown message type")
}
