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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
	"github.com/a2abus/a2a-proxy/pkg/config"
)

func TestSendMessageNotStarted(t *testing.T) {
	c := NewClient(config.ServiceBusConfig{Namespace: "test"})

	msg := NewMessage(a2a.MessageTypeRequest, testEnvelope(), nil)
	assert.False(t, c.SendMessage(context.Background(), "a2a.review.requests", msg, ""))
	assert.Equal(t, int64(1), c.Stats().SendFailures)
}

// A batch is all-or-nothing: when the call fails, every message in it is
// accounted as failed and none is reported accepted.
func TestSendBatchAllOrNothing(t *testing.T) {
	c := NewClient(config.ServiceBusConfig{Namespace: "test"})

	msgs := []*Message{
		NewMessage(a2a.MessageTypeRequest, testEnvelope(), nil),
		NewMessage(a2a.MessageTypeRequest, testEnvelope(), nil),
		NewMessage(a2a.MessageTypeRequest, testEnvelope(), nil),
	}
	accepted := c.SendBatch(context.Background(), "a2a.review.requests", msgs, "")
	assert.Equal(t, 0, accepted)
	assert.Equal(t, int64(3), c.Stats().SendFailures)
}

func TestSendBatchEmpty(t *testing.T) {
	c := NewClient(config.ServiceBusConfig{Namespace: "test"})
	assert.Equal(t, 0, c.SendBatch(context.Background(), "a2a.review.requests", nil, ""))
}
