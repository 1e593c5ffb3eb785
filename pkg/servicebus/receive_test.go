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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
	"github.com/a2abus/a2a-proxy/pkg/config"
)

func receivedFrom(t *testing.T, msg *Message) *azservicebus.ReceivedMessage {
	t.Helper()
	body, err := msg.EncodeBody()
	require.NoError(t, err)
	return &azservicebus.ReceivedMessage{
		Body:                  body,
		MessageID:             msg.ID,
		ApplicationProperties: msg.ApplicationProperties(),
		DeliveryCount:         1,
	}
}

func testClient(t *testing.T, factory receiverFactory) *Client {
	t.Helper()
	c := NewClient(config.ServiceBusConfig{Namespace: "test"})
	c.newReceiver = factory
	c.restartBaseDelay = 5 * time.Millisecond
	c.idleDelay = 5 * time.Millisecond
	return c
}

func TestReceiveTaskCompletesOnSuccess(t *testing.T) {
	msg := NewMessage(a2a.MessageTypeRequest, testEnvelope(), nil)
	receiver := &fakeReceiver{pending: []*azservicebus.ReceivedMessage{receivedFrom(t, msg)}}

	var mu sync.Mutex
	var handled []string
	c := testClient(t, func(topic, sub string) (busReceiver, error) {
		return receiver, nil
	})

	task := newReceiveTask(Subscription{Name: "s1", TopicName: "t1"}, func(ctx context.Context, m *Message) error {
		mu.Lock()
		handled = append(handled, m.ID)
		mu.Unlock()
		return nil
	}, c)

	go task.run()

	assert.Eventually(t, func() bool {
		receiver.mu.Lock()
		defer receiver.mu.Unlock()
		return len(receiver.completed) == 1
	}, time.Second, 5*time.Millisecond)

	task.stop()
	assert.Equal(t, []string{msg.ID}, handled)
	assert.Equal(t, int64(1), c.Stats().MessagesReceived)
	assert.Equal(t, TaskStopped, task.State())
}

func TestReceiveTaskAbandonsOnHandlerError(t *testing.T) {
	msg := NewMessage(a2a.MessageTypeRequest, testEnvelope(), nil)
	receiver := &fakeReceiver{pending: []*azservicebus.ReceivedMessage{receivedFrom(t, msg)}}

	c := testClient(t, func(topic, sub string) (busReceiver, error) {
		return receiver, nil
	})
	task := newReceiveTask(Subscription{Name: "s1", TopicName: "t1"}, func(ctx context.Context, m *Message) error {
		return errors.New("downstream agent unreachable")
	}, c)

	go task.run()

	assert.Eventually(t, func() bool {
		receiver.mu.Lock()
		defer receiver.mu.Unlock()
		return len(receiver.abandoned) == 1
	}, time.Second, 5*time.Millisecond)

	task.stop()
	assert.Empty(t, receiver.completed)
	assert.Equal(t, int64(1), c.Stats().ReceiveFailures)
}

func TestReceiveTaskAbandonsUndecodable(t *testing.T) {
	receiver := &fakeReceiver{pending: []*azservicebus.ReceivedMessage{
		{Body: []byte("not json"), MessageID: "bad-1"},
	}}

	c := testClient(t, func(topic, sub string) (busReceiver, error) {
		return receiver, nil
	})
	task := newReceiveTask(Subscription{Name: "s1", TopicName: "t1"}, func(ctx context.Context, m *Message) error {
		t.Error("handler must not run for undecodable deliveries")
		return nil
	}, c)

	go task.run()

	assert.Eventually(t, func() bool {
		receiver.mu.Lock()
		defer receiver.mu.Unlock()
		return len(receiver.abandoned) == 1
	}, time.Second, 5*time.Millisecond)
	task.stop()
}

func TestReceiveTaskGivesUpAfterRestartBudget(t *testing.T) {
	var mu sync.Mutex
	opens := 0
	c := testClient(t, func(topic, sub string) (busReceiver, error) {
		mu.Lock()
		opens++
		mu.Unlock()
		return nil, errors.New("link refused")
	})

	task := newReceiveTask(Subscription{Name: "s1", TopicName: "t1"}, func(ctx context.Context, m *Message) error {
		return nil
	}, c)

	done := make(chan struct{})
	go func() {
		task.run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not give up")
	}

	assert.Equal(t, TaskGaveUp, task.State())
	assert.Equal(t, maxReceiveRestarts, opens)
	assert.Equal(t, int64(maxReceiveRestarts), c.Stats().ReceiverRestarts)
}

func TestReceiveTaskRecoversAcrossRestart(t *testing.T) {
	msg := NewMessage(a2a.MessageTypeRequest, testEnvelope(), nil)

	var mu sync.Mutex
	opens := 0
	receiver := &fakeReceiver{pending: []*azservicebus.ReceivedMessage{receivedFrom(t, msg)}}
	c := testClient(t, func(topic, sub string) (busReceiver, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		if opens == 1 {
			return nil, errors.New("empty credits")
		}
		return receiver, nil
	})

	task := newReceiveTask(Subscription{Name: "s1", TopicName: "t1"}, func(ctx context.Context, m *Message) error {
		return nil
	}, c)
	go task.run()

	assert.Eventually(t, func() bool {
		receiver.mu.Lock()
		defer receiver.mu.Unlock()
		return len(receiver.completed) == 1
	}, time.Second, 5*time.Millisecond)

	task.stop()
	assert.Equal(t, int64(1), c.Stats().ReceiverRestarts)
}

func TestRestartDelaySequence(t *testing.T) {
	c := NewClient(config.ServiceBusConfig{Namespace: "test"})
	task := newReceiveTask(Subscription{}, nil, c)

	assert.Equal(t, 5*time.Second, task.restartDelay(1))
	assert.Equal(t, 10*time.Second, task.restartDelay(2))
	assert.Equal(t, 20*time.Second, task.restartDelay(3))
	assert.Equal(t, 40*time.Second, task.restartDelay(4))
	assert.Equal(t, 60*time.Second, task.restartDelay(5))
	assert.Equal(t, 60*time.Second, task.restartDelay(6))
}

func TestTaskStateString(t *testing.T) {
	assert.Equal(t, "running", TaskRunning.String())
	assert.Equal(t, "gave_up", TaskGaveUp.String())
	assert.Equal(t, "stopped", TaskStopped.String())
}
