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
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// sentRecord captures one publish through the fake bus.
type sentRecord struct {
	Topic      string
	Msg        *Message
	SessionKey string
}

// fakeBus is an in-memory BusClient.
type fakeBus struct {
	mu       sync.Mutex
	started  bool
	sent     []sentRecord
	failSend bool
	handlers map[string]Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]Handler)}
}

func (b *fakeBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

func (b *fakeBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
	return nil
}

func (b *fakeBus) SendMessage(ctx context.Context, topic string, msg *Message, sessionKey string) bool {
	// Mirror the real client: a message whose body cannot be encoded is
	// never accepted by the broker.
	if _, err := msg.EncodeBody(); err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSend {
		return false
	}
	b.sent = append(b.sent, sentRecord{Topic: topic, Msg: msg, SessionKey: sessionKey})
	return true
}

func (b *fakeBus) SendBatch(ctx context.Context, topic string, msgs []*Message, sessionKey string) int {
	n := 0
	for _, m := range msgs {
		if b.SendMessage(ctx, topic, m, sessionKey) {
			n++
		}
	}
	return n
}

func (b *fakeBus) CreateSubscription(ctx context.Context, sub Subscription, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[sub.Name] = handler
	return nil
}

func (b *fakeBus) DeleteSubscription(ctx context.Context, name, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, name)
	return nil
}

func (b *fakeBus) Stats() StatsSnapshot {
	return StatsSnapshot{}
}

func (b *fakeBus) lastSent() *sentRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return nil
	}
	return &b.sent[len(b.sent)-1]
}

// fakeAdmin is a map-backed AdminClient.
type fakeAdmin struct {
	mu      sync.Mutex
	topics  map[string]TopicSettings
	subs    map[string]SubscriptionSettings // key topic/name
	rules   map[string]string               // key topic/name/rule → expression
	getErr  map[string]error
	created []string
	updated []string
	deleted []string
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		topics: make(map[string]TopicSettings),
		subs:   make(map[string]SubscriptionSettings),
		rules:  make(map[string]string),
		getErr: make(map[string]error),
	}
}

func (a *fakeAdmin) GetTopic(ctx context.Context, name string) (*TopicInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.getErr[name]; err != nil {
		return nil, err
	}
	settings, ok := a.topics[name]
	if !ok {
		return nil, nil
	}
	return &TopicInfo{Name: name, Settings: settings}, nil
}

func (a *fakeAdmin) CreateTopic(ctx context.Context, name string, settings TopicSettings) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.topics[name] = settings
	a.created = append(a.created, name)
	return nil
}

func (a *fakeAdmin) UpdateTopic(ctx context.Context, name string, settings TopicSettings) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.topics[name] = settings
	a.updated = append(a.updated, name)
	return nil
}

func (a *fakeAdmin) DeleteTopic(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.topics, name)
	a.deleted = append(a.deleted, name)
	return nil
}

func (a *fakeAdmin) ListTopics(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var names []string
	for name := range a.topics {
		names = append(names, name)
	}
	return names, nil
}

func subKey(topic, name string) string {
	return topic + "/" + name
}

func (a *fakeAdmin) SubscriptionExists(ctx context.Context, topic, name string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.subs[subKey(topic, name)]
	return ok, nil
}

func (a *fakeAdmin) CreateSubscription(ctx context.Context, topic, name string, settings SubscriptionSettings) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs[subKey(topic, name)] = settings
	return nil
}

func (a *fakeAdmin) DeleteSubscription(ctx context.Context, topic, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs, subKey(topic, name))
	return nil
}

func (a *fakeAdmin) ListSubscriptions(ctx context.Context, topic string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prefix := topic + "/"
	var names []string
	for key := range a.subs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			names = append(names, key[len(prefix):])
		}
	}
	return names, nil
}

func (a *fakeAdmin) ReplaceRule(ctx context.Context, topic, subscription, ruleName, sqlExpression string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules[subKey(topic, subscription)+"/"+ruleName] = sqlExpression
	return nil
}

// fakeReceiver feeds scripted deliveries into the supervised loop.
type fakeReceiver struct {
	mu        sync.Mutex
	pending   []*azservicebus.ReceivedMessage
	failAfter bool

	completed []string
	abandoned []string
}

func (r *fakeReceiver) Receive(ctx context.Context, maxMessages int) ([]*azservicebus.ReceivedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		if r.failAfter {
			return nil, fmt.Errorf("amqp link torn")
		}
		return nil, nil
	}
	n := min(maxMessages, len(r.pending))
	out := r.pending[:n]
	r.pending = r.pending[n:]
	return out, nil
}

func (r *fakeReceiver) Complete(ctx context.Context, msg *azservicebus.ReceivedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, msg.MessageID)
	return nil
}

func (r *fakeReceiver) Abandon(ctx context.Context, msg *azservicebus.ReceivedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, msg.MessageID)
	return nil
}

func (r *fakeReceiver) Close(ctx context.Context) error {
	return nil
}
