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

// Package servicebus carries the proxy's traffic over Azure Service Bus:
// a messaging client with supervised receivers, typed publishers, the
// subscriber dispatch layer, and coordinator-side topic lifecycle.
package servicebus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/a2abus/a2a-proxy/pkg/config"
	"github.com/a2abus/a2a-proxy/pkg/observability"
)

// Handler processes one delivered message. A nil return completes the
// broker delivery; any error abandons it for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Subscription names a receiver on one topic, with an optional server-side
// SQL filter installed at creation time.
type Subscription struct {
	Name      string
	TopicName string
	Filter    string
}

// BusClient is the narrow bus surface the rest of the proxy depends on.
type BusClient interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendMessage(ctx context.Context, topic string, msg *Message, sessionKey string) bool
	SendBatch(ctx context.Context, topic string, msgs []*Message, sessionKey string) int
	CreateSubscription(ctx context.Context, sub Subscription, handler Handler) error
	DeleteSubscription(ctx context.Context, name, topic string) error
	Stats() StatsSnapshot
}

// StatsSnapshot is a point-in-time copy of the connection counters.
type StatsSnapshot struct {
	MessagesSent     int64     `json:"messagesSent"`
	MessagesReceived int64     `json:"messagesReceived"`
	SendFailures     int64     `json:"sendFailures"`
	ReceiveFailures  int64     `json:"receiveFailures"`
	ReceiverRestarts int64     `json:"receiverRestarts"`
	ConnectedAt      time.Time `json:"connectedAt,omitzero"`
}

type stats struct {
	sent        atomic.Int64
	received    atomic.Int64
	sendFail    atomic.Int64
	receiveFail atomic.Int64
	restarts    atomic.Int64

	mu          sync.Mutex
	connectedAt time.Time
}

func (s *stats) snapshot() StatsSnapshot {
	s.mu.Lock()
	connectedAt := s.connectedAt
	s.mu.Unlock()
	return StatsSnapshot{
		MessagesSent:     s.sent.Load(),
		MessagesReceived: s.received.Load(),
		SendFailures:     s.sendFail.Load(),
		ReceiveFailures:  s.receiveFail.Load(),
		ReceiverRestarts: s.restarts.Load(),
		ConnectedAt:      connectedAt,
	}
}

// ============================================================================
// CLIENT
// ============================================================================

// Client is the azservicebus-backed BusClient.
type Client struct {
	cfg     config.ServiceBusConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	started  bool
	azClient *azservicebus.Client
	senders  map[string]*azservicebus.Sender
	tasks    map[string]*receiveTask

	stats stats
	wg    sync.WaitGroup

	// Test seams. Production values are set in NewClient.
	newReceiver      receiverFactory
	restartBaseDelay time.Duration
	idleDelay        time.Duration
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithClientLogger injects a logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClientMetrics mirrors the connection counters into the metric
// instruments.
func WithClientMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient builds an unconnected Client. Call Start before use.
func NewClient(cfg config.ServiceBusConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg:              cfg,
		logger:           slog.Default(),
		metrics:          &observability.Metrics{},
		senders:          make(map[string]*azservicebus.Sender),
		tasks:            make(map[string]*receiveTask),
		restartBaseDelay: 5 * time.Second,
		idleDelay:        5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.newReceiver = c.openReceiver
	return c
}

// Start connects to the namespace. A connection string wins; otherwise the
// ambient managed-identity credential chain is used. Idempotent.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	var azClient *azservicebus.Client
	var err error
	if c.cfg.ConnectionString != "" {
		azClient, err = azservicebus.NewClientFromConnectionString(c.cfg.ConnectionString, nil)
	} else {
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err == nil {
			azClient, err = azservicebus.NewClient(c.cfg.FullyQualifiedNamespace(), cred, nil)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to service bus: %w", err)
	}

	c.azClient = azClient
	c.started = true
	c.stats.mu.Lock()
	c.stats.connectedAt = time.Now().UTC()
	c.stats.mu.Unlock()

	c.logger.Info("Service bus client connected",
		"namespace", c.cfg.FullyQualifiedNamespace())
	return nil
}

// Stop cancels all receive tasks, closes senders and the connection.
// Idempotent.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false

	for _, task := range c.tasks {
		task.stop()
	}
	c.tasks = make(map[string]*receiveTask)

	senders := c.senders
	c.senders = make(map[string]*azservicebus.Sender)
	azClient := c.azClient
	c.azClient = nil
	c.mu.Unlock()

	c.wg.Wait()

	for topic, sender := range senders {
		if err := sender.Close(ctx); err != nil {
			c.logger.Warn("Failed to close sender", "topic", topic, "error", err)
		}
	}
	if azClient != nil {
		if err := azClient.Close(ctx); err != nil {
			return fmt.Errorf("failed to close service bus client: %w", err)
		}
	}

	c.logger.Info("Service bus client stopped")
	return nil
}

func (c *Client) sender(topic string) (*azservicebus.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil, fmt.Errorf("service bus client is not started")
	}
	if s, ok := c.senders[topic]; ok {
		return s, nil
	}
	s, err := c.azClient.NewSender(topic, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender for %s: %w", topic, err)
	}
	c.senders[topic] = s
	return s, nil
}

func (c *Client) toBrokerMessage(msg *Message, sessionKey string) (*azservicebus.Message, error) {
	body, err := msg.EncodeBody()
	if err != nil {
		return nil, err
	}
	ttl := msg.TTL()
	if configured := c.cfg.DefaultMessageTTLSeconds; configured > 0 {
		ttl = time.Duration(configured) * time.Second
	}
	out := &azservicebus.Message{
		Body:                  body,
		MessageID:             &msg.ID,
		CorrelationID:         &msg.CorrelationID,
		ApplicationProperties: msg.ApplicationProperties(),
		TimeToLive:            &ttl,
	}
	if sessionKey != "" {
		out.SessionID = &sessionKey
	}
	return out, nil
}

// SendMessage publishes one message. Failures are logged and counted, never
// raised; the bool reports acceptance.
func (c *Client) SendMessage(ctx context.Context, topic string, msg *Message, sessionKey string) bool {
	sender, err := c.sender(topic)
	if err == nil {
		var brokerMsg *azservicebus.Message
		brokerMsg, err = c.toBrokerMessage(msg, sessionKey)
		if err == nil {
			err = sender.SendMessage(ctx, brokerMsg, nil)
		}
	}
	if err != nil {
		c.stats.sendFail.Add(1)
		c.metrics.RecordBusSent(ctx, topic, false)
		c.logger.Error("Failed to publish message",
			"topic", topic,
			"messageId", msg.ID,
			"correlationId", msg.CorrelationID,
			"error", err)
		return false
	}

	c.stats.sent.Add(1)
	c.metrics.RecordBusSent(ctx, topic, true)
	c.logger.Debug("Published message",
		"topic", topic,
		"messageId", msg.ID,
		"correlationId", msg.CorrelationID,
		"messageType", msg.Type)
	return true
}

// SendBatch publishes several messages as one broker batch and returns the
// number accepted. The call is atomic: either the whole batch goes out in a
// single broker send or nothing is published. A set that does not fit one
// batch fails the call.
func (c *Client) SendBatch(ctx context.Context, topic string, msgs []*Message, sessionKey string) int {
	if len(msgs) == 0 {
		return 0
	}
	sender, err := c.sender(topic)
	if err != nil {
		c.stats.sendFail.Add(int64(len(msgs)))
		c.logger.Error("Failed to open batch sender", "topic", topic, "error", err)
		return 0
	}

	batch, err := sender.NewMessageBatch(ctx, nil)
	if err != nil {
		c.stats.sendFail.Add(int64(len(msgs)))
		c.logger.Error("Failed to create message batch", "topic", topic, "error", err)
		return 0
	}

	for _, msg := range msgs {
		brokerMsg, err := c.toBrokerMessage(msg, sessionKey)
		if err != nil {
			c.stats.sendFail.Add(int64(len(msgs)))
			c.logger.Error("Batch rejected, message failed to encode",
				"topic", topic, "messageId", msg.ID, "error", err)
			return 0
		}
		if err := batch.AddMessage(brokerMsg, nil); err != nil {
			c.stats.sendFail.Add(int64(len(msgs)))
			c.metrics.RecordBusSent(ctx, topic, false)
			c.logger.Error("Batch rejected, messages exceed batch capacity",
				"topic", topic, "messageId", msg.ID, "count", len(msgs), "error", err)
			return 0
		}
	}

	if err := sender.SendMessageBatch(ctx, batch, nil); err != nil {
		c.stats.sendFail.Add(int64(len(msgs)))
		c.metrics.RecordBusSent(ctx, topic, false)
		c.logger.Error("Failed to send message batch", "topic", topic, "error", err)
		return 0
	}

	c.stats.sent.Add(int64(len(msgs)))
	c.metrics.RecordBusSent(ctx, topic, true)
	return len(msgs)
}

// CreateSubscription spawns a supervised receive task for the subscription.
// Idempotent by subscription name.
func (c *Client) CreateSubscription(ctx context.Context, sub Subscription, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return fmt.Errorf("service bus client is not started")
	}
	if _, ok := c.tasks[sub.Name]; ok {
		return nil
	}

	task := newReceiveTask(sub, handler, c)
	c.tasks[sub.Name] = task

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		task.run()
	}()

	c.logger.Info("Subscription receiver started",
		"subscription", sub.Name, "topic", sub.TopicName)
	return nil
}

// DeleteSubscription cancels the receive task. The durable broker
// subscription is left in place.
func (c *Client) DeleteSubscription(ctx context.Context, name, topic string) error {
	c.mu.Lock()
	task, ok := c.tasks[name]
	delete(c.tasks, name)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	task.stop()
	c.logger.Info("Subscription receiver stopped", "subscription", name, "topic", topic)
	return nil
}

// Stats returns a snapshot of the connection counters.
func (c *Client) Stats() StatsSnapshot {
	return c.stats.snapshot()
}

func (c *Client) openReceiver(topic, subscription string) (busReceiver, error) {
	c.mu.Lock()
	azClient := c.azClient
	c.mu.Unlock()

	if azClient == nil {
		return nil, fmt.Errorf("service bus client is not started")
	}
	r, err := azClient.NewReceiverForSubscription(topic, subscription, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
	if err != nil {
		return nil, err
	}
	return &azReceiver{inner: r}, nil
}

// ============================================================================
// RECEIVER ABSTRACTION
// ============================================================================

// busReceiver is the receiver surface the supervised loop drives.
type busReceiver interface {
	Receive(ctx context.Context, maxMessages int) ([]*azservicebus.ReceivedMessage, error)
	Complete(ctx context.Context, msg *azservicebus.ReceivedMessage) error
	Abandon(ctx context.Context, msg *azservicebus.ReceivedMessage) error
	Close(ctx context.Context) error
}

type receiverFactory func(topic, subscription string) (busReceiver, error)

type azReceiver struct {
	inner *azservicebus.Receiver
}

func (r *azReceiver) Receive(ctx context.Context, maxMessages int) ([]*azservicebus.ReceivedMessage, error) {
	return r.inner.ReceiveMessages(ctx, maxMessages, nil)
}

func (r *azReceiver) Complete(ctx context.Context, msg *azservicebus.ReceivedMessage) error {
	return r.inner.CompleteMessage(ctx, msg, nil)
}

func (r *azReceiver) Abandon(ctx context.Context, msg *azservicebus.ReceivedMessage) error {
	return r.inner.AbandonMessage(ctx, msg, nil)
}

func (r *azReceiver) Close(ctx context.Context) error {
	return r.inner.Close(ctx)
}
