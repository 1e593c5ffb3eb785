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
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
	"github.com/a2abus/a2a-proxy/pkg/config"
	"github.com/a2abus/a2a-proxy/pkg/httpclient"
	"github.com/a2abus/a2a-proxy/pkg/pending"
	"github.com/a2abus/a2a-proxy/pkg/registry"
)

// proxyFilterRule names the SQL rule that replaces $Default on every proxy
// subscription.
const proxyFilterRule = "ProxyFilter"

// toAgentFilter extracts the agent id from a `toAgent = 'x'` predicate.
var toAgentFilter = regexp.MustCompile(`toAgent\s*=\s*'([^']+)'`)

// SubscriptionName derives the durable subscription name for a group and
// filter. The rule is deterministic so a restarted proxy reattaches to its
// own subscriptions instead of leaking new ones.
func SubscriptionName(proxyID, group, filter string) string {
	if m := toAgentFilter.FindStringSubmatch(filter); m != nil {
		return fmt.Sprintf("%s-%s-%s", proxyID, group, m[1])
	}
	if group == "notifications" {
		return proxyID + "-notifications"
	}
	return fmt.Sprintf("%s-%s-requests", proxyID, group)
}

// ResponseSubscriptionName derives the name of the per-group reply
// subscription.
func ResponseSubscriptionName(proxyID, group string) string {
	return fmt.Sprintf("%s-responses-%s", proxyID, group)
}

// Subscriber wires the configured subscriptions, creates their durable
// broker-side counterparts, and dispatches deliveries by message type.
type Subscriber struct {
	proxyID   string
	bus       BusClient
	admin     AdminClient
	agents    *registry.AgentRegistry
	pending   *pending.Manager
	publisher *Publisher
	http      *httpclient.Client
	logger    *slog.Logger

	active []Subscription
}

// SubscriberOption customizes a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger injects a logger.
func WithSubscriberLogger(l *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = l
	}
}

// WithSubscriberHTTPClient overrides the local-forward HTTP client.
func WithSubscriberHTTPClient(c *httpclient.Client) SubscriberOption {
	return func(s *Subscriber) {
		s.http = c
	}
}

// NewSubscriber builds a Subscriber.
func NewSubscriber(proxyID string, bus BusClient, adm AdminClient, agents *registry.AgentRegistry, pendingMgr *pending.Manager, publisher *Publisher, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		proxyID:   proxyID,
		bus:       bus,
		admin:     adm,
		agents:    agents,
		pending:   pendingMgr,
		publisher: publisher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.http == nil {
		s.http = httpclient.New(httpclient.WithLogger(s.logger))
	}
	return s
}

// Start materializes every configured subscription plus one reply
// subscription per non-notification group, then attaches receivers.
func (s *Subscriber) Start(ctx context.Context, rules []config.SubscriptionRule) error {
	groups := make(map[string]bool)

	for _, rule := range rules {
		topic := a2a.RequestTopic(rule.Group)
		if rule.Group == "notifications" {
			topic = a2a.NotificationTopic
		} else {
			groups[rule.Group] = true
		}

		sub := Subscription{
			Name:      SubscriptionName(s.proxyID, rule.Group, rule.Filter),
			TopicName: topic,
			Filter:    rule.Filter,
		}
		if err := s.ensure(ctx, sub); err != nil {
			return err
		}
	}

	// Replies come back only to the proxy that originated the request.
	for group := range groups {
		sub := Subscription{
			Name:      ResponseSubscriptionName(s.proxyID, group),
			TopicName: a2a.ResponseTopic(group),
			Filter:    fmt.Sprintf("toProxy = '%s'", s.proxyID),
		}
		if err := s.ensure(ctx, sub); err != nil {
			return err
		}
	}

	s.logger.Info("Subscriber started",
		"proxyId", s.proxyID, "subscriptions", len(s.active))
	return nil
}

func (s *Subscriber) ensure(ctx context.Context, sub Subscription) error {
	if s.admin != nil {
		exists, err := s.admin.SubscriptionExists(ctx, sub.TopicName, sub.Name)
		if err != nil {
			return fmt.Errorf("failed to query subscription %s: %w", sub.Name, err)
		}
		if !exists {
			if err := s.admin.CreateSubscription(ctx, sub.TopicName, sub.Name, DefaultSubscriptionSettings()); err != nil {
				return fmt.Errorf("failed to create subscription %s: %w", sub.Name, err)
			}
		}
		if sub.Filter != "" {
			if err := s.admin.ReplaceRule(ctx, sub.TopicName, sub.Name, proxyFilterRule, sub.Filter); err != nil {
				return fmt.Errorf("failed to install filter on %s: %w", sub.Name, err)
			}
		}
	}

	if err := s.bus.CreateSubscription(ctx, sub, s.dispatch); err != nil {
		return err
	}
	s.active = append(s.active, sub)
	return nil
}

// Stop detaches the receivers. Durable broker subscriptions stay.
func (s *Subscriber) Stop(ctx context.Context) {
	for _, sub := range s.active {
		if err := s.bus.DeleteSubscription(ctx, sub.Name, sub.TopicName); err != nil {
			s.logger.Warn("Failed to stop receiver",
				"subscription", sub.Name, "error", err)
		}
	}
	s.active = nil
}

// DeleteProxySubscriptions removes this proxy's durable subscriptions from
// the broker. Used by decommissioning, not by normal shutdown.
func (s *Subscriber) DeleteProxySubscriptions(ctx context.Context) error {
	if s.admin == nil {
		return nil
	}
	topics, err := s.admin.ListTopics(ctx)
	if err != nil {
		return err
	}
	topics = append(topics, a2a.NotificationTopic)

	prefix := s.proxyID + "-"
	for _, topic := range topics {
		if !strings.HasPrefix(topic, a2a.TopicPrefix) && topic != a2a.NotificationTopic {
			continue
		}
		subs, err := s.admin.ListSubscriptions(ctx, topic)
		if err != nil {
			return err
		}
		for _, name := range subs {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			if err := s.admin.DeleteSubscription(ctx, topic, name); err != nil {
				return err
			}
			s.logger.Info("Deleted subscription", "topic", topic, "subscription", name)
		}
	}
	return nil
}

// ============================================================================
// DISPATCH
// ============================================================================

// dispatch routes one delivery by its tagged message type.
func (s *Subscriber) dispatch(ctx context.Context, msg *Message) error {
	switch msg.Type {
	case a2a.MessageTypeResponse:
		return s.handleResponse(msg)
	case a2a.MessageTypeRequest:
		return s.handleRequest(ctx, msg)
	case a2a.MessageTypeNotification, a2a.MessageTypeHeartbeat:
		s.logger.Debug("Received bus event",
			"messageType", msg.Type,
			"fromProxy", msg.Envelope.FromProxy,
			"correlationId", msg.CorrelationID)
		return nil
	default:
		return fmt.Errorf("unhandled message type %q", msg.Type)
	}
}

// handleResponse completes the matching pending request. An unmatched reply
// is logged and dropped; it belongs to a caller that already gave up.
func (s *Subscriber) handleResponse(msg *Message) error {
	if s.pending.HandleResponse(msg.CorrelationID, msg) {
		return nil
	}
	s.logger.Warn("Dropping unmatched response",
		"correlationId", msg.CorrelationID,
		"fromProxy", msg.Envelope.FromProxy)
	return nil
}

// handleRequest forwards a bus request to the locally hosted agent over
// HTTP and publishes the reply.
func (s *Subscriber) handleRequest(ctx context.Context, msg *Message) error {
	env := msg.Envelope

	agent, ok := s.agents.Get(env.ToAgent)
	if !ok || !agent.IsHostedBy(s.proxyID) {
		return fmt.Errorf("agent %s is not hosted by this proxy", env.ToAgent)
	}

	resp, body, err := s.forward(ctx, agent, env)
	if err != nil {
		return fmt.Errorf("failed to reach agent %s: %w", env.ToAgent, err)
	}

	respEnv := a2a.NewResponseEnvelope(env, s.proxyID, resp.StatusCode)
	respEnv.Headers = map[string]string{
		"Content-Type": resp.Header.Get("Content-Type"),
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		respEnv.IsSSE = true
		respEnv.Protocol = "sse"
	}

	if !s.publisher.PublishResponse(ctx, agent.Group, respEnv, body, env.CorrelationID, env.SessionID) {
		return fmt.Errorf("failed to publish response for %s", env.CorrelationID)
	}
	return nil
}

func (s *Subscriber) forward(ctx context.Context, agent *a2a.AgentInfo, env *a2a.MessageEnvelope) (*http.Response, []byte, error) {
	target := url.URL{Scheme: "http", Host: agent.FQDN, Path: env.Path}
	if len(env.QueryParams) > 0 {
		q := url.Values{}
		for k, v := range env.QueryParams {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	var reqBody io.Reader
	if len(env.Body) > 0 {
		reqBody = bytes.NewReader(env.Body)
	}
	req, err := http.NewRequestWithContext(ctx, env.Method, target.String(), reqBody)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range env.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(a2a.CorrelationIDHeader, env.CorrelationID)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}
