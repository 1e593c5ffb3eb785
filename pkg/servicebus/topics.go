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
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
	"github.com/a2abus/a2a-proxy/pkg/config"
)

// ReconcileState is the outcome of one topic reconciliation pass.
type ReconcileState string

const (
	TopicCreated ReconcileState = "created"
	TopicUpdated ReconcileState = "updated"
	TopicExists  ReconcileState = "exists"
	TopicFailed  ReconcileState = "failed"
)

// TopicHealth classifies a group's topic triple.
type TopicHealth string

const (
	TopicsHealthy   TopicHealth = "healthy"
	TopicsDegraded  TopicHealth = "degraded"
	TopicsUnhealthy TopicHealth = "unhealthy"
)

// maxConcurrentAdminOps bounds in-flight management calls so a broad
// reconcile cannot flood the management plane.
const maxConcurrentAdminOps = 6

// TopicManager owns the per-group topic triple lifecycle. Only the
// coordinator proxy runs one.
type TopicManager struct {
	admin  AdminClient
	logger *slog.Logger
}

// NewTopicManager builds a TopicManager.
func NewTopicManager(adm AdminClient, logger *slog.Logger) *TopicManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopicManager{admin: adm, logger: logger}
}

// groupTopics returns the topic triple for a group.
func groupTopics(group string) []string {
	return []string{
		a2a.RequestTopic(group),
		a2a.ResponseTopic(group),
		a2a.DeadLetterTopic(group),
	}
}

func topicSettings(g config.TopicGroupConfig) TopicSettings {
	return TopicSettings{
		MaxSizeMB:                int32(g.MaxMessageSizeMB) * 1024,
		MessageTTL:               time.Duration(g.MessageTTLSeconds) * time.Second,
		DuplicateDetectionWindow: time.Duration(g.DuplicateDetectionWindowMinutes) * time.Minute,
		EnablePartitioning:       g.EnablePartitioning,
	}
}

// EnsureTopics reconciles all groups. Per group the three topics reconcile
// concurrently, bounded across the whole pass.
func (tm *TopicManager) EnsureTopics(ctx context.Context, groups []config.TopicGroupConfig) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentAdminOps)

	for _, g := range groups {
		settings := topicSettings(g)
		for _, name := range groupTopics(g.Name) {
			eg.Go(func() error {
				state, err := tm.reconcileTopic(ctx, name, settings)
				if err != nil {
					return fmt.Errorf("topic %s: %w", name, err)
				}
				tm.logger.Info("Topic reconciled", "topic", name, "state", state)
				return nil
			})
		}
	}
	return eg.Wait()
}

// EnsureTopicSet reconciles one group.
func (tm *TopicManager) EnsureTopicSet(ctx context.Context, g config.TopicGroupConfig) error {
	return tm.EnsureTopics(ctx, []config.TopicGroupConfig{g})
}

// reconcileTopic converges one topic onto the desired settings.
func (tm *TopicManager) reconcileTopic(ctx context.Context, name string, desired TopicSettings) (ReconcileState, error) {
	state := TopicFailed
	err := tm.withRetry(ctx, func() error {
		existing, err := tm.admin.GetTopic(ctx, name)
		if err != nil {
			return err
		}

		if existing == nil {
			if err := tm.admin.CreateTopic(ctx, name, desired); err != nil {
				if isConflict(err) {
					// Lost a create race; the winner's topic serves.
					state = TopicExists
					return nil
				}
				return err
			}
			state = TopicCreated
			return nil
		}

		if settingsDiffer(existing.Settings, desired) {
			if err := tm.admin.UpdateTopic(ctx, name, desired); err != nil {
				return err
			}
			state = TopicUpdated
			return nil
		}

		state = TopicExists
		return nil
	})
	if err != nil {
		return TopicFailed, err
	}
	return state, nil
}

func settingsDiffer(current, desired TopicSettings) bool {
	return current.MaxSizeMB != desired.MaxSizeMB ||
		current.MessageTTL != desired.MessageTTL ||
		current.DuplicateDetectionWindow != desired.DuplicateDetectionWindow
}

// withRetry wraps a management call in exponential backoff.
func (tm *TopicManager) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
}

// ValidateTopicHealth probes the group's triple.
func (tm *TopicManager) ValidateTopicHealth(ctx context.Context, group string) TopicHealth {
	missing := 0
	errored := 0
	for _, name := range groupTopics(group) {
		info, err := tm.admin.GetTopic(ctx, name)
		switch {
		case err != nil:
			errored++
		case info == nil:
			missing++
		}
	}
	switch {
	case missing > 0:
		return TopicsUnhealthy
	case errored > 0:
		return TopicsDegraded
	default:
		return TopicsHealthy
	}
}

// ListManagedTopics enumerates the topics under the proxy namespace prefix.
func (tm *TopicManager) ListManagedTopics(ctx context.Context) ([]string, error) {
	all, err := tm.admin.ListTopics(ctx)
	if err != nil {
		return nil, err
	}
	var managed []string
	for _, name := range all {
		if strings.HasPrefix(name, a2a.TopicPrefix) {
			managed = append(managed, name)
		}
	}
	return managed, nil
}

// DeleteTopicSet removes the group's triple. Missing topics count as
// deleted.
func (tm *TopicManager) DeleteTopicSet(ctx context.Context, group string) error {
	for _, name := range groupTopics(group) {
		err := tm.withRetry(ctx, func() error {
			return tm.admin.DeleteTopic(ctx, name)
		})
		if err != nil {
			return fmt.Errorf("topic %s: %w", name, err)
		}
		tm.logger.Info("Topic deleted", "topic", name)
	}
	return nil
}

// Recreate drops and rebuilds the group's triple.
func (tm *TopicManager) Recreate(ctx context.Context, g config.TopicGroupConfig) error {
	if err := tm.DeleteTopicSet(ctx, g.Name); err != nil {
		return err
	}
	return tm.EnsureTopicSet(ctx, g)
}
