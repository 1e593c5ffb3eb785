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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2abus/a2a-proxy/pkg/config"
)

func reviewGroup() config.TopicGroupConfig {
	return config.TopicGroupConfig{
		Name:                            "review",
		MaxMessageSizeMB:                2,
		MessageTTLSeconds:               3600,
		DuplicateDetectionWindowMinutes: 10,
	}
}

func TestEnsureTopicsCreatesTriple(t *testing.T) {
	adm := newFakeAdmin()
	tm := NewTopicManager(adm, nil)

	require.NoError(t, tm.EnsureTopics(context.Background(), []config.TopicGroupConfig{reviewGroup()}))

	for _, name := range []string{"a2a.review.requests", "a2a.review.responses", "a2a.review.deadletter"} {
		settings, ok := adm.topics[name]
		require.True(t, ok, name)
		assert.Equal(t, int32(2048), settings.MaxSizeMB)
		assert.Equal(t, time.Hour, settings.MessageTTL)
		assert.Equal(t, 10*time.Minute, settings.DuplicateDetectionWindow)
	}
	assert.Len(t, adm.created, 3)
	assert.Empty(t, adm.updated)
}

func TestEnsureTopicsUpdatesDrifted(t *testing.T) {
	adm := newFakeAdmin()
	// requests topic drifted on TTL; responses matches the desired state.
	adm.topics["a2a.review.requests"] = TopicSettings{
		MaxSizeMB: 2048, MessageTTL: 30 * time.Minute, DuplicateDetectionWindow: 10 * time.Minute,
	}
	adm.topics["a2a.review.responses"] = TopicSettings{
		MaxSizeMB: 2048, MessageTTL: time.Hour, DuplicateDetectionWindow: 10 * time.Minute,
	}

	tm := NewTopicManager(adm, nil)
	require.NoError(t, tm.EnsureTopics(context.Background(), []config.TopicGroupConfig{reviewGroup()}))

	assert.Equal(t, []string{"a2a.review.requests"}, adm.updated)
	assert.Equal(t, []string{"a2a.review.deadletter"}, adm.created)
	assert.Equal(t, time.Hour, adm.topics["a2a.review.requests"].MessageTTL)
}

func TestValidateTopicHealth(t *testing.T) {
	adm := newFakeAdmin()
	tm := NewTopicManager(adm, nil)
	ctx := context.Background()

	assert.Equal(t, TopicsUnhealthy, tm.ValidateTopicHealth(ctx, "review"))

	require.NoError(t, tm.EnsureTopicSet(ctx, reviewGroup()))
	assert.Equal(t, TopicsHealthy, tm.ValidateTopicHealth(ctx, "review"))

	adm.getErr["a2a.review.responses"] = errors.New("management timeout")
	assert.Equal(t, TopicsDegraded, tm.ValidateTopicHealth(ctx, "review"))
}

func TestListManagedTopics(t *testing.T) {
	adm := newFakeAdmin()
	adm.topics["a2a.review.requests"] = TopicSettings{}
	adm.topics["a2a.docs.requests"] = TopicSettings{}
	adm.topics["unrelated-topic"] = TopicSettings{}

	tm := NewTopicManager(adm, nil)
	managed, err := tm.ListManagedTopics(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a2a.review.requests", "a2a.docs.requests"}, managed)
}

func TestDeleteTopicSetIdempotent(t *testing.T) {
	adm := newFakeAdmin()
	tm := NewTopicManager(adm, nil)
	ctx := context.Background()

	require.NoError(t, tm.EnsureTopicSet(ctx, reviewGroup()))
	require.NoError(t, tm.DeleteTopicSet(ctx, "review"))
	assert.Empty(t, adm.topics)

	// Deleting an absent set still succeeds.
	require.NoError(t, tm.DeleteTopicSet(ctx, "review"))
}

func TestRecreate(t *testing.T) {
	adm := newFakeAdmin()
	tm := NewTopicManager(adm, nil)
	ctx := context.Background()

	adm.topics["a2a.review.requests"] = TopicSettings{MaxSizeMB: 1}
	require.NoError(t, tm.Recreate(ctx, reviewGroup()))

	assert.Equal(t, int32(2048), adm.topics["a2a.review.requests"].MaxSizeMB)
	assert.Len(t, adm.topics, 3)
}

func TestISODurationRoundTrip(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{time.Minute, "PT1M"},
		{time.Hour, "PT1H"},
		{10 * time.Minute, "PT10M"},
		{90 * time.Second, "PT1M30S"},
		{0, "PT0S"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatISODuration(tt.d))
		assert.Equal(t, tt.d, parseISODuration(tt.want))
	}

	assert.Equal(t, 24*time.Hour, parseISODuration("P1D"))
	assert.Equal(t, time.Duration(0), parseISODuration("garbage"))
}
