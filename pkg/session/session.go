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

// Package session provides the proxy-level session store: TTL-bounded
// per-agent session records persisted one file per session, with a
// periodic expiry sweeper. Proxy sessions are unrelated to bus sessions.
package session

import (
	"context"
	"time"
)

// Info is one session record.
type Info struct {
	SessionID     string         `json:"sessionId"`
	AgentID       string         `json:"agentId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastActivity  time.Time      `json:"lastActivity"`
	ExpiresAt     *time.Time     `json:"expiresAt"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// IsExpired reports whether the session passed its expiry. Sessions without
// an expiry never expire.
func (s *Info) IsExpired(now time.Time) bool {
	if s.ExpiresAt == nil {
		return false
	}
	return now.After(*s.ExpiresAt)
}

// ExtendTTL pushes the expiry ttl seconds past now and touches the record.
func (s *Info) ExtendTTL(now time.Time, ttlSeconds int) {
	expires := now.Add(time.Duration(ttlSeconds) * time.Second)
	s.ExpiresAt = &expires
	s.LastActivity = now
}

// Touch updates the last-activity timestamp.
func (s *Info) Touch(now time.Time) {
	s.LastActivity = now
}

// Stats aggregates store counters.
type Stats struct {
	TotalSessions   int            `json:"totalSessions"`
	ActiveSessions  int            `json:"activeSessions"`
	ExpiredSessions int            `json:"expiredSessions"`
	SessionsByAgent map[string]int `json:"sessionsByAgent"`
}

// Store abstracts session persistence.
type Store interface {
	// Create persists a new session record.
	Create(ctx context.Context, info *Info) error

	// Get loads a session; missing or malformed records return (nil, nil).
	Get(ctx context.Context, sessionID string) (*Info, error)

	// Update rewrites an existing session. Returns false if absent.
	Update(ctx context.Context, info *Info) (bool, error)

	// Delete removes a session. Returns false if absent.
	Delete(ctx context.Context, sessionID string) (bool, error)

	// List returns sessions, optionally filtered by agent, excluding
	// expired records unless includeExpired.
	List(ctx context.Context, agentID string, includeExpired bool) ([]*Info, error)

	// CleanupExpired removes expired sessions and returns the count.
	CleanupExpired(ctx context.Context) (int, error)

	// GetByCorrelationID finds the first active session with the id.
	GetByCorrelationID(ctx context.Context, correlationID string) (*Info, error)

	// Stats aggregates the store's counters.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases store resources.
	Close() error
}
