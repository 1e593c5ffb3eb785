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

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
	"github.com/a2abus/a2a-proxy/pkg/config"
)

// Manager validates and coordinates session operations over a Store and
// runs the expiry sweeper.
type Manager struct {
	cfg    config.SessionConfig
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// createMu makes the per-agent cap check and the insert one step, so
	// concurrent creates cannot overshoot the limit.
	createMu sync.Mutex
}

// NewManager wires a manager over the given store.
func NewManager(cfg config.SessionConfig, store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}
}

// Start spawns the cleanup sweeper. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.cleanupLoop(m.stopCh)
	m.logger.Info("Session manager started",
		"cleanupInterval", m.cfg.CleanupIntervalSeconds)
}

// Stop halts the sweeper and closes the store.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	if err := m.store.Close(); err != nil {
		m.logger.Warn("Session store close failed", "error", err)
	}
	m.logger.Info("Session manager stopped")
}

func (m *Manager) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// clampTTL forces ttl into [1, maxTtlSeconds].
func (m *Manager) clampTTL(ttlSeconds int) int {
	if ttlSeconds < 1 {
		return 1
	}
	if ttlSeconds > m.cfg.MaxTTLSeconds {
		return m.cfg.MaxTTLSeconds
	}
	return ttlSeconds
}

// Create registers a new session. A zero ttl takes the configured default;
// any other value is clamped. The per-agent cap is enforced loudly.
func (m *Manager) Create(ctx context.Context, agentID, correlationID string, ttlSeconds int, metadata map[string]any) (*Info, error) {
	if !m.isRunning() {
		return nil, fmt.Errorf("session manager is not running")
	}
	if agentID == "" {
		return nil, a2a.NewInvalidParams("agentId is required")
	}

	if ttlSeconds == 0 {
		ttlSeconds = m.cfg.DefaultTTLSeconds
	} else {
		ttlSeconds = m.clampTTL(ttlSeconds)
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	existing, err := m.store.List(ctx, agentID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for %s: %w", agentID, err)
	}
	if len(existing) >= m.cfg.MaxSessionsPerAgent {
		return nil, a2a.NewInvalidParams(fmt.Sprintf(
			"agent %s has reached maximum session limit (%d)",
			agentID, m.cfg.MaxSessionsPerAgent))
	}

	now := time.Now().UTC()
	info := &Info{
		SessionID:     uuid.NewString(),
		AgentID:       agentID,
		CorrelationID: correlationID,
		CreatedAt:     now,
		LastActivity:  now,
		Metadata:      metadata,
	}
	info.ExtendTTL(now, ttlSeconds)

	if err := m.store.Create(ctx, info); err != nil {
		return nil, err
	}

	m.logger.Info("Created session",
		"sessionId", info.SessionID, "agentId", agentID, "ttlSeconds", ttlSeconds)
	return info, nil
}

// Get loads a session by id. Expired sessions are invisible and deleted
// lazily. Touching updates last activity.
func (m *Manager) Get(ctx context.Context, sessionID string, touch bool) (*Info, error) {
	if !m.isRunning() {
		return nil, fmt.Errorf("session manager is not running")
	}

	info, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}

	if info.IsExpired(time.Now().UTC()) {
		m.logger.Info("Session expired, removing", "sessionId", sessionID)
		_, _ = m.store.Delete(ctx, sessionID)
		return nil, nil
	}

	if touch {
		info.Touch(time.Now().UTC())
		if _, err := m.store.Update(ctx, info); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// Extend pushes the session expiry ttl seconds (clamped) past now.
func (m *Manager) Extend(ctx context.Context, sessionID string, ttlSeconds int) (bool, error) {
	if !m.isRunning() {
		return false, fmt.Errorf("session manager is not running")
	}

	info, err := m.Get(ctx, sessionID, false)
	if err != nil || info == nil {
		return false, err
	}

	ttlSeconds = m.clampTTL(ttlSeconds)
	info.ExtendTTL(time.Now().UTC(), ttlSeconds)

	ok, err := m.store.Update(ctx, info)
	if ok {
		m.logger.Info("Extended session", "sessionId", sessionID, "ttlSeconds", ttlSeconds)
	}
	return ok, err
}

// Delete removes a session.
func (m *Manager) Delete(ctx context.Context, sessionID string) (bool, error) {
	if !m.isRunning() {
		return false, fmt.Errorf("session manager is not running")
	}
	return m.store.Delete(ctx, sessionID)
}

// List returns sessions, optionally filtered by agent.
func (m *Manager) List(ctx context.Context, agentID string, includeExpired bool) ([]*Info, error) {
	if !m.isRunning() {
		return nil, fmt.Errorf("session manager is not running")
	}
	return m.store.List(ctx, agentID, includeExpired)
}

// Stats aggregates store counters.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	if !m.isRunning() {
		return nil, fmt.Errorf("session manager is not running")
	}
	return m.store.Stats(ctx)
}

// GetByCorrelationID finds the active session carrying the correlation id.
func (m *Manager) GetByCorrelationID(ctx context.Context, correlationID string) (*Info, error) {
	if !m.isRunning() {
		return nil, fmt.Errorf("session manager is not running")
	}
	return m.store.GetByCorrelationID(ctx, correlationID)
}

// CleanupExpired removes expired sessions immediately.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	if !m.isRunning() {
		return 0, fmt.Errorf("session manager is not running")
	}
	return m.store.CleanupExpired(ctx)
}

// ActiveCount reports the number of active sessions, for metrics callbacks.
func (m *Manager) ActiveCount(ctx context.Context) int {
	if !m.isRunning() {
		return 0
	}
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return 0
	}
	return stats.ActiveSessions
}

func (m *Manager) cleanupLoop(stopCh <-chan struct{}) {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			removed, err := m.store.CleanupExpired(context.Background())
			if err != nil {
				m.logger.Error("Session cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				m.logger.Info("Cleaned up expired sessions", "count", removed)
			}
		}
	}
}
