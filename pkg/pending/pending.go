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

// Package pending correlates in-flight requests with their eventual
// responses. Each request is keyed by correlation id and backed by a
// one-shot result channel; the first of response, error, timeout, or
// shutdown wins and all later completions are rejected.
package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the sweeper scans for expired entries.
const DefaultCleanupInterval = 60 * time.Second

// Sentinel errors returned by Wait.
var (
	// ErrNotFound means no pending request exists for the correlation id.
	ErrNotFound = errors.New("no pending request for correlation id")

	// ErrTimeout means the request expired before a response arrived.
	ErrTimeout = errors.New("pending request timed out")

	// ErrShutdown means the manager stopped while the request was in flight.
	ErrShutdown = errors.New("pending request manager shutting down")
)

// result is the single value delivered through a request's channel.
type result struct {
	payload any
	err     error
}

// Request is one in-flight request awaiting its correlated response.
type Request struct {
	CorrelationID  string
	CreatedAt      time.Time
	TimeoutSeconds int
	Metadata       map[string]any

	mu        sync.Mutex
	completed bool
	done      chan result
}

// newRequest builds a request with a buffered one-shot channel so that
// completion never blocks even when no caller is waiting.
func newRequest(correlationID string, timeoutSeconds int, metadata map[string]any) *Request {
	return &Request{
		CorrelationID:  correlationID,
		CreatedAt:      time.Now().UTC(),
		TimeoutSeconds: timeoutSeconds,
		Metadata:       metadata,
		done:           make(chan result, 1),
	}
}

// IsCompleted reports whether the request has already been resolved.
func (r *Request) IsCompleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// IsExpired reports whether the request outlived its timeout. Completed
// requests are never expired.
func (r *Request) IsExpired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return false
	}
	return now.After(r.CreatedAt.Add(time.Duration(r.TimeoutSeconds) * time.Second))
}

// complete resolves the request exactly once. Returns false if it was
// already resolved.
func (r *Request) complete(res result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return false
	}
	r.completed = true
	r.done <- res
	return true
}

// Manager tracks pending requests by correlation id and sweeps out expired
// entries on a fixed interval.
type Manager struct {
	cleanupInterval time.Duration
	logger          *slog.Logger

	mu       sync.Mutex
	requests map[string]*Request
	running  bool
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithCleanupInterval overrides the sweeper interval.
func WithCleanupInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.cleanupInterval = d
	}
}

// WithLogger injects a logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a stopped Manager. Call Start to spawn the sweeper.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		cleanupInterval: DefaultCleanupInterval,
		logger:          slog.Default(),
		requests:        make(map[string]*Request),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start spawns the background sweeper. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopped = false
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.sweepLoop(m.stopCh)
	m.logger.Info("Pending request manager started",
		"cleanupInterval", m.cleanupInterval)
}

// Stop halts the sweeper and fails every in-flight request with ErrShutdown.
// After Stop, Create returns an error until Start is called again.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopped = true
	close(m.stopCh)

	drained := make([]*Request, 0, len(m.requests))
	for _, req := range m.requests {
		drained = append(drained, req)
	}
	m.requests = make(map[string]*Request)
	m.mu.Unlock()

	for _, req := range drained {
		req.complete(result{err: ErrShutdown})
	}

	m.wg.Wait()
	m.logger.Info("Pending request manager stopped", "drained", len(drained))
}

// Create registers a new pending request. An existing entry under the same
// id is overwritten with a warning; the prior entry is dropped, not
// completed.
func (m *Manager) Create(correlationID string, timeoutSeconds int, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return fmt.Errorf("create %s: %w", correlationID, ErrShutdown)
	}
	if _, exists := m.requests[correlationID]; exists {
		m.logger.Warn("Pending request already exists, overwriting",
			"correlationId", correlationID)
	}
	m.requests[correlationID] = newRequest(correlationID, timeoutSeconds, metadata)
	m.logger.Debug("Created pending request",
		"correlationId", correlationID, "timeoutSeconds", timeoutSeconds)
	return nil
}

// Wait blocks until the request resolves, its timeout elapses, or ctx is
// cancelled. The entry is removed on every outcome.
func (m *Manager) Wait(ctx context.Context, correlationID string) (any, error) {
	m.mu.Lock()
	req, ok := m.requests[correlationID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wait %s: %w", correlationID, ErrNotFound)
	}

	defer m.Remove(correlationID)

	now := time.Now().UTC()
	if req.IsExpired(now) {
		req.complete(result{err: ErrTimeout})
	}

	remaining := time.Until(req.CreatedAt.Add(time.Duration(req.TimeoutSeconds) * time.Second))
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case res := <-req.done:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-timer.C:
		req.complete(result{err: ErrTimeout})
		res := <-req.done
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		req.complete(result{err: fmt.Errorf("%w: %s", ErrTimeout, ctx.Err())})
		res := <-req.done
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	}
}

// HandleResponse resolves the request with a payload. Returns false when no
// entry exists or the request already completed; the first caller wins.
func (m *Manager) HandleResponse(correlationID string, payload any) bool {
	m.mu.Lock()
	req, ok := m.requests[correlationID]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("No pending request for response",
			"correlationId", correlationID)
		return false
	}

	if !req.complete(result{payload: payload}) {
		m.logger.Warn("Pending request already completed",
			"correlationId", correlationID)
		return false
	}
	m.logger.Debug("Response correlated with pending request",
		"correlationId", correlationID)
	return true
}

// HandleError rejects the request with an error. Returns false when no entry
// exists or the request already completed.
func (m *Manager) HandleError(correlationID string, err error) bool {
	m.mu.Lock()
	req, ok := m.requests[correlationID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return req.complete(result{err: err})
}

// Remove deletes the entry without completing it.
func (m *Manager) Remove(correlationID string) {
	m.mu.Lock()
	delete(m.requests, correlationID)
	m.mu.Unlock()
}

// Count returns the number of in-flight requests.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Info describes one pending request for diagnostics.
type Info struct {
	CorrelationID  string         `json:"correlationId"`
	CreatedAt      time.Time      `json:"createdAt"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IsCompleted    bool           `json:"isCompleted"`
	IsExpired      bool           `json:"isExpired"`
}

// GetInfo returns diagnostics for one entry, or nil.
func (m *Manager) GetInfo(correlationID string) *Info {
	m.mu.Lock()
	req, ok := m.requests[correlationID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	return &Info{
		CorrelationID:  req.CorrelationID,
		CreatedAt:      req.CreatedAt,
		TimeoutSeconds: req.TimeoutSeconds,
		Metadata:       req.Metadata,
		IsCompleted:    req.IsCompleted(),
		IsExpired:      req.IsExpired(now),
	}
}

// sweepLoop periodically rejects expired entries with ErrTimeout.
func (m *Manager) sweepLoop(stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

// sweepExpired removes and times out every expired entry.
func (m *Manager) sweepExpired() {
	now := time.Now().UTC()

	m.mu.Lock()
	var expired []*Request
	for id, req := range m.requests {
		if req.IsExpired(now) {
			expired = append(expired, req)
			delete(m.requests, id)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, req := range expired {
		req.complete(result{err: ErrTimeout})
	}
	m.logger.Info("Cleaned up expired pending requests", "count", len(expired))
}
