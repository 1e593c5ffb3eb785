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

// Package observability wires OpenTelemetry tracing and Prometheus-exported
// metrics for the proxy: bus send/receive counters, receiver restart
// counters, route latency, and HTTP middleware.
package observability

import (
	"context"
	"sync"
)

// Config configures the observability system.
type Config struct {
	Tracing TracerConfig  `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Manager owns the tracer provider and the metric instruments.
type Manager struct {
	mu      sync.RWMutex
	config  Config
	tracer  *Tracer
	metrics *Metrics
}

// NewManager creates an uninitialized Manager.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// NoopManager returns a Manager with tracing and metrics disabled.
func NoopManager() *Manager {
	m := NewManager(Config{})
	_ = m.Initialize(context.Background())
	return m
}

// Initialize builds the tracer and metric instruments.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracer, err := InitTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracer = tracer

	metrics, err := InitMetrics(ctx, m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics

	return nil
}

// Tracer returns the tracer; safe before Initialize (noop).
func (m *Manager) Tracer() *Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tracer == nil {
		return noopTracer()
	}
	return m.tracer
}

// Metrics returns the instruments; safe before Initialize (all records
// become no-ops).
func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metrics == nil {
		return &Metrics{}
	}
	return m.metrics
}

// MetricsEnabled reports whether /metrics should be served.
func (m *Manager) MetricsEnabled() bool {
	return m.config.Metrics.Enabled
}

// Shutdown flushes and stops the tracer provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tracer != nil {
		return m.tracer.Shutdown(ctx)
	}
	return nil
}
