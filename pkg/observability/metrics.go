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

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig switches the Prometheus metrics surface.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// GaugeFunc supplies a live value for an observable gauge.
type GaugeFunc func() int64

// Metrics holds the proxy's instruments. The zero value is a usable no-op.
type Metrics struct {
	busSent         metric.Int64Counter
	busReceived     metric.Int64Counter
	busSendFail     metric.Int64Counter
	busReceiveFail  metric.Int64Counter
	busRestarts     metric.Int64Counter
	routesTotal     metric.Int64Counter
	routeDuration   metric.Float64Histogram
	httpRequests    metric.Int64Counter
	httpDuration    metric.Float64Histogram
	meter           metric.Meter
	pendingGauge    metric.Int64ObservableGauge
	sessionsGauge   metric.Int64ObservableGauge
	registeredGauge bool
}

// InitMetrics builds the instruments against a Prometheus exporter reader.
// Disabled metrics yield a no-op Metrics.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("a2aproxy")

	m := &Metrics{meter: meter}

	if m.busSent, err = meter.Int64Counter(
		"a2aproxy_bus_messages_sent_total",
		metric.WithDescription("Messages published to the bus"),
	); err != nil {
		return nil, err
	}
	if m.busReceived, err = meter.Int64Counter(
		"a2aproxy_bus_messages_received_total",
		metric.WithDescription("Messages received and completed"),
	); err != nil {
		return nil, err
	}
	if m.busSendFail, err = meter.Int64Counter(
		"a2aproxy_bus_send_failures_total",
		metric.WithDescription("Failed publishes"),
	); err != nil {
		return nil, err
	}
	if m.busReceiveFail, err = meter.Int64Counter(
		"a2aproxy_bus_receive_failures_total",
		metric.WithDescription("Abandoned deliveries"),
	); err != nil {
		return nil, err
	}
	if m.busRestarts, err = meter.Int64Counter(
		"a2aproxy_bus_receiver_restarts_total",
		metric.WithDescription("Supervised receive loop restarts"),
	); err != nil {
		return nil, err
	}
	if m.routesTotal, err = meter.Int64Counter(
		"a2aproxy_routes_total",
		metric.WithDescription("Routed requests by mode and outcome"),
	); err != nil {
		return nil, err
	}
	if m.routeDuration, err = meter.Float64Histogram(
		"a2aproxy_route_duration_seconds",
		metric.WithDescription("End-to-end route latency"),
	); err != nil {
		return nil, err
	}
	if m.httpRequests, err = meter.Int64Counter(
		"a2aproxy_http_requests_total",
		metric.WithDescription("Inbound HTTP requests"),
	); err != nil {
		return nil, err
	}
	if m.httpDuration, err = meter.Float64Histogram(
		"a2aproxy_http_request_duration_seconds",
		metric.WithDescription("Inbound HTTP request latency"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterGauges installs live callbacks for the pending-request and active
// session gauges. Call once at startup.
func (m *Metrics) RegisterGauges(pending, sessions GaugeFunc) error {
	if m.meter == nil || m.registeredGauge {
		return nil
	}

	var err error
	if m.pendingGauge, err = m.meter.Int64ObservableGauge(
		"a2aproxy_pending_requests",
		metric.WithDescription("In-flight correlated requests"),
	); err != nil {
		return err
	}
	if m.sessionsGauge, err = m.meter.Int64ObservableGauge(
		"a2aproxy_active_sessions",
		metric.WithDescription("Active proxy sessions"),
	); err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if pending != nil {
			o.ObserveInt64(m.pendingGauge, pending())
		}
		if sessions != nil {
			o.ObserveInt64(m.sessionsGauge, sessions())
		}
		return nil
	}, m.pendingGauge, m.sessionsGauge)
	if err != nil {
		return err
	}
	m.registeredGauge = true
	return nil
}

// RecordBusSent counts one accepted or failed publish.
func (m *Metrics) RecordBusSent(ctx context.Context, topic string, ok bool) {
	if m.busSent == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("topic", topic))
	if ok {
		m.busSent.Add(ctx, 1, attrs)
	} else {
		m.busSendFail.Add(ctx, 1, attrs)
	}
}

// RecordBusReceived counts one completed or abandoned delivery.
func (m *Metrics) RecordBusReceived(ctx context.Context, subscription string, ok bool) {
	if m.busReceived == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("subscription", subscription))
	if ok {
		m.busReceived.Add(ctx, 1, attrs)
	} else {
		m.busReceiveFail.Add(ctx, 1, attrs)
	}
}

// RecordReceiverRestart counts one supervised loop restart.
func (m *Metrics) RecordReceiverRestart(ctx context.Context, subscription string) {
	if m.busRestarts == nil {
		return
	}
	m.busRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("subscription", subscription)))
}

// RecordRoute records one routed request.
func (m *Metrics) RecordRoute(ctx context.Context, mode string, duration time.Duration, err error) {
	if m.routesTotal == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	)
	m.routesTotal.Add(ctx, 1, attrs)
	m.routeDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordHTTPRequest records one inbound HTTP exchange.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m.httpRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("method", method)))
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
