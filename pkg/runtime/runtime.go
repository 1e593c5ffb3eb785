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

// Package runtime assembles one proxy process: configuration, registry,
// sessions, bus plumbing, routing, and the HTTP server, in dependency
// order, and tears them down in reverse.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
	"github.com/a2abus/a2a-proxy/pkg/config"
	"github.com/a2abus/a2a-proxy/pkg/observability"
	"github.com/a2abus/a2a-proxy/pkg/pending"
	"github.com/a2abus/a2a-proxy/pkg/registry"
	"github.com/a2abus/a2a-proxy/pkg/router"
	"github.com/a2abus/a2a-proxy/pkg/server"
	"github.com/a2abus/a2a-proxy/pkg/servicebus"
	"github.com/a2abus/a2a-proxy/pkg/session"
)

// App is one fully wired proxy instance. Fields are populated by New and
// valid until Close.
type App struct {
	Config     *config.Config
	Loader     *config.Loader
	Logger     *slog.Logger
	Obs        *observability.Manager
	Agents     *registry.AgentRegistry
	Sessions   *session.Manager
	Pending    *pending.Manager
	Bus        *servicebus.Client
	Publisher  *servicebus.Publisher
	Admin      servicebus.AdminClient
	Topics     *servicebus.TopicManager
	Subscriber *servicebus.Subscriber
	Router     *router.Router
	Server     *server.Server

	busConnected bool
}

// Option customizes the App before wiring starts.
type Option func(*App)

// WithLogger injects the process logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		a.Logger = l
	}
}

// WithLoader attaches the config loader so Run can watch for reloads.
func WithLoader(l *config.Loader) Option {
	return func(a *App) {
		a.Loader = l
	}
}

// New wires every component from the given config. The bus connection is
// best-effort: when it cannot be established the proxy comes up in
// local-only mode and remote routes fail fast.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(app)
	}

	obs := observability.NewManager(observabilityConfig(cfg.Observability))
	if err := obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	app.Obs = obs

	agents, err := registry.NewAgentRegistryFromConfig(&cfg.AgentRegistry,
		registry.WithLogger(app.Logger))
	if err != nil {
		return nil, fmt.Errorf("agent registry: %w", err)
	}
	app.Agents = agents

	store, err := session.NewFileStore(sessionDir(cfg))
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	app.Sessions = session.NewManager(cfg.Sessions, store, app.Logger)
	app.Sessions.Start()

	app.Pending = pending.NewManager(pending.WithLogger(app.Logger))
	app.Pending.Start()

	if err := app.connectBus(ctx); err != nil {
		app.close(ctx)
		return nil, err
	}

	app.Router = router.New(cfg.Proxy.ID, agents, app.Pending, app.Publisher,
		router.WithTimeout(cfg.ServiceBus.RequestTimeout()),
		router.WithLogger(app.Logger),
		router.WithObservability(obs))

	if err := obs.Metrics().RegisterGauges(
		func() int64 { return int64(app.Pending.Count()) },
		func() int64 { return int64(app.Sessions.ActiveCount(context.Background())) },
	); err != nil {
		app.Logger.Warn("Gauge registration failed", "error", err)
	}

	serverOpts := []server.Option{
		server.WithLogger(app.Logger),
		server.WithObservability(obs),
	}
	if app.busConnected {
		serverOpts = append(serverOpts, server.WithBus(app.Bus))
	}
	if app.Topics != nil {
		serverOpts = append(serverOpts, server.WithTopicManager(app.Topics))
	}
	app.Server = server.New(cfg, app.Router, agents, app.Sessions, serverOpts...)

	return app, nil
}

// connectBus brings up the data plane, the management plane, and the
// subscriptions. Any bus-side failure downgrades to local-only rather than
// aborting startup; a coordinator missing some topics keeps serving the
// topics that do exist.
func (a *App) connectBus(ctx context.Context) error {
	cfg := a.Config
	if cfg.ServiceBus.Namespace == "" && cfg.ServiceBus.ConnectionString == "" {
		a.Logger.Info("No bus configured, running local-only")
		return nil
	}

	bus := servicebus.NewClient(cfg.ServiceBus,
		servicebus.WithClientLogger(a.Logger),
		servicebus.WithClientMetrics(a.Obs.Metrics()))
	if err := bus.Start(ctx); err != nil {
		a.Logger.Warn("Bus connection failed, running local-only",
			"namespace", cfg.ServiceBus.Namespace, "error", err)
		return nil
	}
	a.Bus = bus
	a.busConnected = true
	a.Publisher = servicebus.NewPublisher(bus, a.Logger)

	adm, err := servicebus.NewAdminClient(cfg.ServiceBus)
	if err != nil {
		a.Logger.Warn("Management plane unavailable, subscriptions must pre-exist",
			"error", err)
	} else {
		a.Admin = adm
	}

	if cfg.Role() == a2a.RoleCoordinator && a.Admin != nil {
		a.provisionTopics(ctx)
	}

	a.Subscriber = servicebus.NewSubscriber(cfg.Proxy.ID, bus, a.Admin,
		a.Agents, a.Pending, a.Publisher,
		servicebus.WithSubscriberLogger(a.Logger))
	if err := a.Subscriber.Start(ctx, cfg.Subscriptions); err != nil {
		a.Logger.Warn("Subscription setup failed, downgrading to local-only",
			"error", err)
		a.degradeToLocalOnly(ctx)
	}
	return nil
}

// provisionTopics reconciles the group topic sets. Provisioning errors are
// logged and swallowed; the proxy keeps serving whatever topics exist.
func (a *App) provisionTopics(ctx context.Context) {
	a.Topics = servicebus.NewTopicManager(a.Admin, a.Logger)
	if err := a.Topics.EnsureTopics(ctx, a.Config.AgentGroups); err != nil {
		a.Logger.Warn("Topic provisioning incomplete, continuing with existing topics",
			"error", err)
	}
}

// degradeToLocalOnly tears the bus back down after a post-connect failure.
// Remote routes then fail fast with UnsupportedOperation.
func (a *App) degradeToLocalOnly(ctx context.Context) {
	if a.Subscriber != nil {
		a.Subscriber.Stop(ctx)
		a.Subscriber = nil
	}
	if a.Bus != nil {
		if err := a.Bus.Stop(ctx); err != nil {
			a.Logger.Warn("Bus shutdown failed during downgrade", "error", err)
		}
		a.Bus = nil
	}
	a.Publisher = nil
	a.Topics = nil
	a.busConnected = false
}

// Run serves HTTP until ctx is cancelled, watching the config source for
// registry updates when a loader is attached.
func (a *App) Run(ctx context.Context) error {
	if a.Loader != nil {
		a.Loader.OnChange(a.applyConfig)
		go func() {
			if err := a.Loader.Watch(ctx); err != nil && ctx.Err() == nil {
				a.Logger.Warn("Config watch stopped", "error", err)
			}
		}()
	}
	return a.Server.Start(ctx)
}

// applyConfig folds a reloaded config into the running process. Only the
// agent registry is hot-swappable; everything else needs a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if err := a.Agents.Refresh(&cfg.AgentRegistry); err != nil {
		a.Logger.Error("Agent registry refresh failed", "error", err)
		return
	}
	a.Logger.Info("Agent registry refreshed", "agents", a.Agents.Count())
}

// Close tears components down in reverse wiring order.
func (a *App) Close(ctx context.Context) error {
	return a.close(ctx)
}

func (a *App) close(ctx context.Context) error {
	if a.Subscriber != nil {
		a.Subscriber.Stop(ctx)
	}
	if a.Bus != nil {
		if err := a.Bus.Stop(ctx); err != nil {
			a.Logger.Warn("Bus shutdown failed", "error", err)
		}
	}
	if a.Pending != nil {
		a.Pending.Stop()
	}
	if a.Sessions != nil {
		a.Sessions.Stop()
	}
	if a.Loader != nil {
		if err := a.Loader.Close(); err != nil {
			a.Logger.Warn("Config loader close failed", "error", err)
		}
	}
	if a.Obs != nil {
		if err := a.Obs.Shutdown(ctx); err != nil {
			a.Logger.Warn("Observability shutdown failed", "error", err)
		}
	}
	return nil
}

// observabilityConfig maps the file-level observability block onto the
// manager's config.
func observabilityConfig(cfg config.ObservabilityConfig) observability.Config {
	return observability.Config{
		Tracing: observability.TracerConfig{
			Enabled:      cfg.Tracing.Enabled,
			EndpointURL:  cfg.Tracing.EndpointURL,
			SamplingRate: cfg.Tracing.SamplingRate,
			ServiceName:  cfg.Tracing.ServiceName,
		},
		Metrics: observability.MetricsConfig{
			Enabled: cfg.Metrics.Enabled,
		},
	}
}

// sessionDir resolves the session store directory, defaulting to a
// per-proxy directory under the system temp root.
func sessionDir(cfg *config.Config) string {
	if cfg.Sessions.StoreDir != "" {
		return cfg.Sessions.StoreDir
	}
	return filepath.Join(os.TempDir(), "a2a-proxy-sessions", cfg.Proxy.ID)
}
