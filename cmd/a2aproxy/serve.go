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

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/a2abus/a2a-proxy/pkg/config"
	"github.com/a2abus/a2a-proxy/pkg/runtime"
)

const shutdownGrace = 10 * time.Second

// ServeCmd starts the proxy and serves until interrupted.
type ServeCmd struct {
	Port  int  `help:"Override the configured HTTP port."`
	Watch bool `help:"Watch the config file and hot-reload the agent registry." default:"true" negatable:""`
}

func (c *ServeCmd) Run(cli *CLI) error {
	logger, err := initLogger(cli.LogLevel, cli.LogFormat, cli.LogFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Proxy.Port = c.Port
	}

	opts := []runtime.Option{runtime.WithLogger(logger)}
	if c.Watch {
		opts = append(opts, runtime.WithLoader(loader))
	} else {
		defer func() { _ = loader.Close() }()
	}

	app, err := runtime.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	logger.Info("Proxy starting",
		"proxyId", cfg.Proxy.ID, "role", cfg.Proxy.Role, "port", cfg.Proxy.Port)

	runErr := app.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := app.Close(shutdownCtx); err != nil {
		logger.Warn("Shutdown incomplete", "error", err)
	}
	return runErr
}
