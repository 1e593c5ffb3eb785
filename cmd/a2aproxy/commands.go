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
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	a2aproxy "github.com/a2abus/a2a-proxy"
	"github.com/a2abus/a2a-proxy/pkg/config"
)

// ValidateCmd loads and validates a config file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, loader, err := config.LoadConfigFile(context.Background(), cli.Config)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	defer func() { _ = loader.Close() }()

	agents, _ := cfg.AgentRegistry.Agents()
	fmt.Printf("Configuration OK: %s\n", cli.Config)
	fmt.Printf("  proxy:        %s (%s), port %d\n", cfg.Proxy.ID, cfg.Proxy.Role, cfg.Proxy.Port)
	fmt.Printf("  agents:       %d\n", len(agents))
	fmt.Printf("  groups:       %d\n", len(cfg.AgentGroups))
	fmt.Printf("  subscriptions: %d\n", len(cfg.Subscriptions))
	return nil
}

// SchemaCmd prints the JSON Schema of the configuration file.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.Title = "a2a-proxy Configuration Schema"
	schema.Description = "Configuration schema for the A2A Service Bus proxy"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	enc := json.NewEncoder(os.Stdout)
	if !c.Compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(schema)
}

// VersionCmd prints build information.
type VersionCmd struct {
	JSON bool `help:"Print version information as JSON."`
}

func (c *VersionCmd) Run(cli *CLI) error {
	info := a2aproxy.GetVersion()
	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(info)
	}
	fmt.Println(info.String())
	return nil
}
