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

// Package a2aproxy provides a transparent agent-to-agent proxy that bridges
// HTTP-based AI agents over Azure Service Bus.
//
// Each proxy instance hosts a subset of agents behind local HTTP addresses.
// Clients address any agent as if it were local; requests for agents owned
// by a peer proxy travel over group-sharded Service Bus topics and the
// response is correlated back to the waiting caller.
//
// # Quick Start
//
// Install the proxy:
//
//	go install github.com/a2abus/a2a-proxy/cmd/a2aproxy@latest
//
// Create a proxy configuration:
//
//	proxy:
//	  id: proxy-1
//	  role: coordinator
//	  port: 8080
//	serviceBus:
//	  namespace: mybus.servicebus.windows.net
//	hostedAgents:
//	  blog-agents: [writer]
//	agentRegistry:
//	  groups:
//	    blog-agents:
//	      - id: writer
//	        proxyId: proxy-1
//	        group: blog-agents
//	        fqdn: writer.local:8002
//
// Start the proxy:
//
//	a2aproxy serve --config proxy.yaml
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/a2abus/a2a-proxy/pkg/a2a"
//	    "github.com/a2abus/a2a-proxy/pkg/router"
//	    "github.com/a2abus/a2a-proxy/pkg/servicebus"
//	)
//
// # Architecture
//
// The data path for a client call:
//
//	caller → HTTP ingress → Router → local HTTP agent
//	                               → Publisher → a2a.<group>.requests topic
//
// A remote reply returns through the owning proxy's subscriber, the
// response topic, and the originating proxy's pending-request correlator.
// A distinguished coordinator proxy additionally reconciles the per-group
// topic triple (requests/responses/deadletter) against the bus.
package a2aproxy
