// Copyright 2025 The AgentUse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcptoolset connects configured MCP servers and projects
// their tools and resources into the core tool set.
//
// All providers launch concurrently; a provider that fails to connect
// is recorded and skipped rather than failing the run. Tool names are
// prefixed "<provider>_". Resources are projected as two synthetic
// tools per provider, <provider>_list_resources and
// <provider>_read_resource, so agents that only see tools can still
// reach resource-oriented servers.
package mcptoolset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agentuse/agentuse/pkg/config"
	"github.com/agentuse/agentuse/pkg/tool"
)

// Supervisor owns the connections to every configured MCP server.
type Supervisor struct {
	mu        sync.Mutex
	providers map[string]*provider
	errs      map[string]error
}

// provider is one connected MCP server.
type provider struct {
	name   string
	client mcpClient
	tools  []toolInfo
}

// StartAll connects every configured server concurrently. Connection
// failures are isolated per provider and reported via Errors; the
// returned supervisor always covers the providers that did connect.
func StartAll(ctx context.Context, servers map[string]config.MCPServer) *Supervisor {
	s := &Supervisor{
		providers: make(map[string]*provider),
		errs:      make(map[string]error),
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, spec := range servers {
		g.Go(func() error {
			p, err := connect(gctx, name, spec)
			s.mu.Lock()
			defer s.mu.Unlock()
			if err != nil {
				slog.Warn("MCP server failed to connect", "server", name, "error", err)
				s.errs[name] = err
				return nil
			}
			s.providers[name] = p
			return nil
		})
	}
	g.Wait()
	return s
}

func connect(ctx context.Context, name string, spec config.MCPServer) (*provider, error) {
	var c mcpClient
	var err error
	if spec.IsStdio() {
		c, err = newStdioClient(ctx, spec)
	} else {
		c, err = newHTTPClient(ctx, spec)
	}
	if err != nil {
		return nil, err
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	slog.Info("Connected to MCP server", "server", name, "tools", len(tools))
	return &provider{name: name, client: c, tools: tools}, nil
}

// Errors returns the per-provider connection failures.
func (s *Supervisor) Errors() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]error, len(s.errs))
	for k, v := range s.errs {
		out[k] = v
	}
	return out
}

// Register adds every provider's tools, plus the two synthetic
// resource tools per provider, to the set. The supervisor is added as
// a closer so the set's Close tears the connections down.
func (s *Supervisor) Register(set *tool.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.providers {
		for _, info := range p.tools {
			wrapped := &mcpTool{
				client:      p.client,
				name:        p.name + "_" + info.Name,
				remoteName:  info.Name,
				description: info.Description,
				schema:      info.Schema,
			}
			if err := set.Add(wrapped); err != nil {
				return fmt.Errorf("server %s: %w", p.name, err)
			}
		}
		if err := set.Add(newListResourcesTool(p)); err != nil {
			return fmt.Errorf("server %s: %w", p.name, err)
		}
		if err := set.Add(newReadResourceTool(p)); err != nil {
			return fmt.Errorf("server %s: %w", p.name, err)
		}
	}

	set.AddCloser(s)
	return nil
}

// Close closes every client, swallowing individual errors.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, p := range s.providers {
		if err := p.client.Close(); err != nil {
			slog.Debug("MCP client close failed", "server", name, "error", err)
		}
	}
	s.providers = map[string]*provider{}
	return nil
}

// mcpTool adapts one remote tool to the core Tool interface.
type mcpTool struct {
	client      mcpClient
	name        string
	remoteName  string
	description string
	schema      map[string]any
}

var _ tool.Tool = (*mcpTool)(nil)

func (t *mcpTool) Name() string        { return t.name }
func (t *mcpTool) Description() string { return t.description }

func (t *mcpTool) Schema() map[string]any {
	if t.schema == nil {
		return map[string]any{"type": "object"}
	}
	return t.schema
}

// Call forwards to the provider. Transport failures surface as errors
// for the execution core to classify; server-side tool failures come
// back in-band.
func (t *mcpTool) Call(ctx context.Context, args map[string]any) (*tool.Result, error) {
	outcome, err := t.client.CallTool(ctx, t.remoteName, args)
	if err != nil {
		return nil, err
	}
	if outcome.IsError {
		return tool.ErrorResult(&tool.Error{
			Type:      tool.ErrorServer,
			Message:   outcome.Text,
			Retryable: true,
		}), nil
	}
	return &tool.Result{Content: outcome.Text}, nil
}

// newListResourcesTool projects resources/list as a tool.
func newListResourcesTool(p *provider) tool.Tool {
	return &resourceTool{
		client:      p.client,
		name:        p.name + "_list_resources",
		description: "Lists the resources available on the " + p.name + " server",
		schema:      map[string]any{"type": "object", "properties": map[string]any{}},
		call: func(ctx context.Context, c mcpClient, args map[string]any) (*tool.Result, error) {
			resources, err := c.ListResources(ctx)
			if err != nil {
				return nil, err
			}
			data, err := json.MarshalIndent(resources, "", "  ")
			if err != nil {
				return nil, err
			}
			return &tool.Result{Content: string(data)}, nil
		},
	}
}

// newReadResourceTool projects resources/read as a tool.
func newReadResourceTool(p *provider) tool.Tool {
	return &resourceTool{
		client:      p.client,
		name:        p.name + "_read_resource",
		description: "Reads one resource from the " + p.name + " server by URI",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"uri": map[string]any{
					"type":        "string",
					"description": "Resource URI to read",
				},
			},
			"required": []string{"uri"},
		},
		call: func(ctx context.Context, c mcpClient, args map[string]any) (*tool.Result, error) {
			uri, _ := args["uri"].(string)
			if uri == "" {
				return tool.ErrorResult(tool.ValidationError(fmt.Errorf("uri is required"))), nil
			}
			text, err := c.ReadResource(ctx, uri)
			if err != nil {
				return nil, err
			}
			return &tool.Result{Content: text}, nil
		},
	}
}

// resourceTool is a synthetic tool backed by a provider call.
type resourceTool struct {
	client      mcpClient
	name        string
	description string
	schema      map[string]any
	call        func(ctx context.Context, c mcpClient, args map[string]any) (*tool.Result, error)
}

var _ tool.Tool = (*resourceTool)(nil)

func (t *resourceTool) Name() string           { return t.name }
func (t *resourceTool) Description() string    { return t.description }
func (t *resourceTool) Schema() map[string]any { return t.schema }

func (t *resourceTool) Call(ctx context.Context, args map[string]any) (*tool.Result, error) {
	return t.call(ctx, t.client, args)
}
