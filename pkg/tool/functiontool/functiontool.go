// Copyright 2025 The AgentUse Authors
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

// Package functiontool turns a typed Go function into a tool. The
// input schema is reflected from the argument struct's json and
// jsonschema tags, so built-ins declare their parameters once.
package functiontool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/agentuse/agentuse/pkg/tool"
)

// Config names and describes the tool.
type Config struct {
	Name        string
	Description string
}

// Func is the typed implementation behind a function tool.
type Func[Args any] func(ctx context.Context, args Args) (*tool.Result, error)

type funcTool[Args any] struct {
	name        string
	description string
	schema      map[string]any
	fn          Func[Args]
}

// New builds a tool from a typed function. Args must be a struct whose
// json tags name the parameters; jsonschema tags add descriptions,
// required markers and constraints.
func New[Args any](cfg Config, fn Func[Args]) (tool.Tool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("function tool needs a name")
	}
	schema, err := generateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("reflecting schema for %s: %w", cfg.Name, err)
	}
	return &funcTool[Args]{
		name:        cfg.Name,
		description: cfg.Description,
		schema:      schema,
		fn:          fn,
	}, nil
}

// MustNew is New for static built-in declarations, where a schema
// reflection failure is a programming error.
func MustNew[Args any](cfg Config, fn Func[Args]) tool.Tool {
	t, err := New(cfg, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *funcTool[Args]) Name() string           { return t.name }
func (t *funcTool[Args]) Description() string    { return t.description }
func (t *funcTool[Args]) Schema() map[string]any { return t.schema }

func (t *funcTool[Args]) Call(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var typed Args
	if err := mapToStruct(args, &typed); err != nil {
		return tool.ErrorResult(&tool.Error{
			Type:      tool.ErrorValidation,
			Message:   fmt.Sprintf("invalid arguments for %s: %v", t.name, err),
			Retryable: false,
		}), nil
	}
	return t.fn(ctx, typed)
}

var _ tool.Tool = (*funcTool[struct{}])(nil)

// generateSchema reflects a JSON schema from the Args struct. The
// reflector inlines definitions and derives required fields from
// jsonschema tags, which is what the model providers expect.
func generateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	delete(m, "$schema")
	delete(m, "$id")

	out := map[string]any{"type": "object"}
	if props, ok := m["properties"]; ok {
		out["properties"] = props
	} else {
		out["properties"] = map[string]any{}
	}
	if required, ok := m["required"]; ok {
		out["required"] = required
	}
	return out, nil
}

// mapToStruct converts loosely typed tool arguments into the typed
// struct via a JSON round-trip.
func mapToStruct(m map[string]any, target any) error {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
