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

// Package tool defines the interfaces for tools agents can invoke.
//
// A tool is anything with a name, a description, a JSON schema and a
// Call method: built-ins, MCP server tools, projected resources and
// sub-agents all satisfy the same interface. Tool failures are value
// results, not raised errors, so the model can read them and recover;
// a non-nil error from Call means the infrastructure itself broke and
// is classified by the execution core.
package tool

import (
	"context"
	"fmt"
)

// Tool is one invocable capability.
type Tool interface {
	// Name returns the unique tool name, [A-Za-z0-9_-] only.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON schema of the tool's input, nil when
	// the tool takes no arguments.
	Schema() map[string]any

	// Call executes the tool. A *Result with IsError set is an
	// in-band failure the model should see; a non-nil error is an
	// infrastructure failure for the caller to classify.
	Call(ctx context.Context, args map[string]any) (*Result, error)
}

// Result is the output of one tool execution.
type Result struct {
	// Content is the textual output delivered to the model.
	Content string

	// IsError marks an in-band failure; Error carries the detail.
	IsError bool

	// Error is set when IsError is true.
	Error *Error

	// Metadata carries optional extra data (exit codes, sub-agent
	// token usage) that rides along in events and session records.
	Metadata map[string]any
}

// Errorf builds an in-band error result with an unclassified cause.
func Errorf(format string, args ...any) *Result {
	return ErrorResult(&Error{Type: ErrorUnknown, Message: fmt.Sprintf(format, args...)})
}

// ErrorResult wraps a structured error into a Result.
func ErrorResult(e *Error) *Result {
	return &Result{Content: e.Message, IsError: true, Error: e}
}

// Definition is the model-facing description of a tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToDefinition converts a Tool to its model-facing definition.
func ToDefinition(t Tool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// SubAgentMarker is implemented by tools that run a nested agent; the
// execution core uses it to tag events and lift token metadata.
type SubAgentMarker interface {
	IsSubAgent() bool
}

// IsSubAgent reports whether t wraps a nested agent execution.
func IsSubAgent(t Tool) bool {
	m, ok := t.(SubAgentMarker)
	return ok && m.IsSubAgent()
}
