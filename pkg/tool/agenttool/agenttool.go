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

// Package agenttool installs other agent files as callable tools.
//
// A sub-agent tool is built from an agent file path resolved relative
// to its parent's directory. Building is eager about validation (the
// file must parse, the reference graph must be acyclic, and nesting is
// capped at a global depth) but lazy about execution: servers and
// models are only touched when the model actually invokes the tool.
package agenttool

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentuse/agentuse/pkg/config"
	"github.com/agentuse/agentuse/pkg/tool"
)

// DefaultMaxDepth caps sub-agent nesting.
const DefaultMaxDepth = 2

// NamePrefix marks sub-agent tools in the tool set.
const NamePrefix = "subagent__"

var nameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// RunRequest describes one nested execution, handed to the injected
// runner.
type RunRequest struct {
	// AgentPath is the resolved absolute path of the sub-agent file.
	AgentPath string

	// Task and Context are the parent-provided additions to the
	// sub-agent's own instructions.
	Task    string
	Context string

	// ParentSessionID links the nested session to the caller's.
	ParentSessionID string

	// ModelOverride applies the parent's model override, if any.
	ModelOverride string

	// MaxSteps caps the nested run. Zero means the sub-agent's own
	// configured cap.
	MaxSteps int

	// Depth and Stack thread the nesting state through the call tree.
	Depth int
	Stack []string
}

// RunResult is what the nested execution produced.
type RunResult struct {
	Text       string
	TokensUsed int
	ToolCalls  int
	DurationMS int64
}

// RunFunc executes one nested agent run. Injected by the runner so
// this package stays free of the orchestration dependency.
type RunFunc func(ctx context.Context, req RunRequest) (*RunResult, error)

// Config describes one sub-agent reference being installed.
type Config struct {
	// Ref is the reference from the parent's frontmatter.
	Ref config.SubAgentRef

	// ParentDir anchors relative paths.
	ParentDir string

	// ParentSessionID is recorded on the nested session.
	ParentSessionID string

	// ModelOverride is the parent's model override, if any.
	ModelOverride string

	// Depth is the parent's nesting depth (0 for the root agent).
	Depth int

	// MaxDepth caps nesting. Defaults to DefaultMaxDepth.
	MaxDepth int

	// Stack holds the resolved paths of the active call chain,
	// root first, used for cycle detection.
	Stack []string
}

// New builds a sub-agent tool. It fails when the path does not parse,
// the reference closes a cycle, or the depth cap is exceeded.
func New(cfg Config, run RunFunc) (tool.Tool, error) {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if run == nil {
		return nil, fmt.Errorf("run function is required")
	}

	resolved, err := resolvePath(cfg.Ref.Path, cfg.ParentDir)
	if err != nil {
		return nil, err
	}

	if cfg.Depth+1 > cfg.MaxDepth {
		return nil, fmt.Errorf("sub-agent %s exceeds the maximum nesting depth of %d",
			cfg.Ref.Path, cfg.MaxDepth)
	}

	if err := checkCycle(cfg.Stack, resolved); err != nil {
		return nil, err
	}

	agent, err := config.ParseAgentFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sub-agent %s: %w", cfg.Ref.Path, err)
	}

	// Validate the nested reference graph eagerly so cycles surface
	// while building the parent's tool set, before anything runs.
	stack := append(append([]string(nil), cfg.Stack...), resolved)
	if err := validateRefs(agent, resolved, stack, cfg.Depth+1, cfg.MaxDepth); err != nil {
		return nil, err
	}

	name := cfg.Ref.Name
	if name == "" {
		name = agent.Name
	}

	return &agentTool{
		name:        NamePrefix + sanitizeName(name),
		description: describeAgent(agent),
		path:        resolved,
		cfg:         cfg,
		stack:       stack,
		run:         run,
	}, nil
}

// resolvePath makes the reference absolute relative to the parent's
// directory.
func resolvePath(ref, parentDir string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("sub-agent path is required")
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(parentDir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve sub-agent path %s: %w", ref, err)
	}
	return abs, nil
}

// checkCycle rejects a reference already on the active chain, naming
// the chain in the error.
func checkCycle(stack []string, resolved string) error {
	for _, ancestor := range stack {
		if ancestor == resolved {
			names := make([]string, 0, len(stack)+1)
			for _, p := range stack {
				names = append(names, agentLabel(p))
			}
			names = append(names, agentLabel(resolved))
			return fmt.Errorf("sub-agent cycle detected: %s", strings.Join(names, " → "))
		}
	}
	return nil
}

// validateRefs walks the nested sub-agent references without building
// tools, so cycles and parse failures surface at the root.
func validateRefs(agent *config.Agent, agentPath string, stack []string, depth, maxDepth int) error {
	if depth >= maxDepth {
		// References below the cap are ignored at run time, so they
		// need no validation here.
		return nil
	}
	dir := filepath.Dir(agentPath)
	for _, ref := range agent.Config.SubAgents {
		resolved, err := resolvePath(ref.Path, dir)
		if err != nil {
			return err
		}
		if err := checkCycle(stack, resolved); err != nil {
			return err
		}
		nested, err := config.ParseAgentFile(resolved)
		if err != nil {
			return fmt.Errorf("failed to parse sub-agent %s: %w", ref.Path, err)
		}
		nestedStack := append(append([]string(nil), stack...), resolved)
		if err := validateRefs(nested, resolved, nestedStack, depth+1, maxDepth); err != nil {
			return err
		}
	}
	return nil
}

func agentLabel(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".agentuse")
}

func sanitizeName(name string) string {
	clean := nameSanitizer.ReplaceAllString(name, "_")
	clean = strings.Trim(clean, "_")
	if clean == "" {
		clean = "agent"
	}
	return clean
}

func describeAgent(agent *config.Agent) string {
	if agent.Config.Description != "" {
		return agent.Config.Description
	}
	return "Delegates a task to the " + agent.Name + " agent"
}

// agentTool is the installed sub-agent tool.
type agentTool struct {
	name        string
	description string
	path        string
	cfg         Config
	stack       []string
	run         RunFunc
}

var (
	_ tool.Tool           = (*agentTool)(nil)
	_ tool.SubAgentMarker = (*agentTool)(nil)
)

func (t *agentTool) Name() string        { return t.name }
func (t *agentTool) Description() string { return t.description }
func (t *agentTool) IsSubAgent() bool    { return true }

func (t *agentTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task to delegate to the sub-agent",
			},
			"context": map[string]any{
				"type":        "string",
				"description": "Additional context for the sub-agent",
			},
		},
	}
}

func (t *agentTool) Call(ctx context.Context, args map[string]any) (*tool.Result, error) {
	task, _ := args["task"].(string)
	taskContext, _ := args["context"].(string)

	result, err := t.run(ctx, RunRequest{
		AgentPath:       t.path,
		Task:            task,
		Context:         taskContext,
		ParentSessionID: t.cfg.ParentSessionID,
		ModelOverride:   t.cfg.ModelOverride,
		MaxSteps:        t.cfg.Ref.MaxSteps,
		Depth:           t.cfg.Depth + 1,
		Stack:           t.stack,
	})
	if err != nil {
		return nil, err
	}

	return &tool.Result{
		Content: result.Text,
		Metadata: map[string]any{
			"duration_ms": result.DurationMS,
			"tokens_used": result.TokensUsed,
			"tool_calls":  result.ToolCalls,
		},
	}, nil
}
