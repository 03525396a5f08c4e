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

// Package runner assembles a complete agent run from its parts: parse
// the agent file, pre-flight the environment, construct the model
// client and tool set, start MCP providers, open a session, and drive
// the execution loop while persisting the transcript.
//
// The runner is the composition root shared by the CLI, the worker
// child process and nested sub-agent runs.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentuse/agentuse/pkg/config"
	"github.com/agentuse/agentuse/pkg/contextmgr"
	"github.com/agentuse/agentuse/pkg/execution"
	"github.com/agentuse/agentuse/pkg/message"
	"github.com/agentuse/agentuse/pkg/model"
	"github.com/agentuse/agentuse/pkg/security"
	"github.com/agentuse/agentuse/pkg/session"
	"github.com/agentuse/agentuse/pkg/tool"
	"github.com/agentuse/agentuse/pkg/tool/agenttool"
	"github.com/agentuse/agentuse/pkg/tool/bashtool"
	"github.com/agentuse/agentuse/pkg/tool/filetool"
	"github.com/agentuse/agentuse/pkg/tool/mcptoolset"
	"github.com/agentuse/agentuse/pkg/tool/storetool"

	// Provider factories register themselves on import.
	_ "github.com/agentuse/agentuse/pkg/model/anthropic"
	_ "github.com/agentuse/agentuse/pkg/model/openai"
)

// defaultPrompt opens the conversation when no prompt was given, as
// on scheduled runs.
const defaultPrompt = "Follow your instructions."

// Options carries per-run overrides on top of the agent file.
type Options struct {
	// Prompt is the user message that starts the conversation.
	// Empty falls back to defaultPrompt.
	Prompt string

	// ModelOverride replaces the agent's model reference.
	ModelOverride string

	// MaxSteps overrides the agent's tool-call budget when positive.
	MaxSteps int

	// Timeout overrides the agent's run timeout when positive.
	Timeout time.Duration

	// ParentSessionID links a nested run to its caller's session.
	ParentSessionID string

	// Depth and Stack thread sub-agent nesting through the call tree.
	Depth int
	Stack []string

	// OnEvent, when set, observes every execution event as it
	// happens. Used by the CLI to stream text to the terminal.
	OnEvent func(*execution.Event)
}

// Result summarizes a completed run.
type Result struct {
	Text         string `json:"text"`
	FinishReason string `json:"finishReason"`
	DurationMS   int64  `json:"durationMs"`
	Tokens       int    `json:"tokens"`
	ToolCalls    int    `json:"toolCalls"`
	SessionID    string `json:"sessionId"`
}

// Runner executes agents rooted at one project directory.
type Runner struct {
	projectRoot string
	store       *session.Store
}

// New builds a runner for the given project root.
func New(projectRoot string) (*Runner, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	return &Runner{
		projectRoot: root,
		store:       session.NewStore(root),
	}, nil
}

// ProjectRoot returns the absolute project directory.
func (r *Runner) ProjectRoot() string { return r.projectRoot }

// Run executes the agent at path with the given options. The returned
// error is nil for any run that finished, including step-limit stops;
// it is non-nil for configuration problems, cancellation and fatal
// execution errors.
func (r *Runner) Run(ctx context.Context, path string, opts Options) (*Result, error) {
	agentPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving agent path: %w", err)
	}

	agent, err := config.ParseAgentFile(agentPath)
	if err != nil {
		return nil, err
	}

	if check := config.CheckEnv(agent); !check.Valid {
		return nil, fmt.Errorf("environment validation failed:\n%s", check.Describe())
	}

	// Everything downstream (MCP env, provider options) sees the
	// expanded config, never raw ${env:VAR} references.
	effective, err := agent.EffectiveConfig()
	if err != nil {
		return nil, err
	}
	agent.Config = *effective

	modelRef := agent.Config.Model
	if opts.ModelOverride != "" {
		modelRef = opts.ModelOverride
	}
	llm, err := r.buildModel(modelRef, agent)
	if err != nil {
		return nil, err
	}
	defer llm.Close()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(agent.Config.TimeoutOrDefault()) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := r.store.Open(config.DeriveAgentID(agentPath), agentPath,
		opts.ParentSessionID, sessionConfig(agent, modelRef))
	if err != nil {
		return nil, err
	}

	// Env pre-flight above ran before any provider subprocess starts.
	// Sub-agent sessions link to this one, so the session opens first.
	set, err := r.buildTools(runCtx, agent, opts, sess.ID())
	if err != nil {
		sess.Complete(session.StatusFailed, err.Error())
		return nil, err
	}
	defer set.Close()

	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = agent.Config.MaxStepsOrDefault()
	}

	// Scheduled and promptless runs still need an opening user
	// message; providers reject an empty message list.
	prompt := opts.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultPrompt
	}

	params := execution.Params{
		LLM:          llm,
		Tools:        set,
		SystemPrompt: agent.Instructions,
		UserMessage:  prompt,
		MaxSteps:     maxSteps,
		Context: contextmgr.NewManager(contextmgr.Config{
			Limit: contextWindowFor(modelRef),
			Model: modelNameFor(modelRef),
		}),
	}

	result, runErr := r.consume(runCtx, sess, params, opts.OnEvent)
	result.SessionID = sess.ID()

	if runErr != nil {
		status := session.StatusFailed
		if runCtx.Err() != nil {
			status = session.StatusAborted
		}
		if err := sess.Complete(status, runErr.Error()); err != nil {
			slog.Warn("failed to finalize session", "session", sess.ID(), "error", err)
		}
		return result, runErr
	}
	if err := sess.Complete(session.StatusCompleted, ""); err != nil {
		slog.Warn("failed to finalize session", "session", sess.ID(), "error", err)
	}
	return result, nil
}

// consume drives the event stream, mirroring it into the session log
// and the optional observer.
func (r *Runner) consume(ctx context.Context, sess *session.Session, params execution.Params, observe func(*execution.Event)) (*Result, error) {
	if params.UserMessage != "" {
		r.persist(sess, message.NewText(message.RoleUser, params.UserMessage), 0)
	}

	var (
		result   Result
		text     strings.Builder // full run text
		turnText strings.Builder // current assistant turn
		runErr   error
	)
	flushTurn := func() {
		if turnText.Len() == 0 {
			return
		}
		r.persist(sess, message.NewText(message.RoleAssistant, turnText.String()), 0)
		turnText.Reset()
	}

	for event, err := range execution.Execute(ctx, params) {
		if err != nil {
			runErr = err
			break
		}
		if observe != nil {
			observe(event)
		}
		switch event.Kind {
		case execution.EventText:
			text.WriteString(event.Text)
			turnText.WriteString(event.Text)
		case execution.EventToolCall:
			flushTurn()
			r.persist(sess, message.NewToolCall(event.ToolCallID, event.ToolName, event.ToolInput), 0)
			result.ToolCalls++
		case execution.EventToolResult:
			r.persist(sess, message.NewToolResult(event.ToolCallID, event.ToolName,
				event.Output, event.ToolError != nil), event.SubAgentTokens)
		case execution.EventFinish:
			flushTurn()
			result.FinishReason = string(event.Reason)
			if event.Usage != nil {
				result.Tokens = event.Usage.Total()
			}
		case execution.EventError:
			flushTurn()
			runErr = event.Err
		}
	}
	result.Text = text.String()
	return &result, runErr
}

func (r *Runner) persist(sess *session.Session, msg message.Message, tokens int) {
	if err := sess.AppendMessage(msg, tokens); err != nil {
		slog.Warn("failed to persist message", "session", sess.ID(), "error", err)
	}
}

// buildModel resolves the provider API key and constructs the client
// with any provider-specific frontmatter options.
func (r *Runner) buildModel(modelRef string, agent *config.Agent) (model.LLM, error) {
	provider, _, err := config.ParseModelRef(modelRef)
	if err != nil {
		return nil, err
	}
	apiKey, err := config.ResolveAPIKey(provider)
	if err != nil {
		return nil, err
	}
	return model.New(modelRef, apiKey, agent.Config.OptionsFor(provider))
}

// buildTools assembles the run's tool set: built-ins gated by the
// agent's tools block, MCP providers, and sub-agent tools.
func (r *Runner) buildTools(ctx context.Context, agent *config.Agent, opts Options, sessionID string) (*tool.Set, error) {
	set := tool.NewSet()

	if bash := agent.Config.Tools.Bash; bash != nil {
		t := bashtool.New(bashtool.Config{
			Validator: &security.CommandValidator{
				Allowlist:   bash.Commands,
				ProjectRoot: r.projectRoot,
			},
			WorkDir: r.projectRoot,
		})
		if err := set.Add(t); err != nil {
			return nil, err
		}
	}

	if rules := agent.Config.Tools.Filesystem; len(rules) > 0 {
		cfg := filetool.Config{Validator: &security.PathValidator{
			Rules:       pathRules(rules),
			ProjectRoot: r.projectRoot,
		}}
		for _, t := range filetool.New(cfg) {
			if err := set.Add(t); err != nil {
				return nil, err
			}
		}
	}

	if store := agent.Config.Tools.Store; store != nil {
		cfg := storetool.Config{
			ProjectRoot:   r.projectRoot,
			AgentName:     agent.Name,
			AllowedStores: store.Names,
		}
		for _, t := range storetool.New(cfg) {
			if err := set.Add(t); err != nil {
				return nil, err
			}
		}
	}

	if len(agent.Config.MCPServers) > 0 {
		supervisor := mcptoolset.StartAll(ctx, agent.Config.MCPServers)
		if err := supervisor.Register(set); err != nil {
			supervisor.Close()
			return nil, err
		}
	}

	modelOverride := opts.ModelOverride
	for _, ref := range agent.Config.SubAgents {
		t, err := agenttool.New(agenttool.Config{
			Ref:             ref,
			ParentDir:       filepath.Dir(agent.Path),
			ParentSessionID: sessionID,
			ModelOverride:   modelOverride,
			Depth:           opts.Depth,
			Stack:           opts.Stack,
		}, r.runSubAgent)
		if err != nil {
			return nil, err
		}
		if err := set.Add(t); err != nil {
			return nil, err
		}
	}

	return set, nil
}

// runSubAgent is the RunFunc installed on sub-agent tools. It reuses
// the runner recursively; the sub-agent's own file governs everything
// except the task prompt and the threaded nesting state.
func (r *Runner) runSubAgent(ctx context.Context, req agenttool.RunRequest) (*agenttool.RunResult, error) {
	prompt := req.Task
	if req.Context != "" {
		prompt = req.Task + "\n\nContext:\n" + req.Context
	}

	start := time.Now()
	result, err := r.Run(ctx, req.AgentPath, Options{
		Prompt:          prompt,
		ModelOverride:   req.ModelOverride,
		MaxSteps:        req.MaxSteps,
		ParentSessionID: req.ParentSessionID,
		Depth:           req.Depth,
		Stack:           req.Stack,
	})
	if err != nil {
		return nil, err
	}
	return &agenttool.RunResult{
		Text:       result.Text,
		TokensUsed: result.Tokens,
		ToolCalls:  result.ToolCalls,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

func sessionConfig(agent *config.Agent, modelRef string) map[string]any {
	cfg := map[string]any{"model": modelRef}
	if agent.Config.Description != "" {
		cfg["description"] = agent.Config.Description
	}
	return cfg
}

func pathRules(rules []config.FilesystemRule) []security.PathRule {
	out := make([]security.PathRule, 0, len(rules))
	for _, r := range rules {
		perms := make([]security.Permission, 0, len(r.Permissions))
		for _, p := range r.Permissions {
			perms = append(perms, security.Permission(p))
		}
		out = append(out, security.PathRule{Pattern: r.Path, Permissions: perms})
	}
	return out
}

// modelNameFor returns the bare model id from a provider:model ref.
func modelNameFor(ref string) string {
	_, name, err := config.ParseModelRef(ref)
	if err != nil {
		return ""
	}
	return name
}

// contextWindowFor maps a model reference to its context window in
// tokens. Unknown models get a conservative default.
func contextWindowFor(ref string) int {
	_, name, err := config.ParseModelRef(ref)
	if err != nil {
		return defaultContextWindow
	}
	for prefix, window := range contextWindows {
		if strings.HasPrefix(name, prefix) {
			return window
		}
	}
	return defaultContextWindow
}

const defaultContextWindow = 128_000

var contextWindows = map[string]int{
	"claude":  200_000,
	"gpt-4o":  128_000,
	"gpt-4.1": 1_000_000,
	"o3":      200_000,
	"o4":      200_000,
}
