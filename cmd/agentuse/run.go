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

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/agentuse/agentuse/pkg/config"
	"github.com/agentuse/agentuse/pkg/execution"
	"github.com/agentuse/agentuse/pkg/runner"
)

// RunCmd executes a single agent file and streams its output.
type RunCmd struct {
	Agent string `arg:"" help:"Path to the .agentuse file." type:"path"`

	Prompt   string `short:"p" help:"User prompt to start the conversation."`
	Model    string `short:"m" help:"Override the agent's model (provider:model-id)."`
	MaxSteps int    `name:"max-steps" help:"Override the tool-call budget."`
	Timeout  int    `help:"Run timeout in seconds."`
	Quiet    bool   `short:"q" help:"Print only the final text."`
}

func (c *RunCmd) Run() error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	config.LoadEnvFiles(cwd)

	r, err := runner.New(cwd)
	if err != nil {
		return err
	}

	ctx, interrupted := signalContext()

	opts := runner.Options{
		Prompt:        c.Prompt,
		ModelOverride: c.Model,
		MaxSteps:      c.MaxSteps,
	}
	if c.Timeout > 0 {
		opts.Timeout = time.Duration(c.Timeout) * time.Second
	}
	if !c.Quiet {
		opts.OnEvent = printEvent
	}

	result, err := r.Run(ctx, c.Agent, opts)
	if interrupted() {
		fmt.Fprintln(os.Stderr, "\ninterrupted")
		os.Exit(130)
	}
	if err != nil {
		return err
	}

	if c.Quiet {
		fmt.Println(result.Text)
	} else {
		// Streaming already printed the text; close the line.
		fmt.Println()
		fmt.Fprintf(os.Stderr, "(%s · %d tokens · %d tool calls · session %s)\n",
			result.FinishReason, result.Tokens, result.ToolCalls, result.SessionID)
	}
	return nil
}

func printEvent(e *execution.Event) {
	switch e.Kind {
	case execution.EventText:
		fmt.Print(e.Text)
	case execution.EventToolCall:
		fmt.Fprintf(os.Stderr, "\n[tool] %s\n", e.ToolName)
	case execution.EventToolResult:
		if e.ToolError != nil {
			fmt.Fprintf(os.Stderr, "[tool] %s failed: %s\n", e.ToolName, e.ToolError.Message)
		}
	}
}
