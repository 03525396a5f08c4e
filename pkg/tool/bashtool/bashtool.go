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

// Package bashtool provides the bash built-in: shell execution behind
// the command validator.
package bashtool

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/agentuse/agentuse/pkg/security"
	"github.com/agentuse/agentuse/pkg/tool"
	"github.com/agentuse/agentuse/pkg/tool/functiontool"
)

const (
	// DefaultTimeout bounds one command when the model passes none.
	DefaultTimeout = 60 * time.Second

	// MaxTimeout caps whatever the model asks for.
	MaxTimeout = 10 * time.Minute

	// maxOutputBytes truncates runaway command output before it
	// reaches the context window.
	maxOutputBytes = 50_000
)

// Config wires the validator and working directory.
type Config struct {
	Validator *security.CommandValidator
	WorkDir   string
}

// Args is the model-facing input.
type Args struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to execute"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds (default 60)"`
}

// New builds the bash tool.
func New(cfg Config) tool.Tool {
	return functiontool.MustNew(functiontool.Config{
		Name:        "bash",
		Description: "Execute a shell command inside the project. Only allowlisted commands run.",
	}, func(ctx context.Context, args Args) (*tool.Result, error) {
		return run(ctx, cfg, args)
	})
}

func run(ctx context.Context, cfg Config, args Args) (*tool.Result, error) {
	if args.Command == "" {
		return tool.ErrorResult(&tool.Error{
			Type:    tool.ErrorValidation,
			Message: "command is required",
		}), nil
	}

	verdict := cfg.Validator.Validate(args.Command)
	if !verdict.Allowed {
		return tool.ErrorResult(tool.ValidationError(verdict.Err)), nil
	}

	timeout := DefaultTimeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Second
		if timeout > MaxTimeout {
			timeout = MaxTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, "sh", "-c", args.Command)
	cmd.Dir = cfg.WorkDir
	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			// Tool-level timeout is an in-band error, not a run abort.
			return tool.ErrorResult(&tool.Error{
				Type:        tool.ErrorTimeout,
				Message:     fmt.Sprintf("command timed out after %s", timeout),
				Retryable:   true,
				Suggestions: []string{"raise the timeout argument or run a smaller command"},
			}), nil
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("starting command: %w", err)
		}
	}

	text := truncate(string(output))
	result := &tool.Result{
		Content: text,
		Metadata: map[string]any{
			"exitCode":       exitCode,
			"durationMs":     duration.Milliseconds(),
			"matchedPattern": verdict.MatchedPattern,
		},
	}
	if exitCode != 0 {
		result.IsError = true
		result.Error = &tool.Error{
			Type:      tool.ErrorUnknown,
			Message:   fmt.Sprintf("command exited with status %d\n%s", exitCode, text),
			Retryable: false,
		}
	}
	return result, nil
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... output truncated ..."
}
