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

// Package worker isolates agent execution in a child process. MCP
// providers spawn subprocesses of their own, which needs a clean file
// descriptor table; running them from HTTP handlers or scheduler
// callbacks is unreliable. The server therefore spawns one worker
// child at startup and forwards every run to it over newline-delimited
// JSON on stdio.
//
// Pool is the parent side; Serve is the child loop behind the hidden
// --internal-worker flag.
package worker

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error codes shared with the HTTP surface.
const (
	CodeWorkerDied     = "WORKER_DIED"
	CodeTimeout        = "TIMEOUT"
	CodeEnvMissing     = "ENV_MISSING"
	CodeAgentNotFound  = "AGENT_NOT_FOUND"
	CodeExecutionError = "EXECUTION_ERROR"
	CodeInternalError  = "INTERNAL_ERROR"
)

// Request message types.
const (
	typeExecute = "execute"
	typeCancel  = "cancel"
	typeReady   = "ready"
)

// DefaultRunTimeout bounds a run when the request doesn't say.
const DefaultRunTimeout = 10 * time.Minute

// responseGrace is added on top of the run timeout before the parent
// gives up on the child answering at all.
const responseGrace = 5 * time.Second

// Request is one parent-to-child message.
type Request struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	AgentPath   string `json:"agentPath,omitempty"`
	ProjectRoot string `json:"projectRoot,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	Model       string `json:"model,omitempty"`

	// Timeout is the run timeout in seconds.
	Timeout  int  `json:"timeout,omitempty"`
	MaxSteps int  `json:"maxSteps,omitempty"`
	Debug    bool `json:"debug,omitempty"`
}

// Result is the child's summary of a finished run.
type Result struct {
	Text         string `json:"text"`
	FinishReason string `json:"finishReason"`
	DurationMS   int64  `json:"durationMs"`
	Tokens       int    `json:"tokens"`
	ToolCalls    int    `json:"toolCalls"`
	SessionID    string `json:"sessionId,omitempty"`
}

// Response is one child-to-parent message. The ready handshake is a
// Response with Type "ready" and no ID.
type Response struct {
	ID      string     `json:"id,omitempty"`
	Type    string     `json:"type,omitempty"`
	Success bool       `json:"success"`
	Result  *Result    `json:"result,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the structured failure payload.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error carries a worker error code across the process boundary.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func encodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
