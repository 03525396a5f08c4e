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

package execution

import (
	"github.com/agentuse/agentuse/pkg/model"
	"github.com/agentuse/agentuse/pkg/tool"
)

// EventKind identifies the type of an execution event.
type EventKind string

const (
	// EventLLMStart marks the opening of a model call.
	EventLLMStart EventKind = "llm-start"

	// EventLLMFirstToken fires once per model call when the first
	// content chunk arrives.
	EventLLMFirstToken EventKind = "llm-first-token"

	// EventText carries a streamed text delta.
	EventText EventKind = "text"

	// EventToolCall marks a tool invocation requested by the model.
	EventToolCall EventKind = "tool-call"

	// EventToolResult carries the outcome of a tool invocation,
	// including structured in-band errors the model will see.
	EventToolResult EventKind = "tool-result"

	// EventFinish ends a successful run with a reason and usage.
	EventFinish EventKind = "finish"

	// EventError ends a failed run.
	EventError EventKind = "error"
)

// FinishReason explains why a run ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishStepLimit FinishReason = "step-limit"
	FinishAborted   FinishReason = "aborted"
)

// Event is one element of the execution stream.
type Event struct {
	Kind EventKind `json:"kind"`

	// EventText.
	Text string `json:"text,omitempty"`

	// EventToolCall and EventToolResult.
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
	IsSubAgent bool           `json:"isSubAgent,omitempty"`

	// EventToolResult.
	Output     string      `json:"output,omitempty"`
	ToolError  *tool.Error `json:"toolError,omitempty"`
	DurationMS int64       `json:"durationMs,omitempty"`

	// Sub-agent token usage reported through result metadata.
	SubAgentTokens int `json:"subAgentTokens,omitempty"`

	// EventFinish.
	Reason FinishReason `json:"reason,omitempty"`
	Usage  *model.Usage `json:"usage,omitempty"`
	Steps  int          `json:"steps,omitempty"`

	// EventError.
	Err error `json:"-"`
}
