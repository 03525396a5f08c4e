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

// Package execution implements the streaming agent loop: call the
// model, surface events as they happen, execute requested tools, feed
// results back, and stop on a finish reason or the step budget.
//
// Execute returns a lazy, finite, non-restartable event stream. Tool
// failures never abort the run: they are classified into structured
// in-band results the model sees on its next turn.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/agentuse/agentuse/pkg/contextmgr"
	"github.com/agentuse/agentuse/pkg/message"
	"github.com/agentuse/agentuse/pkg/model"
	"github.com/agentuse/agentuse/pkg/tool"
)

// DefaultMaxSteps caps executed tool calls per run.
const DefaultMaxSteps = 20

// Params configures one run.
type Params struct {
	// LLM is the model to drive the loop with.
	LLM model.LLM

	// Tools available to the model. May be empty.
	Tools *tool.Set

	// SystemPrompt is sent as the provider-level system instruction.
	SystemPrompt string

	// UserMessage starts the conversation. Ignored when Messages
	// already ends with a user message (resumed sessions).
	UserMessage string

	// Messages optionally seeds the buffer, oldest first.
	Messages []message.Message

	// MaxSteps caps executed tool calls. Defaults to DefaultMaxSteps.
	MaxSteps int

	// Context optionally manages compaction between turns.
	Context *contextmgr.Manager

	// DoomLoopMode selects the reaction to repeated identical tool
	// calls. Defaults to DoomLoopError.
	DoomLoopMode DoomLoopMode

	// DoomLoopThreshold is how many identical calls trip the
	// detector. Defaults to DefaultDoomLoopThreshold.
	DoomLoopThreshold int
}

// run is the per-run mutable state.
type run struct {
	params   Params
	buffer   []message.Message
	steps    int
	usage    model.Usage
	detector *doomLoopDetector
}

// Execute runs the agent loop and yields events lazily. The sequence
// is finite: it always ends with a finish or error event. Cancelling
// ctx ends the run with an aborted error event.
func Execute(ctx context.Context, params Params) iter.Seq2[*Event, error] {
	if params.MaxSteps <= 0 {
		params.MaxSteps = DefaultMaxSteps
	}
	if params.DoomLoopMode == "" {
		params.DoomLoopMode = DoomLoopError
	}

	r := &run{
		params:   params,
		buffer:   append([]message.Message(nil), params.Messages...),
		detector: newDoomLoopDetector(params.DoomLoopThreshold),
	}
	if params.UserMessage != "" {
		r.buffer = append(r.buffer, message.NewText(message.RoleUser, params.UserMessage))
	}
	if params.Context != nil {
		params.Context.Update(nil, r.buffer)
	}

	return func(yield func(*Event, error) bool) {
		for {
			if ctx.Err() != nil {
				yield(&Event{Kind: EventError, Err: fmt.Errorf("aborted: %w", ctx.Err())}, nil)
				return
			}

			if mgr := r.params.Context; mgr != nil && mgr.ShouldCompact() {
				r.buffer = mgr.Compact(ctx, r.params.LLM, r.buffer)
			}

			final, done := r.modelTurn(ctx, yield)
			if done {
				return
			}

			if !final.HasToolCalls() {
				yield(&Event{
					Kind:   EventFinish,
					Reason: FinishStop,
					Usage:  &r.usage,
					Steps:  r.steps,
				}, nil)
				return
			}

			for _, call := range final.ToolCalls {
				if r.steps >= r.params.MaxSteps {
					yield(&Event{
						Kind:   EventFinish,
						Reason: FinishStepLimit,
						Usage:  &r.usage,
						Steps:  r.steps,
					}, nil)
					return
				}
				if ok := r.toolTurn(ctx, call, yield); !ok {
					return
				}
			}

			// The budget gates the next model call: a run at the cap
			// still ends here rather than opening another turn.
			if r.steps >= r.params.MaxSteps {
				yield(&Event{
					Kind:   EventFinish,
					Reason: FinishStepLimit,
					Usage:  &r.usage,
					Steps:  r.steps,
				}, nil)
				return
			}
		}
	}
}

// modelTurn streams one model call, yielding text events, and returns
// the final aggregated response. done is true when the consumer broke
// or the turn ended the run.
func (r *run) modelTurn(ctx context.Context, yield func(*Event, error) bool) (*model.Response, bool) {
	if !yield(&Event{Kind: EventLLMStart}, nil) {
		return nil, true
	}

	req := &model.Request{
		Messages:          r.buffer,
		SystemInstruction: r.params.SystemPrompt,
	}
	if r.params.Tools != nil {
		req.Tools = r.params.Tools.Definitions()
	}

	var final *model.Response
	firstToken := false
	for resp, err := range r.params.LLM.GenerateContent(ctx, req, true) {
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("aborted: %w", err)
			}
			yield(&Event{Kind: EventError, Err: err}, nil)
			return nil, true
		}
		if resp.Partial {
			if resp.Content == "" {
				continue
			}
			if !firstToken {
				firstToken = true
				if !yield(&Event{Kind: EventLLMFirstToken}, nil) {
					return nil, true
				}
			}
			if !yield(&Event{Kind: EventText, Text: resp.Content}, nil) {
				return nil, true
			}
			continue
		}
		final = resp
	}

	if final == nil {
		yield(&Event{Kind: EventError, Err: fmt.Errorf("model stream ended without a final response")}, nil)
		return nil, true
	}

	r.buffer = append(r.buffer, final.ToMessage())
	if final.Usage != nil {
		r.usage.InputTokens += final.Usage.InputTokens
		r.usage.OutputTokens += final.Usage.OutputTokens
	}
	if r.params.Context != nil {
		r.params.Context.Update(final.Usage, r.buffer)
	}
	return final, false
}

// toolTurn executes one requested tool call and appends the result to
// the buffer. Returns false when the consumer broke or the run must
// terminate.
func (r *run) toolTurn(ctx context.Context, call message.Part, yield func(*Event, error) bool) bool {
	var t tool.Tool
	var isSub bool
	if r.params.Tools != nil {
		if found, ok := r.params.Tools.Get(call.ToolName); ok {
			t = found
			isSub = tool.IsSubAgent(found)
		}
	}

	if !yield(&Event{
		Kind:       EventToolCall,
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		ToolInput:  call.Input,
		IsSubAgent: isSub,
	}, nil) {
		return false
	}

	r.steps++
	r.warnOnBudget()

	if looping := r.detector.Record(call.ToolName, call.Input); looping {
		switch r.params.DoomLoopMode {
		case DoomLoopWarn:
			slog.Warn("Doom loop detected, continuing",
				"tool", call.ToolName, "threshold", r.detector.threshold)
		case DoomLoopTerminate:
			yield(&Event{Kind: EventError, Err: fmt.Errorf(
				"doom-loop-detected: tool %s called %d times with identical arguments",
				call.ToolName, r.detector.threshold)}, nil)
			return false
		default:
			res := tool.ErrorResult(&tool.Error{
				Type: tool.ErrorValidation,
				Message: fmt.Sprintf("doom-loop-detected: %s called %d times with identical arguments",
					call.ToolName, r.detector.threshold),
				Suggestions: []string{"change the arguments or try a different approach"},
			})
			return r.deliverResult(call, res, 0, yield)
		}
	}

	started := time.Now()
	var res *tool.Result
	switch {
	case t == nil:
		names := []string{}
		if r.params.Tools != nil {
			names = r.params.Tools.Names()
		}
		res = tool.ErrorResult(tool.NotFoundError(call.ToolName, names))
	default:
		out, err := t.Call(ctx, call.Input)
		if err != nil {
			res = tool.ErrorResult(tool.Classify(err))
		} else {
			res = out
		}
	}

	return r.deliverResult(call, res, time.Since(started).Milliseconds(), yield)
}

// deliverResult appends the tool result to the buffer and emits the
// tool-result event.
func (r *run) deliverResult(call message.Part, res *tool.Result, durationMS int64, yield func(*Event, error) bool) bool {
	content := res.Content
	if res.IsError && res.Error != nil {
		content = renderToolError(res.Error)
	}

	r.buffer = append(r.buffer,
		message.NewToolResult(call.ToolCallID, call.ToolName, content, res.IsError))

	ev := &Event{
		Kind:       EventToolResult,
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Output:     content,
		ToolError:  res.Error,
		DurationMS: durationMS,
	}
	if res.Metadata != nil {
		if tokens, ok := asInt(res.Metadata["tokens_used"]); ok {
			ev.SubAgentTokens = tokens
		}
	}
	return yield(ev, nil)
}

func (r *run) warnOnBudget() {
	max := r.params.MaxSteps
	if r.steps == max {
		slog.Warn("Step budget reached", "steps", r.steps, "maxSteps", max)
	} else if r.steps*10 >= max*9 {
		slog.Warn("Approaching step budget", "steps", r.steps, "maxSteps", max)
	}
}

// renderToolError encodes the structured failure the model sees.
func renderToolError(e *tool.Error) string {
	payload := map[string]any{
		"success": false,
		"error":   e,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return e.Message
	}
	return string(data)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
