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
	"context"
	"fmt"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuse/agentuse/pkg/message"
	"github.com/agentuse/agentuse/pkg/model"
	"github.com/agentuse/agentuse/pkg/tool"
	"github.com/agentuse/agentuse/pkg/tool/functiontool"
)

// scriptedLLM yields one canned turn per model call. Each turn streams
// its text as a single partial chunk before the final response.
type scriptedLLM struct {
	turns []*model.Response
	calls int
}

func (s *scriptedLLM) Name() string     { return "scripted" }
func (s *scriptedLLM) Provider() string { return "fake" }
func (s *scriptedLLM) Close() error     { return nil }

func (s *scriptedLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if s.calls >= len(s.turns) {
			yield(nil, fmt.Errorf("scripted model exhausted after %d turns", s.calls))
			return
		}
		turn := s.turns[s.calls]
		s.calls++

		if turn.Content != "" {
			if !yield(&model.Response{Content: turn.Content, Partial: true}, nil) {
				return
			}
		}
		yield(turn, nil)
	}
}

func textTurn(text string) *model.Response {
	return &model.Response{Content: text, FinishReason: model.FinishReasonStop,
		Usage: &model.Usage{InputTokens: 10, OutputTokens: 5}}
}

func toolTurn(id, name string, args map[string]any) *model.Response {
	return &model.Response{
		ToolCalls:    []message.Part{message.ToolCallPart(id, name, args)},
		FinishReason: model.FinishReasonToolCalls,
		Usage:        &model.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"required"`
}

func echoTool(t *testing.T) tool.Tool {
	t.Helper()
	tl, err := functiontool.New(functiontool.Config{
		Name:        "echo",
		Description: "Echoes text back",
	}, func(ctx context.Context, args echoArgs) (*tool.Result, error) {
		return &tool.Result{Content: args.Text + "\n"}, nil
	})
	require.NoError(t, err)
	return tl
}

func collect(t *testing.T, seq iter.Seq2[*Event, error]) []*Event {
	t.Helper()
	var events []*Event
	for ev, err := range seq {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func kinds(events []*Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestRunNoTools(t *testing.T) {
	llm := &scriptedLLM{turns: []*model.Response{textTurn("hi")}}

	events := collect(t, Execute(context.Background(), Params{
		LLM:         llm,
		UserMessage: "Say hi",
	}))

	assert.Equal(t, []EventKind{
		EventLLMStart, EventLLMFirstToken, EventText, EventFinish,
	}, kinds(events))
	assert.Equal(t, "hi", events[2].Text)

	finish := events[len(events)-1]
	assert.Equal(t, FinishStop, finish.Reason)
	assert.Equal(t, 0, finish.Steps)
	assert.Equal(t, 15, finish.Usage.Total())
}

func TestRunToolLoop(t *testing.T) {
	llm := &scriptedLLM{turns: []*model.Response{
		toolTurn("c1", "echo", map[string]any{"text": "hello"}),
		textTurn("done"),
	}}

	set := tool.NewSet()
	require.NoError(t, set.Add(echoTool(t)))

	events := collect(t, Execute(context.Background(), Params{
		LLM:         llm,
		Tools:       set,
		UserMessage: "echo hello",
	}))

	assert.Equal(t, []EventKind{
		EventLLMStart, EventToolCall, EventToolResult,
		EventLLMStart, EventLLMFirstToken, EventText, EventFinish,
	}, kinds(events))

	assert.Equal(t, "echo", events[1].ToolName)
	assert.Equal(t, "hello\n", events[2].Output)
	assert.Nil(t, events[2].ToolError)

	finish := events[len(events)-1]
	assert.Equal(t, FinishStop, finish.Reason)
	assert.Equal(t, 1, finish.Steps)
	assert.Equal(t, 30, finish.Usage.Total())
}

func TestRunToolValidationErrorContinues(t *testing.T) {
	denied, err := functiontool.New(functiontool.Config{
		Name:        "bash",
		Description: "Runs a command",
	}, func(ctx context.Context, args echoArgs) (*tool.Result, error) {
		return tool.ErrorResult(tool.ValidationError(fmt.Errorf("command denied: rm"))), nil
	})
	require.NoError(t, err)

	llm := &scriptedLLM{turns: []*model.Response{
		toolTurn("c1", "bash", map[string]any{"text": "rm -rf /"}),
		textTurn("I cannot do that."),
	}}

	set := tool.NewSet()
	require.NoError(t, set.Add(denied))

	events := collect(t, Execute(context.Background(), Params{
		LLM: llm, Tools: set, UserMessage: "clean up",
	}))

	var result *Event
	for _, ev := range events {
		if ev.Kind == EventToolResult {
			result = ev
		}
	}
	require.NotNil(t, result)
	require.NotNil(t, result.ToolError)
	assert.Equal(t, tool.ErrorValidation, result.ToolError.Type)
	assert.Contains(t, result.Output, `"success":false`)

	assert.Equal(t, FinishStop, events[len(events)-1].Reason)
}

func TestRunStepBudget(t *testing.T) {
	call := func(id string) *model.Response {
		return &model.Response{
			ToolCalls: []message.Part{
				message.ToolCallPart(id+"a", "echo", map[string]any{"text": "1"}),
				message.ToolCallPart(id+"b", "echo", map[string]any{"text": "2"}),
				message.ToolCallPart(id+"c", "echo", map[string]any{"text": "3"}),
			},
			FinishReason: model.FinishReasonToolCalls,
		}
	}
	llm := &scriptedLLM{turns: []*model.Response{call("t1")}}

	set := tool.NewSet()
	require.NoError(t, set.Add(echoTool(t)))

	events := collect(t, Execute(context.Background(), Params{
		LLM: llm, Tools: set, UserMessage: "go", MaxSteps: 2,
	}))

	results := 0
	for _, ev := range events {
		if ev.Kind == EventToolResult {
			results++
		}
	}
	assert.Equal(t, 2, results)

	finish := events[len(events)-1]
	assert.Equal(t, EventFinish, finish.Kind)
	assert.Equal(t, FinishStepLimit, finish.Reason)
	assert.Equal(t, 2, finish.Steps)
}

func TestRunToolNotFound(t *testing.T) {
	llm := &scriptedLLM{turns: []*model.Response{
		toolTurn("c1", "missing", nil),
		textTurn("oops"),
	}}

	set := tool.NewSet()
	require.NoError(t, set.Add(echoTool(t)))

	events := collect(t, Execute(context.Background(), Params{
		LLM: llm, Tools: set, UserMessage: "go",
	}))

	var result *Event
	for _, ev := range events {
		if ev.Kind == EventToolResult {
			result = ev
		}
	}
	require.NotNil(t, result)
	require.NotNil(t, result.ToolError)
	assert.Equal(t, tool.ErrorToolNotFound, result.ToolError.Type)
	assert.Contains(t, result.ToolError.Suggestions[0], "echo")
}

func TestRunClassifiesInfrastructureError(t *testing.T) {
	flaky, err := functiontool.New(functiontool.Config{
		Name:        "flaky",
		Description: "Fails with a transport error",
	}, func(ctx context.Context, args echoArgs) (*tool.Result, error) {
		return nil, fmt.Errorf("connection refused")
	})
	require.NoError(t, err)

	llm := &scriptedLLM{turns: []*model.Response{
		toolTurn("c1", "flaky", map[string]any{"text": "x"}),
		textTurn("retrying later"),
	}}

	set := tool.NewSet()
	require.NoError(t, set.Add(flaky))

	events := collect(t, Execute(context.Background(), Params{
		LLM: llm, Tools: set, UserMessage: "go",
	}))

	var result *Event
	for _, ev := range events {
		if ev.Kind == EventToolResult {
			result = ev
		}
	}
	require.NotNil(t, result)
	require.NotNil(t, result.ToolError)
	assert.Equal(t, tool.ErrorNetwork, result.ToolError.Type)
	assert.True(t, result.ToolError.Retryable)
}

func TestDoomLoopErrorMode(t *testing.T) {
	same := map[string]any{"text": "spin"}
	llm := &scriptedLLM{turns: []*model.Response{
		toolTurn("c1", "echo", same),
		toolTurn("c2", "echo", same),
		toolTurn("c3", "echo", same),
		textTurn("giving up"),
	}}

	set := tool.NewSet()
	require.NoError(t, set.Add(echoTool(t)))

	events := collect(t, Execute(context.Background(), Params{
		LLM: llm, Tools: set, UserMessage: "go",
		DoomLoopMode: DoomLoopError,
	}))

	var results []*Event
	for _, ev := range events {
		if ev.Kind == EventToolResult {
			results = append(results, ev)
		}
	}
	require.Len(t, results, 3)
	assert.Nil(t, results[0].ToolError)
	assert.Nil(t, results[1].ToolError)
	require.NotNil(t, results[2].ToolError)
	assert.Contains(t, results[2].ToolError.Message, "doom-loop-detected")
}

func TestDoomLoopTerminateMode(t *testing.T) {
	same := map[string]any{"text": "spin"}
	llm := &scriptedLLM{turns: []*model.Response{
		toolTurn("c1", "echo", same),
		toolTurn("c2", "echo", same),
		toolTurn("c3", "echo", same),
	}}

	set := tool.NewSet()
	require.NoError(t, set.Add(echoTool(t)))

	events := collect(t, Execute(context.Background(), Params{
		LLM: llm, Tools: set, UserMessage: "go",
		DoomLoopMode: DoomLoopTerminate,
	}))

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Kind)
	assert.Contains(t, last.Err.Error(), "doom-loop-detected")
}

func TestDoomLoopResetsOnDifferentArgs(t *testing.T) {
	d := newDoomLoopDetector(3)
	assert.False(t, d.Record("echo", map[string]any{"text": "a"}))
	assert.False(t, d.Record("echo", map[string]any{"text": "a"}))
	assert.False(t, d.Record("echo", map[string]any{"text": "b"}))
	assert.False(t, d.Record("echo", map[string]any{"text": "b"}))
	assert.True(t, d.Record("echo", map[string]any{"text": "b"}))
}

func TestRunAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	llm := &scriptedLLM{turns: []*model.Response{textTurn("hi")}}
	events := collect(t, Execute(ctx, Params{LLM: llm, UserMessage: "go"}))

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Contains(t, events[0].Err.Error(), "aborted")
}

func TestSubAgentTokenMetadata(t *testing.T) {
	sub := &fakeSubAgentTool{}
	llm := &scriptedLLM{turns: []*model.Response{
		toolTurn("c1", "subagent__helper", map[string]any{"task": "x"}),
		textTurn("done"),
	}}

	set := tool.NewSet()
	require.NoError(t, set.Add(sub))

	events := collect(t, Execute(context.Background(), Params{
		LLM: llm, Tools: set, UserMessage: "go",
	}))

	assert.True(t, events[1].IsSubAgent)
	var result *Event
	for _, ev := range events {
		if ev.Kind == EventToolResult {
			result = ev
		}
	}
	require.NotNil(t, result)
	assert.Equal(t, 1234, result.SubAgentTokens)
}

type fakeSubAgentTool struct{}

func (f *fakeSubAgentTool) Name() string            { return "subagent__helper" }
func (f *fakeSubAgentTool) Description() string     { return "nested agent" }
func (f *fakeSubAgentTool) Schema() map[string]any  { return map[string]any{"type": "object"} }
func (f *fakeSubAgentTool) IsSubAgent() bool        { return true }
func (f *fakeSubAgentTool) Call(ctx context.Context, args map[string]any) (*tool.Result, error) {
	return &tool.Result{
		Content:  "sub result",
		Metadata: map[string]any{"tokens_used": 1234, "duration_ms": 10},
	}, nil
}
