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

package contextmgr

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuse/agentuse/pkg/message"
	"github.com/agentuse/agentuse/pkg/model"
)

// fakeLLM returns a canned summary, or an error when failing is set.
type fakeLLM struct {
	summary string
	failing bool
	calls   int
}

func (f *fakeLLM) Name() string     { return "fake" }
func (f *fakeLLM) Provider() string { return "fake" }
func (f *fakeLLM) Close() error     { return nil }

func (f *fakeLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	f.calls++
	return func(yield func(*model.Response, error) bool) {
		if f.failing {
			yield(nil, fmt.Errorf("model unavailable"))
			return
		}
		yield(&model.Response{Content: f.summary}, nil)
	}
}

func textMessages(n, chars int) []message.Message {
	msgs := make([]message.Message, n)
	for i := range msgs {
		role := message.RoleUser
		if i%2 == 1 {
			role = message.RoleAssistant
		}
		msgs[i] = message.NewText(role, strings.Repeat("x", chars))
	}
	return msgs
}

func TestShouldCompactThreshold(t *testing.T) {
	m := NewManager(Config{Limit: 10_000})

	m.Update(nil, textMessages(4, 3000))
	assert.Equal(t, 3000, m.Used())
	assert.False(t, m.ShouldCompact())

	// 8 messages of 4000 chars estimate to 8000 tokens, past the
	// 7000-token bound.
	m.Update(nil, textMessages(8, 4000))
	assert.True(t, m.ShouldCompact())
}

func TestRealUsageWins(t *testing.T) {
	m := NewManager(Config{Limit: 10_000})
	m.Update(&model.Usage{InputTokens: 6000, OutputTokens: 1500}, textMessages(2, 100))
	assert.Equal(t, 7500, m.Used())
	assert.True(t, m.ShouldCompact())
}

func TestDisabledByEnv(t *testing.T) {
	t.Setenv(DisableEnvVar, "1")
	m := NewManager(Config{Limit: 100})
	m.Update(nil, textMessages(8, 4000))
	assert.False(t, m.ShouldCompact())
}

func TestCompactKeepsRecentTail(t *testing.T) {
	m := NewManager(Config{Limit: 10_000})
	llm := &fakeLLM{summary: "Earlier the user asked about files."}

	msgs := textMessages(8, 4000)
	compacted := m.Compact(context.Background(), llm, msgs)

	require.Len(t, compacted, 4)
	assert.Equal(t, message.RoleUser, compacted[0].Role)
	assert.Contains(t, compacted[0].Text(), "Earlier the user asked about files.")
	assert.Equal(t, msgs[5:], compacted[1:])
	assert.Less(t, m.Used(), 8000)
}

func TestCompactFallbackSummary(t *testing.T) {
	m := NewManager(Config{Limit: 10_000})
	llm := &fakeLLM{failing: true}

	msgs := textMessages(6, 4000)
	msgs = append(msgs[:4], message.NewToolCall("c1", "bash", map[string]any{"command": "ls"}), msgs[5])

	compacted := m.Compact(context.Background(), llm, msgs)
	require.NotEqual(t, len(msgs), len(compacted))
	assert.Contains(t, compacted[0].Text(), "3 messages exchanged, 0 tool calls")
}

func TestCompactPreservesToolCallPairing(t *testing.T) {
	m := NewManager(Config{Limit: 10_000, KeepRecent: 2})
	llm := &fakeLLM{summary: "summary"}

	big := strings.Repeat("x", 4000)
	msgs := []message.Message{
		message.NewText(message.RoleUser, big),
		message.NewText(message.RoleAssistant, big),
		message.NewText(message.RoleUser, big),
		message.NewToolCall("c1", "bash", map[string]any{"command": "ls"}),
		message.NewToolResult("c1", "bash", big, false),
		message.NewText(message.RoleAssistant, "done"),
	}

	compacted := m.Compact(context.Background(), llm, msgs)

	// Tail extends backwards to include the tool call for c1.
	require.Len(t, compacted, 4)
	assert.True(t, compacted[1].HasToolCalls())
	assert.Equal(t, message.PartToolResult, compacted[2].Parts[0].Type)
}

func TestCompactIdempotent(t *testing.T) {
	m := NewManager(Config{Limit: 10_000})
	llm := &fakeLLM{summary: "summary"}

	compacted := m.Compact(context.Background(), llm, textMessages(8, 4000))
	again := m.Compact(context.Background(), llm, compacted)

	assert.Equal(t, compacted, again)
	assert.Equal(t, 1, llm.calls)
}

func TestCompactNoOpWhenNotSmaller(t *testing.T) {
	m := NewManager(Config{Limit: 10_000})
	// A giant "summary" larger than everything it replaces.
	llm := &fakeLLM{summary: strings.Repeat("y", 100_000)}

	msgs := textMessages(8, 100)
	assert.Equal(t, msgs, m.Compact(context.Background(), llm, msgs))
}

func TestCompactShortBufferUntouched(t *testing.T) {
	m := NewManager(Config{Limit: 10_000})
	msgs := textMessages(3, 100)
	assert.Equal(t, msgs, m.Compact(context.Background(), &fakeLLM{}, msgs))
}

func TestTokenCounterHeuristicFallback(t *testing.T) {
	// No model name, so no encoding: four characters per token.
	tc := NewTokenCounter("")
	msgs := []message.Message{message.NewText(message.RoleUser, strings.Repeat("a", 400))}
	assert.Equal(t, 100, tc.Count(msgs))

	var nilCounter *TokenCounter
	assert.Equal(t, 100, nilCounter.Count(msgs))
}
