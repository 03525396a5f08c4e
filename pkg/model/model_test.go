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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuse/agentuse/pkg/message"
)

func TestConfigFromOptions(t *testing.T) {
	cfg, err := ConfigFromOptions(map[string]any{
		"temperature": 0.2,
		"max_tokens":  1024,
		"unknown_key": "ignored",
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.NotNil(t, cfg.Temperature)
	assert.Equal(t, 0.2, *cfg.Temperature)
	require.NotNil(t, cfg.MaxTokens)
	assert.Equal(t, 1024, *cfg.MaxTokens)
	assert.Nil(t, cfg.TopP)
}

func TestConfigFromOptionsEmpty(t *testing.T) {
	cfg, err := ConfigFromOptions(nil)
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestGenerateConfigClone(t *testing.T) {
	temp := 0.5
	orig := &GenerateConfig{Temperature: &temp, StopSequences: []string{"END"}}
	clone := orig.Clone()

	*clone.Temperature = 0.9
	clone.StopSequences[0] = "STOP"

	assert.Equal(t, 0.5, *orig.Temperature)
	assert.Equal(t, "END", orig.StopSequences[0])
}

func TestNewInvalidReference(t *testing.T) {
	for _, ref := range []string{"", "claude-sonnet-4", "anthropic:", ":model"} {
		_, err := New(ref, "key", nil)
		assert.Error(t, err, "ref %q", ref)
	}
}

func TestNewUnsupportedProvider(t *testing.T) {
	_, err := New("mystery:model", "key", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")
}

func TestStreamingAggregator(t *testing.T) {
	agg := NewStreamingAggregator()

	partial := agg.TextDelta("Hello, ")
	assert.True(t, partial.Partial)
	assert.Equal(t, "Hello, ", partial.Content)

	agg.TextDelta("world")
	agg.ToolCall("call_1", "bash", map[string]any{"command": "ls"})
	agg.SetUsage(&Usage{InputTokens: 10, OutputTokens: 5})

	final := agg.Close()
	assert.False(t, final.Partial)
	assert.Equal(t, "Hello, world", final.Content)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "bash", final.ToolCalls[0].ToolName)
	assert.Equal(t, FinishReasonToolCalls, final.FinishReason)
	assert.Equal(t, 15, final.Usage.Total())
}

func TestResponseToMessage(t *testing.T) {
	resp := &Response{
		Content:   "done",
		ToolCalls: []message.Part{message.ToolCallPart("id1", "read", nil)},
	}
	msg := resp.ToMessage()
	assert.Equal(t, message.RoleAssistant, msg.Role)
	assert.Equal(t, "done", msg.Text())
	assert.True(t, msg.HasToolCalls())
}
