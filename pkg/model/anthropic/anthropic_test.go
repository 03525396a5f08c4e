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

package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuse/agentuse/pkg/message"
	"github.com/agentuse/agentuse/pkg/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{
		APIKey:  "test-key",
		Model:   "claude-sonnet-4",
		BaseURL: server.URL,
	})
	require.NoError(t, err)
	return client
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{Model: "claude-sonnet-4"})
	assert.Error(t, err)
}

func TestGenerateNonStreaming(t *testing.T) {
	var gotReq apiRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(apiResponse{
			Content: []apiContent{
				{Type: "text", Text: "The answer is 4."},
			},
			StopReason: "end_turn",
			Usage:      apiUsage{InputTokens: 12, OutputTokens: 7},
		})
	})

	req := &model.Request{
		Messages:          []message.Message{message.NewText(message.RoleUser, "What is 2+2?")},
		SystemInstruction: "Be brief.",
	}

	var final *model.Response
	for resp, err := range client.GenerateContent(context.Background(), req, false) {
		require.NoError(t, err)
		final = resp
	}

	require.NotNil(t, final)
	assert.False(t, final.Partial)
	assert.Equal(t, "The answer is 4.", final.Content)
	assert.Equal(t, model.FinishReasonStop, final.FinishReason)
	assert.Equal(t, 19, final.Usage.Total())

	assert.Equal(t, "Be brief.", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
}

func TestGenerateStreamingWithToolCall(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"usage":{"input_tokens":20}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"check."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"bash"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":15}}`,
		`{"type":"message_stop"}`,
	}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
	})

	req := &model.Request{
		Messages: []message.Message{message.NewText(message.RoleUser, "List files")},
	}

	var partials []string
	var final *model.Response
	for resp, err := range client.GenerateContent(context.Background(), req, true) {
		require.NoError(t, err)
		if resp.Partial {
			partials = append(partials, resp.Content)
		} else {
			final = resp
		}
	}

	assert.Equal(t, []string{"Let me ", "check."}, partials)
	require.NotNil(t, final)
	assert.Equal(t, "Let me check.", final.Content)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "toolu_1", final.ToolCalls[0].ToolCallID)
	assert.Equal(t, "bash", final.ToolCalls[0].ToolName)
	assert.Equal(t, map[string]any{"command": "ls"}, final.ToolCalls[0].Input)
	assert.Equal(t, model.FinishReasonToolCalls, final.FinishReason)
	assert.Equal(t, 20, final.Usage.InputTokens)
	assert.Equal(t, 15, final.Usage.OutputTokens)
}

func TestGenerateAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"invalid_request_error"}}`, http.StatusBadRequest)
	})

	req := &model.Request{
		Messages: []message.Message{message.NewText(message.RoleUser, "hi")},
	}

	var gotErr error
	for _, err := range client.GenerateContent(context.Background(), req, false) {
		gotErr = err
	}
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "status 400")
}

func TestBuildRequestToolResults(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	msgs := []message.Message{
		message.NewText(message.RoleUser, "run it"),
		{Role: message.RoleAssistant, Parts: []message.Part{
			message.ToolCallPart("toolu_1", "bash", map[string]any{"command": "ls"}),
		}},
		{Role: message.RoleTool, Parts: []message.Part{
			message.ToolResultPart("toolu_1", "bash", "", false),
		}},
	}

	apiReq := client.buildRequest(&model.Request{Messages: msgs}, false)
	require.Len(t, apiReq.Messages, 3)

	assert.Equal(t, "assistant", apiReq.Messages[1].Role)
	assert.Equal(t, "tool_use", apiReq.Messages[1].Content[0].Type)

	// Tool results ride in a user message and never have empty content.
	assert.Equal(t, "user", apiReq.Messages[2].Role)
	assert.Equal(t, "tool_result", apiReq.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_1", apiReq.Messages[2].Content[0].ToolUseID)
	assert.Equal(t, "(no output)", apiReq.Messages[2].Content[0].Content)
}

func TestBuildRequestConfigPrecedence(t *testing.T) {
	temp := 0.2
	maxTokens := 512
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	client.defaults = &model.GenerateConfig{Temperature: &temp, MaxTokens: &maxTokens}

	apiReq := client.buildRequest(&model.Request{}, false)
	assert.Equal(t, 0.2, *apiReq.Temperature)
	assert.Equal(t, 512, apiReq.MaxTokens)

	// A per-request config replaces the client defaults wholesale.
	override := 0.9
	apiReq = client.buildRequest(&model.Request{
		Config: &model.GenerateConfig{Temperature: &override},
	}, false)
	assert.Equal(t, 0.9, *apiReq.Temperature)
	assert.Equal(t, defaultMaxTokens, apiReq.MaxTokens)
}
