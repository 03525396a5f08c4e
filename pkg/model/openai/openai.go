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

// Package openai provides an OpenAI LLM implementation over the Chat
// Completions API with SSE streaming.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sort"
	"strings"

	"github.com/agentuse/agentuse/pkg/httpclient"
	"github.com/agentuse/agentuse/pkg/message"
	"github.com/agentuse/agentuse/pkg/model"
)

const defaultBaseURL = "https://api.openai.com/v1"

func init() {
	model.RegisterProvider(model.ProviderOpenAI, func(name, apiKey string, opts map[string]any) (model.LLM, error) {
		cfg, err := model.ConfigFromOptions(opts)
		if err != nil {
			return nil, err
		}
		baseURL, _ := opts["baseURL"].(string)
		return New(Config{APIKey: apiKey, Model: name, BaseURL: baseURL, Generate: cfg})
	})
}

// Config configures the OpenAI client.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
	Generate   *model.GenerateConfig
}

// Client is an OpenAI LLM implementation.
type Client struct {
	httpClient *httpclient.Client
	apiKey     string
	baseURL    string
	model      string
	defaults   *model.GenerateConfig
}

var _ model.LLM = (*Client)(nil)

// New creates a new OpenAI client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai: model name is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	return &Client{
		httpClient: httpclient.New(
			httpclient.WithMaxRetries(maxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		apiKey:   cfg.APIKey,
		baseURL:  baseURL,
		model:    cfg.Model,
		defaults: cfg.Generate.Clone(),
	}, nil
}

// Name returns the model identifier.
func (c *Client) Name() string { return c.model }

// Provider returns the provider identifier.
func (c *Client) Provider() string { return model.ProviderOpenAI }

// Close releases resources.
func (c *Client) Close() error { return nil }

// GenerateContent produces responses for the given request.
func (c *Client) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	if stream {
		return c.generateStream(ctx, req)
	}
	return func(yield func(*model.Response, error) bool) {
		resp, err := c.generate(ctx, req)
		yield(resp, err)
	}
}

func (c *Client) post(ctx context.Context, chatReq *chatRequest) (*http.Response, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

func (c *Client) generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("empty response: no choices")
	}

	choice := chatResp.Choices[0]
	result := &model.Response{
		Content:      choice.Message.Content,
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	if chatResp.Usage != nil {
		result.Usage = &model.Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		result.ToolCalls = append(result.ToolCalls,
			message.ToolCallPart(tc.ID, tc.Function.Name, args))
	}
	return result, nil
}

// pendingToolCall buffers a streamed tool call while its argument
// fragments arrive.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func (c *Client) generateStream(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		chatReq := c.buildRequest(req, true)
		chatReq.StreamOptions = &streamOptions{IncludeUsage: true}

		resp, err := c.post(ctx, chatReq)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		agg := model.NewStreamingAggregator()
		pending := make(map[int]*pendingToolCall)

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					break
				}
				yield(nil, fmt.Errorf("stream read error: %w", err))
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if chunk.Usage != nil {
				agg.SetUsage(&model.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				})
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !yield(agg.TextDelta(choice.Delta.Content), nil) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				p, ok := pending[tc.Index]
				if !ok {
					p = &pendingToolCall{}
					pending[tc.Index] = p
				}
				if tc.ID != "" {
					p.id = tc.ID
				}
				if tc.Function.Name != "" {
					p.name = tc.Function.Name
				}
				p.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				agg.SetFinishReason(mapFinishReason(choice.FinishReason))
			}
		}

		// Tool calls flush in index order once the stream ends. The
		// indexes are not necessarily contiguous.
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			p := pending[i]
			var args map[string]any
			if s := p.args.String(); s != "" {
				_ = json.Unmarshal([]byte(s), &args)
			}
			agg.ToolCall(p.id, p.name, args)
		}

		yield(agg.Close(), nil)
	}
}

// buildRequest converts a model.Request into the wire format.
func (c *Client) buildRequest(req *model.Request, stream bool) *chatRequest {
	chatReq := &chatRequest{
		Model:  c.model,
		Stream: stream,
	}

	if req.SystemInstruction != "" {
		chatReq.Messages = append(chatReq.Messages, chatMessage{
			Role:    "system",
			Content: req.SystemInstruction,
		})
	}

	cfg := c.defaults
	if req.Config != nil {
		cfg = req.Config
	}
	if cfg != nil {
		chatReq.Temperature = cfg.Temperature
		chatReq.TopP = cfg.TopP
		chatReq.MaxTokens = cfg.MaxTokens
		chatReq.Stop = cfg.StopSequences
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case message.RoleUser:
			if text := msg.Text(); text != "" {
				chatReq.Messages = append(chatReq.Messages, chatMessage{Role: "user", Content: text})
			}

		case message.RoleAssistant:
			cm := chatMessage{Role: "assistant", Content: msg.Text()}
			for _, part := range msg.ToolCalls() {
				args, _ := json.Marshal(part.Input)
				cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
					ID:   part.ToolCallID,
					Type: "function",
					Function: chatFunctionCall{
						Name:      part.ToolName,
						Arguments: string(args),
					},
				})
			}
			if cm.Content != "" || len(cm.ToolCalls) > 0 {
				chatReq.Messages = append(chatReq.Messages, cm)
			}

		case message.RoleTool:
			for _, part := range msg.Parts {
				if part.Type != message.PartToolResult {
					continue
				}
				chatReq.Messages = append(chatReq.Messages, chatMessage{
					Role:       "tool",
					Content:    part.Output,
					ToolCallID: part.ToolCallID,
				})
			}
		}
	}

	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return chatReq
}

func mapFinishReason(reason string) model.FinishReason {
	switch reason {
	case "tool_calls":
		return model.FinishReasonToolCalls
	case "length":
		return model.FinishReasonLength
	default:
		return model.FinishReasonStop
	}
}

// API types

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []chatTool     `json:"tools,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_completion_tokens,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	Index    int              `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatChunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *chatUsage    `json:"usage"`
}

type chunkChoice struct {
	Delta        chatDelta `json:"delta"`
	FinishReason string    `json:"finish_reason"`
}

type chatDelta struct {
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls"`
}
