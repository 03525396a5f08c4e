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

// Package anthropic provides an Anthropic Claude LLM implementation
// over the Messages API with SSE streaming.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/agentuse/agentuse/pkg/httpclient"
	"github.com/agentuse/agentuse/pkg/message"
	"github.com/agentuse/agentuse/pkg/model"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

func init() {
	model.RegisterProvider(model.ProviderAnthropic, func(name, apiKey string, opts map[string]any) (model.LLM, error) {
		cfg, err := model.ConfigFromOptions(opts)
		if err != nil {
			return nil, err
		}
		baseURL, _ := opts["baseURL"].(string)
		return New(Config{APIKey: apiKey, Model: name, BaseURL: baseURL, Generate: cfg})
	})
}

// Config configures the Anthropic client.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
	Generate   *model.GenerateConfig
}

// Client is an Anthropic LLM implementation.
type Client struct {
	httpClient *httpclient.Client
	apiKey     string
	baseURL    string
	model      string
	defaults   *model.GenerateConfig
}

var _ model.LLM = (*Client)(nil)

// New creates a new Anthropic client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic: model name is required")
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
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
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
func (c *Client) Provider() string { return model.ProviderAnthropic }

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

func (c *Client) post(ctx context.Context, apiReq *apiRequest) (*http.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return parseResponse(&apiResp), nil
}

// streamState holds per-block buffers accumulated during SSE streaming.
type streamState struct {
	toolIDs     map[int]string
	toolNames   map[int]string
	toolBuffers map[int]string
}

func (c *Client) generateStream(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		resp, err := c.post(ctx, c.buildRequest(req, true))
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		agg := model.NewStreamingAggregator()
		state := &streamState{
			toolIDs:     make(map[int]string),
			toolNames:   make(map[int]string),
			toolBuffers: make(map[int]string),
		}
		usage := &model.Usage{}

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

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			switch event.Type {
			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					state.toolIDs[event.Index] = event.ContentBlock.ID
					state.toolNames[event.Index] = event.ContentBlock.Name
					state.toolBuffers[event.Index] = ""
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case "text_delta":
					if !yield(agg.TextDelta(event.Delta.Text), nil) {
						return
					}
				case "input_json_delta":
					state.toolBuffers[event.Index] += event.Delta.PartialJSON
				}

			case "content_block_stop":
				if name, ok := state.toolNames[event.Index]; ok {
					var args map[string]any
					if buf := state.toolBuffers[event.Index]; buf != "" {
						_ = json.Unmarshal([]byte(buf), &args)
					}
					agg.ToolCall(state.toolIDs[event.Index], name, args)
					delete(state.toolNames, event.Index)
				}

			case "message_start":
				if event.Message != nil {
					usage.InputTokens = event.Message.Usage.InputTokens
				}

			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					agg.SetFinishReason(mapStopReason(event.Delta.StopReason))
				}
				if event.Usage != nil {
					usage.OutputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				// Stream is complete; final response follows below.
			}
		}

		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			agg.SetUsage(usage)
		}
		yield(agg.Close(), nil)
	}
}

// buildRequest converts a model.Request into the wire format.
func (c *Client) buildRequest(req *model.Request, stream bool) *apiRequest {
	apiReq := &apiRequest{
		Model:     c.model,
		MaxTokens: defaultMaxTokens,
		Stream:    stream,
		System:    req.SystemInstruction,
	}

	cfg := c.defaults
	if req.Config != nil {
		cfg = req.Config
	}
	if cfg != nil {
		if cfg.MaxTokens != nil {
			apiReq.MaxTokens = *cfg.MaxTokens
		}
		if cfg.Temperature != nil {
			apiReq.Temperature = cfg.Temperature
		}
		if cfg.TopP != nil {
			apiReq.TopP = cfg.TopP
		}
		apiReq.StopSequences = cfg.StopSequences
	}

	for _, msg := range req.Messages {
		var role string
		switch msg.Role {
		case message.RoleAssistant:
			role = "assistant"
		case message.RoleUser, message.RoleTool:
			// Tool results travel as user messages on this API.
			role = "user"
		default:
			continue
		}

		var content []apiContent
		for _, part := range msg.Parts {
			switch part.Type {
			case message.PartText:
				if part.Text != "" {
					content = append(content, apiContent{Type: "text", Text: part.Text})
				}
			case message.PartToolCall:
				content = append(content, apiContent{
					Type:  "tool_use",
					ID:    part.ToolCallID,
					Name:  part.ToolName,
					Input: part.Input,
				})
			case message.PartToolResult:
				if part.ToolCallID == "" {
					continue
				}
				output := part.Output
				if output == "" {
					output = "(no output)"
				}
				content = append(content, apiContent{
					Type:      "tool_result",
					ToolUseID: part.ToolCallID,
					Content:   output,
					IsError:   part.IsError,
				})
			}
		}

		if len(content) > 0 {
			apiReq.Messages = append(apiReq.Messages, apiMessage{Role: role, Content: content})
		}
	}

	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return apiReq
}

func parseResponse(resp *apiResponse) *model.Response {
	result := &model.Response{
		Usage: &model.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
		FinishReason: mapStopReason(resp.StopReason),
	}

	var text strings.Builder
	for _, content := range resp.Content {
		switch content.Type {
		case "text":
			text.WriteString(content.Text)
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls,
				message.ToolCallPart(content.ID, content.Name, content.Input))
		}
	}
	result.Content = text.String()
	return result
}

func mapStopReason(reason string) model.FinishReason {
	switch reason {
	case "tool_use":
		return model.FinishReasonToolCalls
	case "max_tokens":
		return model.FinishReasonLength
	default:
		return model.FinishReasonStop
	}
}

// API types

type apiRequest struct {
	Model         string       `json:"model"`
	Messages      []apiMessage `json:"messages"`
	MaxTokens     int          `json:"max_tokens"`
	Temperature   *float64     `json:"temperature,omitempty"`
	TopP          *float64     `json:"top_p,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Stream        bool         `json:"stream"`
	System        string       `json:"system,omitempty"`
	Tools         []apiTool    `json:"tools,omitempty"`
}

type apiMessage struct {
	Role    string       `json:"role"`
	Content []apiContent `json:"content"`
}

type apiContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type apiTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type apiResponse struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	Role       string       `json:"role"`
	Content    []apiContent `json:"content"`
	StopReason string       `json:"stop_reason"`
	Usage      apiUsage     `json:"usage"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	Delta        *apiDelta        `json:"delta,omitempty"`
	ContentBlock *apiContent      `json:"content_block,omitempty"`
	Message      *apiStartMessage `json:"message,omitempty"`
	Usage        *apiUsage        `json:"usage,omitempty"`
}

type apiStartMessage struct {
	Usage apiUsage `json:"usage"`
}

type apiDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}
