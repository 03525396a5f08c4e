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

// Package model defines the provider-agnostic LLM interface and the
// request/response types shared by all provider implementations.
//
// Providers stream responses lazily via iter.Seq2: partial chunks carry
// Partial=true for real-time display, and the final aggregated response
// carries Partial=false for persistence.
package model

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/agentuse/agentuse/pkg/message"
	"github.com/agentuse/agentuse/pkg/tool"
)

// Provider identifiers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// LLM is the interface implemented by all model providers.
type LLM interface {
	// Name returns the model identifier (e.g. "claude-sonnet-4").
	Name() string

	// Provider returns the provider identifier (e.g. "anthropic").
	Provider() string

	// GenerateContent generates a response for the given request.
	//
	// When stream is true the sequence yields partial Responses
	// (Partial=true) as chunks arrive, followed by a final aggregated
	// Response with Partial=false. When stream is false a single final
	// Response is yielded. Iteration stops early if the consumer breaks
	// or ctx is cancelled.
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases provider resources.
	Close() error
}

// Request is a provider-agnostic generation request.
type Request struct {
	// Messages is the conversation history, oldest first.
	Messages []message.Message

	// Tools available to the model for this request.
	Tools []tool.Definition

	// Config carries generation parameters. Nil means provider defaults.
	Config *GenerateConfig

	// SystemInstruction is the system prompt, kept separate from Messages
	// because providers place it outside the message list.
	SystemInstruction string
}

// GenerateConfig contains generation parameters. Pointer fields
// distinguish "unset" from zero values.
type GenerateConfig struct {
	Temperature   *float64 `mapstructure:"temperature"`
	MaxTokens     *int     `mapstructure:"max_tokens"`
	TopP          *float64 `mapstructure:"top_p"`
	StopSequences []string `mapstructure:"stop_sequences"`
}

// Clone returns a deep copy of the config.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Temperature != nil {
		v := *c.Temperature
		clone.Temperature = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.TopP != nil {
		v := *c.TopP
		clone.TopP = &v
	}
	if c.StopSequences != nil {
		clone.StopSequences = append([]string(nil), c.StopSequences...)
	}
	return &clone
}

// ConfigFromOptions decodes provider options (from agent frontmatter)
// into a GenerateConfig. Unknown keys are ignored.
func ConfigFromOptions(opts map[string]any) (*GenerateConfig, error) {
	if len(opts) == 0 {
		return nil, nil
	}
	var cfg GenerateConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(opts); err != nil {
		return nil, fmt.Errorf("invalid model options: %w", err)
	}
	return &cfg, nil
}

// Response contains the result (or a streaming chunk) of an LLM call.
type Response struct {
	// Content is the generated text. For partial responses this is the
	// delta only; for the final response it is the full accumulated text.
	Content string

	// Partial indicates whether this is a streaming chunk (true) or the
	// final aggregated response (false).
	Partial bool

	// ToolCalls requested by the model. Only set on the final response.
	ToolCalls []message.Part

	// Usage statistics, when the provider reports them.
	Usage *Usage

	// FinishReason indicates why generation stopped.
	FinishReason FinishReason
}

// Usage contains token usage statistics.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns the combined token count.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonError     FinishReason = "error"
)

// HasToolCalls returns whether the response contains tool calls.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ToMessage converts a final Response into an assistant message.
func (r *Response) ToMessage() message.Message {
	parts := make([]message.Part, 0, len(r.ToolCalls)+1)
	if r.Content != "" {
		parts = append(parts, message.Part{Type: message.PartText, Text: r.Content})
	}
	parts = append(parts, r.ToolCalls...)
	return message.Message{Role: message.RoleAssistant, Parts: parts}
}

// Factory creates an LLM from a model reference. Implemented by the
// provider packages and registered in New via the default table; kept
// as a type so tests can substitute fakes.
type Factory func(modelName, apiKey string, opts map[string]any) (LLM, error)

// New creates an LLM for a "provider:model" reference. apiKeys maps
// provider name to API key; providers reject empty keys at call time,
// not construction time, so offline parsing still works.
var providerFactories = map[string]Factory{}

// RegisterProvider installs a factory for a provider name. Called from
// provider package init functions.
func RegisterProvider(name string, f Factory) {
	providerFactories[name] = f
}

// New creates an LLM from a model reference like "anthropic:claude-sonnet-4".
func New(ref, apiKey string, opts map[string]any) (LLM, error) {
	provider, name, ok := strings.Cut(ref, ":")
	if !ok || provider == "" || name == "" {
		return nil, fmt.Errorf("invalid model reference %q: want provider:model", ref)
	}
	f, ok := providerFactories[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	return f(name, apiKey, opts)
}
