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
	"strings"

	"github.com/agentuse/agentuse/pkg/message"
)

// StreamingAggregator accumulates streaming chunks and produces the
// final aggregated Response. Providers feed it deltas as they arrive
// and call Close when the stream ends.
type StreamingAggregator struct {
	text         strings.Builder
	toolCalls    []message.Part
	usage        *Usage
	finishReason FinishReason
}

// NewStreamingAggregator creates an empty aggregator.
func NewStreamingAggregator() *StreamingAggregator {
	return &StreamingAggregator{finishReason: FinishReasonStop}
}

// TextDelta records a text chunk and returns the partial Response to
// yield for real-time display.
func (a *StreamingAggregator) TextDelta(delta string) *Response {
	a.text.WriteString(delta)
	return &Response{Content: delta, Partial: true}
}

// ToolCall records a completed tool call from the stream.
func (a *StreamingAggregator) ToolCall(id, name string, args map[string]any) {
	a.toolCalls = append(a.toolCalls, message.ToolCallPart(id, name, args))
	a.finishReason = FinishReasonToolCalls
}

// SetUsage records usage statistics reported by the provider.
func (a *StreamingAggregator) SetUsage(u *Usage) { a.usage = u }

// SetFinishReason records why generation stopped.
func (a *StreamingAggregator) SetFinishReason(r FinishReason) { a.finishReason = r }

// Close returns the final aggregated Response with Partial=false.
func (a *StreamingAggregator) Close() *Response {
	return &Response{
		Content:      a.text.String(),
		Partial:      false,
		ToolCalls:    a.toolCalls,
		Usage:        a.usage,
		FinishReason: a.finishReason,
	}
}
