// Copyright 2025 The AgentUse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package message defines the model-facing conversation record.
//
// A Message is a role plus an ordered sequence of parts. Parts carry a
// type discriminator so the log round-trips through JSON, which is how
// sessions persist them.
package message

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates the variants of a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartReasoning  PartType = "reasoning"
)

// Part is one element of a message's content. Exactly the fields
// relevant to its Type are set; the rest stay zero and are omitted
// from the JSON encoding.
type Part struct {
	Type PartType `json:"type"`

	// PartText and PartReasoning.
	Text string `json:"text,omitempty"`

	// PartToolCall and PartToolResult.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`

	// PartToolCall.
	Input map[string]any `json:"input,omitempty"`

	// PartToolResult.
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

// Message is one entry in the conversation buffer.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// NewText builds a single-part text message.
func NewText(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartText, Text: text}}}
}

// ToolCallPart builds a tool-call part.
func ToolCallPart(id, name string, input map[string]any) Part {
	return Part{
		Type:       PartToolCall,
		ToolCallID: id,
		ToolName:   name,
		Input:      input,
	}
}

// ToolResultPart builds a tool-result part.
func ToolResultPart(id, name, output string, isError bool) Part {
	return Part{
		Type:       PartToolResult,
		ToolCallID: id,
		ToolName:   name,
		Output:     output,
		IsError:    isError,
	}
}

// NewToolCall builds an assistant message carrying one tool call.
func NewToolCall(id, name string, input map[string]any) Message {
	return Message{Role: RoleAssistant, Parts: []Part{ToolCallPart(id, name, input)}}
}

// NewToolResult builds a tool-role message carrying one tool result.
func NewToolResult(id, name, output string, isError bool) Message {
	return Message{Role: RoleTool, Parts: []Part{ToolResultPart(id, name, output, isError)}}
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool-call parts of the message.
func (m Message) ToolCalls() []Part {
	var calls []Part
	for _, p := range m.Parts {
		if p.Type == PartToolCall {
			calls = append(calls, p)
		}
	}
	return calls
}

// HasToolCalls reports whether the message contains any tool-call part.
func (m Message) HasToolCalls() bool {
	for _, p := range m.Parts {
		if p.Type == PartToolCall {
			return true
		}
	}
	return false
}

// ContentLength returns the number of characters of payload carried by
// the message, used for character-based token estimation.
func (m Message) ContentLength() int {
	n := 0
	for _, p := range m.Parts {
		n += len(p.Text) + len(p.Output)
		for k, v := range p.Input {
			n += len(k)
			if s, ok := v.(string); ok {
				n += len(s)
			}
		}
	}
	return n
}
