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

// Package contextmgr tracks approximate context-window usage and
// compacts the conversation buffer when it approaches the model's
// limit. Compaction replaces the older portion of the buffer with a
// single synthetic summary message while keeping the most recent
// messages intact, tool-call/result pairs included.
package contextmgr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/agentuse/agentuse/pkg/message"
	"github.com/agentuse/agentuse/pkg/model"
)

const (
	// DefaultThreshold is the fraction of the context limit at which
	// compaction triggers.
	DefaultThreshold = 0.7

	// DefaultKeepRecent is how many trailing messages survive compaction.
	DefaultKeepRecent = 3

	// DisableEnvVar turns compaction off globally when set non-empty.
	DisableEnvVar = "AGENTUSE_DISABLE_COMPACTION"

	summaryPrefix = "[Conversation summary]\n"
)

// Config configures a Manager.
type Config struct {
	// Limit is the model's context window in tokens. Zero disables
	// compaction entirely.
	Limit int

	// Threshold is the fraction of Limit that triggers compaction.
	// Defaults to DefaultThreshold.
	Threshold float64

	// KeepRecent is how many trailing messages to keep verbatim.
	// Defaults to DefaultKeepRecent.
	KeepRecent int

	// Model selects the tokenizer used when the provider reports no
	// usage. Empty falls back to a character-based estimate.
	Model string
}

// Manager tracks token usage for one conversation. Safe for use from
// one execution goroutine; the mutex serializes compactions.
type Manager struct {
	limit      int
	threshold  float64
	keepRecent int
	disabled   bool
	counter    *TokenCounter

	mu   sync.Mutex
	used int
}

// NewManager creates a Manager. Compaction is disabled when cfg.Limit
// is zero or the disable environment toggle is set.
func NewManager(cfg Config) *Manager {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = DefaultKeepRecent
	}
	return &Manager{
		limit:      cfg.Limit,
		threshold:  cfg.Threshold,
		keepRecent: cfg.KeepRecent,
		disabled:   cfg.Limit <= 0 || os.Getenv(DisableEnvVar) != "",
		counter:    NewTokenCounter(cfg.Model),
	}
}

// Update refreshes the usage estimate after a model turn. Real usage
// from the provider wins; otherwise the whole buffer is re-counted.
func (m *Manager) Update(usage *model.Usage, msgs []message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if usage != nil && usage.Total() > 0 {
		m.used = usage.Total()
		return
	}
	m.used = m.counter.Count(msgs)
}

// Used returns the current token estimate.
func (m *Manager) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// ShouldCompact reports whether the buffer has crossed the threshold.
func (m *Manager) ShouldCompact() bool {
	if m.disabled {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.used) > float64(m.limit)*m.threshold
}

// Compact replaces all but the most recent messages with a synthetic
// summary generated by the model. The retained tail is extended
// backwards so that every tool result it contains is preceded by its
// tool call. If the compacted buffer would not be strictly smaller
// than the original, the original is returned unchanged.
//
// Compact never fails: on model error it falls back to a deterministic
// summary. Only one compaction runs at a time.
func (m *Manager) Compact(ctx context.Context, llm model.LLM, msgs []message.Message) []message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(msgs) <= m.keepRecent {
		return msgs
	}

	// Already compacted and nothing added since.
	if isSummary(msgs[0]) && len(msgs) <= m.keepRecent+1 {
		return msgs
	}

	start := tailStart(msgs, m.keepRecent)
	if start <= 0 {
		return msgs
	}

	head, tail := msgs[:start], msgs[start:]
	summary := m.summarize(ctx, llm, head)

	compacted := make([]message.Message, 0, len(tail)+1)
	compacted = append(compacted, message.NewText(message.RoleUser, summaryPrefix+summary))
	compacted = append(compacted, tail...)

	before, after := m.counter.Count(msgs), m.counter.Count(compacted)
	if after >= before {
		slog.Debug("Compaction would not shrink buffer, skipping",
			"before", before, "after", after)
		return msgs
	}

	m.used = after
	slog.Info("Compacted conversation",
		"dropped", len(head), "kept", len(tail), "tokensBefore", before, "tokensAfter", after)
	return compacted
}

// tailStart returns the index where the retained tail begins, walking
// backwards past keepRecent so that no tool result in the tail is
// orphaned from its call.
func tailStart(msgs []message.Message, keepRecent int) int {
	start := len(msgs) - keepRecent

	// Tool-call IDs issued before the cut.
	for start > 0 {
		needed := false
		calls := make(map[string]bool)
		for _, msg := range msgs[start:] {
			for _, p := range msg.Parts {
				switch p.Type {
				case message.PartToolCall:
					calls[p.ToolCallID] = true
				case message.PartToolResult:
					if !calls[p.ToolCallID] {
						needed = true
					}
				}
			}
		}
		if !needed {
			break
		}
		start--
	}
	return start
}

func (m *Manager) summarize(ctx context.Context, llm model.LLM, head []message.Message) string {
	if llm != nil {
		if s, err := modelSummary(ctx, llm, head); err == nil && s != "" {
			return s
		} else if err != nil {
			slog.Warn("Summary generation failed, using fallback", "error", err)
		}
	}
	return fallbackSummary(head)
}

func modelSummary(ctx context.Context, llm model.LLM, head []message.Message) (string, error) {
	var transcript strings.Builder
	for _, msg := range head {
		for _, p := range msg.Parts {
			switch p.Type {
			case message.PartText:
				fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, p.Text)
			case message.PartToolCall:
				fmt.Fprintf(&transcript, "%s called tool %s\n", msg.Role, p.ToolName)
			case message.PartToolResult:
				fmt.Fprintf(&transcript, "tool %s returned: %s\n", p.ToolName, truncate(p.Output, 500))
			}
		}
	}

	req := &model.Request{
		Messages: []message.Message{message.NewText(message.RoleUser, transcript.String())},
		SystemInstruction: "Summarize the conversation below in a few short paragraphs. " +
			"Preserve decisions made, facts established, and any pending work. " +
			"Do not add commentary.",
	}

	var final *model.Response
	for resp, err := range llm.GenerateContent(ctx, req, false) {
		if err != nil {
			return "", err
		}
		final = resp
	}
	if final == nil {
		return "", fmt.Errorf("summary model yielded no response")
	}
	return strings.TrimSpace(final.Content), nil
}

func fallbackSummary(head []message.Message) string {
	toolCalls := 0
	for _, msg := range head {
		for _, p := range msg.Parts {
			if p.Type == message.PartToolCall {
				toolCalls++
			}
		}
	}
	return fmt.Sprintf("%d messages exchanged, %d tool calls", len(head), toolCalls)
}

func isSummary(msg message.Message) bool {
	return msg.Role == message.RoleUser && strings.HasPrefix(msg.Text(), summaryPrefix)
}

// estimate approximates token usage at four characters per token.
func estimate(msgs []message.Message) int {
	chars := 0
	for _, msg := range msgs {
		chars += msg.ContentLength()
	}
	return (chars + 3) / 4
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
