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

package tool

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"strings"
)

// ErrorType classifies a tool failure for the model.
type ErrorType string

const (
	ErrorToolNotFound ErrorType = "tool_not_found"
	ErrorServer       ErrorType = "server_error"
	ErrorRateLimit    ErrorType = "rate_limit"
	ErrorTimeout      ErrorType = "timeout"
	ErrorAuth         ErrorType = "auth_error"
	ErrorNotFound     ErrorType = "not_found"
	ErrorNetwork      ErrorType = "network_error"
	ErrorValidation   ErrorType = "validation"
	ErrorUnknown      ErrorType = "unknown"
)

// Error is the structured failure delivered in-band to the model.
type Error struct {
	Type        ErrorType `json:"type"`
	Message     string    `json:"message"`
	Retryable   bool      `json:"retryable"`
	Suggestions []string  `json:"suggestions,omitempty"`
}

// ValidationError builds the non-retryable error used when a validator
// rejects a command or path.
func ValidationError(err error) *Error {
	return &Error{
		Type:      ErrorValidation,
		Message:   err.Error(),
		Retryable: false,
		Suggestions: []string{
			"adjust the arguments to stay within the agent's permissions",
		},
	}
}

// NotFoundError builds the error for an unknown tool name.
func NotFoundError(name string, available []string) *Error {
	return &Error{
		Type:        ErrorToolNotFound,
		Message:     "no tool named " + name,
		Retryable:   false,
		Suggestions: []string{"available tools: " + strings.Join(available, ", ")},
	}
}

// Classify maps an infrastructure error onto the structured error the
// model sees. It is deliberately string-matchy at the edges: MCP
// clients and HTTP transports do not share error types.
func Classify(err error) *Error {
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return &Error{
			Type: ErrorTimeout, Message: msg, Retryable: true,
			Suggestions: []string{"retry, or break the work into smaller calls"},
		}
	case errors.Is(err, context.Canceled):
		return &Error{Type: ErrorTimeout, Message: "execution aborted", Retryable: false}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return &Error{
			Type: ErrorRateLimit, Message: msg, Retryable: true,
			Suggestions: []string{"wait before retrying"},
		}
	case strings.Contains(lower, "401") || strings.Contains(lower, "403") ||
		strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "authentication"):
		return &Error{
			Type: ErrorAuth, Message: msg, Retryable: false,
			Suggestions: []string{"check the provider's credentials"},
		}
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found") ||
		errors.Is(err, fs.ErrNotExist):
		return &Error{Type: ErrorNotFound, Message: msg, Retryable: false}
	case isNetworkError(err) || strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "no such host") || strings.Contains(lower, "broken pipe"):
		return &Error{
			Type: ErrorNetwork, Message: msg, Retryable: true,
			Suggestions: []string{"the provider may be down; retry shortly"},
		}
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") || strings.Contains(lower, "internal server error"):
		return &Error{Type: ErrorServer, Message: msg, Retryable: true}
	default:
		return &Error{Type: ErrorUnknown, Message: msg, Retryable: false}
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
