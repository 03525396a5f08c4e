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

// Package filetool provides the read, write and edit built-ins. Every
// path goes through the path validator with the permission the
// operation needs; rejections come back as in-band results.
package filetool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentuse/agentuse/pkg/security"
	"github.com/agentuse/agentuse/pkg/tool"
	"github.com/agentuse/agentuse/pkg/tool/functiontool"
)

// defaultReadLimit bounds how many lines one read returns.
const defaultReadLimit = 2000

// Config wires the path validator shared by the three tools.
type Config struct {
	Validator *security.PathValidator
}

// New returns the read, write and edit tools.
func New(cfg Config) []tool.Tool {
	return []tool.Tool{NewRead(cfg), NewWrite(cfg), NewEdit(cfg)}
}

// ReadArgs is the input of the read tool.
type ReadArgs struct {
	Path   string `json:"path" jsonschema:"required,description=File path relative to the project root"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based line to start reading from"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return"`
}

// NewRead builds the read tool.
func NewRead(cfg Config) tool.Tool {
	return functiontool.MustNew(functiontool.Config{
		Name:        "read",
		Description: "Read a file, optionally a line range.",
	}, func(ctx context.Context, args ReadArgs) (*tool.Result, error) {
		resolved, err := cfg.Validator.Validate(args.Path, security.PermissionRead)
		if err != nil {
			return tool.ErrorResult(tool.ValidationError(err)), nil
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return tool.ErrorResult(tool.Classify(err)), nil
		}

		lines := strings.Split(string(data), "\n")
		offset := args.Offset
		if offset < 1 {
			offset = 1
		}
		if offset > len(lines) {
			return tool.ErrorResult(&tool.Error{
				Type:    tool.ErrorValidation,
				Message: fmt.Sprintf("offset %d is past the end of the file (%d lines)", offset, len(lines)),
			}), nil
		}
		limit := args.Limit
		if limit <= 0 {
			limit = defaultReadLimit
		}
		end := offset - 1 + limit
		if end > len(lines) {
			end = len(lines)
		}

		return &tool.Result{
			Content: strings.Join(lines[offset-1:end], "\n"),
			Metadata: map[string]any{
				"path":       resolved,
				"totalLines": len(lines),
			},
		}, nil
	})
}

// WriteArgs is the input of the write tool.
type WriteArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File path relative to the project root"`
	Content string `json:"content" jsonschema:"required,description=Full file content to write"`
}

// NewWrite builds the write tool. Parent directories are created.
func NewWrite(cfg Config) tool.Tool {
	return functiontool.MustNew(functiontool.Config{
		Name:        "write",
		Description: "Create or overwrite a file with the given content.",
	}, func(ctx context.Context, args WriteArgs) (*tool.Result, error) {
		resolved, err := cfg.Validator.Validate(args.Path, security.PermissionWrite)
		if err != nil {
			return tool.ErrorResult(tool.ValidationError(err)), nil
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
			return tool.ErrorResult(tool.Classify(err)), nil
		}
		if err := os.WriteFile(resolved, []byte(args.Content), 0644); err != nil {
			return tool.ErrorResult(tool.Classify(err)), nil
		}
		return &tool.Result{
			Content:  fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path),
			Metadata: map[string]any{"path": resolved, "bytes": len(args.Content)},
		}, nil
	})
}

// EditArgs is the input of the edit tool.
type EditArgs struct {
	Path       string `json:"path" jsonschema:"required,description=File path relative to the project root"`
	OldString  string `json:"oldString" jsonschema:"required,description=Exact text to replace"`
	NewString  string `json:"newString" jsonschema:"required,description=Replacement text"`
	ReplaceAll bool   `json:"replaceAll,omitempty" jsonschema:"description=Replace every occurrence instead of requiring a unique one"`
}

// NewEdit builds the edit tool. oldString must occur exactly once
// unless replaceAll is set.
func NewEdit(cfg Config) tool.Tool {
	return functiontool.MustNew(functiontool.Config{
		Name:        "edit",
		Description: "Replace a literal string in a file.",
	}, func(ctx context.Context, args EditArgs) (*tool.Result, error) {
		resolved, err := cfg.Validator.Validate(args.Path, security.PermissionEdit)
		if err != nil {
			return tool.ErrorResult(tool.ValidationError(err)), nil
		}
		if args.OldString == "" {
			return tool.ErrorResult(&tool.Error{
				Type:    tool.ErrorValidation,
				Message: "oldString is required",
			}), nil
		}
		if args.OldString == args.NewString {
			return tool.ErrorResult(&tool.Error{
				Type:    tool.ErrorValidation,
				Message: "oldString and newString are identical",
			}), nil
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return tool.ErrorResult(tool.Classify(err)), nil
		}
		content := string(data)

		count := strings.Count(content, args.OldString)
		switch {
		case count == 0:
			return tool.ErrorResult(&tool.Error{
				Type:        tool.ErrorValidation,
				Message:     fmt.Sprintf("oldString not found in %s", args.Path),
				Suggestions: []string{"read the file first and copy the text exactly"},
			}), nil
		case count > 1 && !args.ReplaceAll:
			return tool.ErrorResult(&tool.Error{
				Type:        tool.ErrorValidation,
				Message:     fmt.Sprintf("oldString occurs %d times in %s", count, args.Path),
				Suggestions: []string{"add surrounding context to make it unique, or set replaceAll"},
			}), nil
		}

		replaced := count
		if !args.ReplaceAll {
			replaced = 1
		}
		content = strings.Replace(content, args.OldString, args.NewString, replaced)
		if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
			return tool.ErrorResult(tool.Classify(err)), nil
		}
		return &tool.Result{
			Content:  fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, args.Path),
			Metadata: map[string]any{"path": resolved, "replacements": replaced},
		}, nil
	})
}
