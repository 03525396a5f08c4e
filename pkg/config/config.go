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

// Package config loads and models agent files.
//
// An agent file is markdown with a YAML front-matter header. Parsing
// keeps ${env:VAR} references unexpanded so the env policy can inspect
// them; EffectiveConfig produces the expanded form used at run time.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Defaults applied when the agent file leaves them unset.
const (
	DefaultMaxSteps       = 20
	DefaultTimeoutSeconds = 300
	DefaultMaxDepth       = 2
)

// Agent is one parsed agent file. Immutable once loaded; hot reload
// produces a new instance.
type Agent struct {
	// Name is derived from the file name, sanitized to [A-Za-z0-9_-].
	Name string

	// Path is the absolute path of the agent file.
	Path string

	// Instructions is the markdown body below the front-matter.
	Instructions string

	// Config is the typed front-matter, env references unexpanded.
	Config Config

	// Raw is the front-matter as decoded YAML, env references
	// unexpanded. The env policy walks this.
	Raw map[string]any
}

// Config is the recognized front-matter surface.
type Config struct {
	// Model is a "provider:model-id" string. Required.
	Model string `mapstructure:"model"`

	Description string `mapstructure:"description"`

	// Timeout bounds the whole run, in seconds.
	Timeout int `mapstructure:"timeout"`

	// MaxSteps caps the number of executed tool calls.
	MaxSteps int `mapstructure:"maxSteps"`

	MCPServers map[string]MCPServer `mapstructure:"mcpServers"`

	SubAgents []SubAgentRef `mapstructure:"subagents"`

	Tools ToolsConfig `mapstructure:"tools"`

	// Schedule is a cron expression (5 fields, optional seconds).
	Schedule string `mapstructure:"schedule"`

	// ProviderOptions carries provider-specific front-matter keys
	// (openai:, anthropic:, ...) forwarded verbatim.
	ProviderOptions map[string]any `mapstructure:",remain"`
}

// OptionsFor returns the provider-specific options block, if any.
func (c Config) OptionsFor(provider string) map[string]any {
	if opts, ok := c.ProviderOptions[provider].(map[string]any); ok {
		return opts
	}
	return nil
}

// MCPServer is a discriminated provider spec: Command set means stdio,
// URL set means http.
type MCPServer struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`

	// AllowedEnvVars names ambient variables forwarded to the child.
	AllowedEnvVars []string `mapstructure:"allowedEnvVars"`

	// RequiredEnvVars must all be set or pre-flight fails.
	RequiredEnvVars []string `mapstructure:"requiredEnvVars"`

	URL       string   `mapstructure:"url"`
	SessionID string   `mapstructure:"sessionId"`
	Auth      *MCPAuth `mapstructure:"auth"`
}

// IsStdio reports whether the spec describes a stdio provider.
func (s MCPServer) IsStdio() bool { return s.Command != "" }

// MCPAuth configures http provider authentication.
type MCPAuth struct {
	Type     string            `mapstructure:"type"` // bearer, basic, custom
	Token    string            `mapstructure:"token"`
	Username string            `mapstructure:"username"`
	Password string            `mapstructure:"password"`
	Headers  map[string]string `mapstructure:"headers"`
}

// SubAgentRef points at another agent file to install as a tool.
type SubAgentRef struct {
	Path     string `mapstructure:"path"`
	Name     string `mapstructure:"name"`
	MaxSteps int    `mapstructure:"maxSteps"`
}

// ToolsConfig declares the built-in tool permissions.
type ToolsConfig struct {
	Bash       *BashConfig      `mapstructure:"bash"`
	Filesystem []FilesystemRule `mapstructure:"filesystem"`
	Store      *StoreConfig     `mapstructure:"store"`
}

// BashConfig allowlists shell command patterns.
type BashConfig struct {
	Commands []string `mapstructure:"commands"`
}

// FilesystemRule grants permissions on a path pattern.
type FilesystemRule struct {
	Path        string   `mapstructure:"path"`
	Permissions []string `mapstructure:"permissions"`
}

// StoreConfig names the stores the agent may touch.
type StoreConfig struct {
	Names []string `mapstructure:"names"`
}

var nameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeName reduces s to the [A-Za-z0-9_-] alphabet tool names allow.
func SanitizeName(s string) string {
	return nameSanitizer.ReplaceAllString(s, "_")
}

// DeriveAgentID returns the deterministic session-store id for an
// agent file: the first 16 hex digits of the sha256 of its absolute
// path.
func DeriveAgentID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}

// ParseModelRef splits a "provider:model-id" string.
func ParseModelRef(ref string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(ref, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("model %q must have the form provider:model-id", ref)
	}
	return provider, model, nil
}

// MaxStepsOrDefault returns the configured step cap or the default.
func (c Config) MaxStepsOrDefault() int {
	if c.MaxSteps > 0 {
		return c.MaxSteps
	}
	return DefaultMaxSteps
}

// TimeoutOrDefault returns the configured timeout or the default.
func (c Config) TimeoutOrDefault() int {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeoutSeconds
}
