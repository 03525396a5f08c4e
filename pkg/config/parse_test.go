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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleAgent = `---
model: anthropic:claude-sonnet-4
description: reviews pull requests
timeout: 120
maxSteps: 10
mcpServers:
  github:
    command: npx
    args: ["-y", "@modelcontextprotocol/server-github"]
    env:
      LOG_LEVEL: info
    allowedEnvVars: [GITHUB_TOKEN]
    requiredEnvVars: [GITHUB_TOKEN]
subagents:
  - path: ./helper.agentuse
    maxSteps: 5
tools:
  bash:
    commands: ["git *", "npm test"]
  filesystem:
    - path: "src/**"
      permissions: [read, edit]
schedule: "*/5 * * * *"
anthropic:
  temperature: 0.2
---
Review the open pull requests and summarize findings.
`

func TestParseAgent(t *testing.T) {
	agent, err := ParseAgent("/proj/reviewer.agentuse", sampleAgent)
	require.NoError(t, err)

	assert.Equal(t, "reviewer", agent.Name)
	assert.Equal(t, "anthropic:claude-sonnet-4", agent.Config.Model)
	assert.Equal(t, 120, agent.Config.Timeout)
	assert.Equal(t, 10, agent.Config.MaxSteps)
	assert.Equal(t, "Review the open pull requests and summarize findings.", agent.Instructions)
	assert.Equal(t, "*/5 * * * *", agent.Config.Schedule)

	require.Contains(t, agent.Config.MCPServers, "github")
	github := agent.Config.MCPServers["github"]
	assert.True(t, github.IsStdio())
	assert.Equal(t, "npx", github.Command)
	assert.Equal(t, []string{"GITHUB_TOKEN"}, github.AllowedEnvVars)

	require.Len(t, agent.Config.SubAgents, 1)
	assert.Equal(t, "./helper.agentuse", agent.Config.SubAgents[0].Path)
	assert.Equal(t, 5, agent.Config.SubAgents[0].MaxSteps)

	require.NotNil(t, agent.Config.Tools.Bash)
	assert.Equal(t, []string{"git *", "npm test"}, agent.Config.Tools.Bash.Commands)
	require.Len(t, agent.Config.Tools.Filesystem, 1)
	assert.Equal(t, []string{"read", "edit"}, agent.Config.Tools.Filesystem[0].Permissions)

	opts := agent.Config.OptionsFor("anthropic")
	require.NotNil(t, opts)
	assert.Equal(t, 0.2, opts["temperature"])
}

func TestParseAgent_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no front matter", "just a markdown body"},
		{"unterminated front matter", "---\nmodel: openai:gpt-4o\n"},
		{"missing model", "---\ndescription: x\n---\nbody"},
		{"bad model ref", "---\nmodel: gpt-4o\n---\nbody"},
		{"mcp server without transport", "---\nmodel: openai:gpt-4o\nmcpServers:\n  broken: {}\n---\nbody"},
		{"subagent without path", "---\nmodel: openai:gpt-4o\nsubagents:\n  - name: x\n---\nbody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAgent("/proj/a.agentuse", tt.content)
			assert.Error(t, err)
		})
	}
}

func TestParseAgent_DeprecatedMCPServersKey(t *testing.T) {
	content := "---\nmodel: openai:gpt-4o\nmcp_servers:\n  fs:\n    command: server-fs\n---\nbody"
	agent, err := ParseAgent("/proj/a.agentuse", content)
	require.NoError(t, err)
	assert.Contains(t, agent.Config.MCPServers, "fs")
}

func TestParseAgentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greeter.agentuse")
	require.NoError(t, os.WriteFile(path, []byte("---\nmodel: openai:gpt-4o-mini\n---\nSay hi\n"), 0644))

	agent, err := ParseAgentFile(path)
	require.NoError(t, err)
	assert.Equal(t, "greeter", agent.Name)
	assert.Equal(t, "Say hi", agent.Instructions)
	assert.True(t, filepath.IsAbs(agent.Path))
}

func TestEffectiveConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("PARSE_TEST_TOKEN", "s3cret")
	content := "---\nmodel: openai:gpt-4o\nmcpServers:\n  api:\n    url: https://api.example.com\n    auth:\n      type: bearer\n      token: ${env:PARSE_TEST_TOKEN}\n---\nbody"
	agent, err := ParseAgent("/proj/a.agentuse", content)
	require.NoError(t, err)

	// Unexpanded until EffectiveConfig.
	assert.Equal(t, "${env:PARSE_TEST_TOKEN}", agent.Config.MCPServers["api"].Auth.Token)

	cfg, err := agent.EffectiveConfig()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.MCPServers["api"].Auth.Token)
}

func TestDeriveAgentID(t *testing.T) {
	id := DeriveAgentID("/proj/a.agentuse")
	assert.Len(t, id, 16)
	assert.Equal(t, id, DeriveAgentID("/proj/a.agentuse"))
	assert.NotEqual(t, id, DeriveAgentID("/proj/b.agentuse"))
}

func TestDiscoverAgents(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hidden"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0755))
	for _, p := range []string{"a.agentuse", "sub/b.agentuse", ".hidden/c.agentuse", "node_modules/pkg/d.agentuse", "readme.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, p), []byte("x"), 0644))
	}

	paths, err := DiscoverAgents(root)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "a.agentuse", filepath.Base(paths[0]))
	assert.Equal(t, "b.agentuse", filepath.Base(paths[1]))
}

func TestParseAgent_StripsByteOrderMark(t *testing.T) {
	content := "\uFEFF---\nmodel: openai:gpt-4o\n---\nbody"
	agent, err := ParseAgent("/proj/a.agentuse", content)
	require.NoError(t, err)
	assert.Equal(t, "body", agent.Instructions)
}
