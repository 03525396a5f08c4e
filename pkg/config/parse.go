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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// AgentFileExt is the extension agent files carry.
const AgentFileExt = ".agentuse"

var (
	ErrNoFrontMatter = errors.New("agent file has no front-matter header")
	ErrMissingModel  = errors.New("agent file is missing the model key")
)

// ParseAgentFile reads and parses one agent file. Env references stay
// unexpanded; call EffectiveConfig once the env policy has passed.
func ParseAgentFile(path string) (*Agent, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading agent file: %w", err)
	}
	return ParseAgent(abs, string(data))
}

// ParseAgent parses agent file content. path is used for the name, the
// agent id, and resolving relative sub-agent references.
func ParseAgent(path, content string) (*Agent, error) {
	header, body, err := splitFrontMatter(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal([]byte(header), &raw); err != nil {
		return nil, fmt.Errorf("%s: parsing front-matter: %w", path, err)
	}

	// mcp_servers predates mcpServers and still parses, with a nag.
	if legacy, ok := raw["mcp_servers"]; ok {
		slog.Warn("mcp_servers is deprecated, use mcpServers", "agent", path)
		if _, exists := raw["mcpServers"]; !exists {
			raw["mcpServers"] = legacy
		}
		delete(raw, "mcp_servers")
	}

	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrMissingModel)
	}
	if _, _, err := ParseModelRef(cfg.Model); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for name, srv := range cfg.MCPServers {
		if srv.Command == "" && srv.URL == "" {
			return nil, fmt.Errorf("%s: mcp server %q needs a command or a url", path, name)
		}
	}
	for i, sub := range cfg.SubAgents {
		if sub.Path == "" {
			return nil, fmt.Errorf("%s: subagent %d is missing a path", path, i)
		}
	}

	name := SanitizeName(strings.TrimSuffix(filepath.Base(path), AgentFileExt))
	return &Agent{
		Name:         name,
		Path:         path,
		Instructions: strings.TrimSpace(body),
		Config:       cfg,
		Raw:          raw,
	}, nil
}

// EffectiveConfig expands every ${env:VAR} reference in the agent's
// front-matter and returns the resulting typed config. Missing
// variables error here; the env policy reports them more helpfully
// before this runs.
func (a *Agent) EffectiveConfig() (*Config, error) {
	expanded, err := ExpandData(a.Raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.Path, err)
	}
	cfg, err := decodeConfig(expanded.(map[string]any))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.Path, err)
	}
	return &cfg, nil
}

func decodeConfig(raw map[string]any) (Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, fmt.Errorf("decoding front-matter: %w", err)
	}
	return cfg, nil
}

// splitFrontMatter separates the YAML header between --- fences from
// the markdown body.
func splitFrontMatter(content string) (header, body string, err error) {
	content = strings.TrimPrefix(content, "\ufeff")
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return "", "", ErrNoFrontMatter
	}
	rest := content[strings.IndexByte(content, '\n')+1:]
	for _, fence := range []string{"\n---\n", "\n---\r\n"} {
		if i := strings.Index(rest, fence); i >= 0 {
			return rest[:i], rest[i+len(fence):], nil
		}
	}
	if strings.HasSuffix(rest, "\n---") {
		return strings.TrimSuffix(rest, "\n---"), "", nil
	}
	return "", "", errors.New("front-matter is not terminated")
}

// DiscoverAgents walks root for *.agentuse files, skipping dot
// directories and node_modules.
func DiscoverAgents(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			base := d.Name()
			if path != root && (strings.HasPrefix(base, ".") || base == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) == AgentFileExt {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovering agents under %s: %w", root, err)
	}
	return paths, nil
}
