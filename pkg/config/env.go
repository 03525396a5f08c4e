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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/joho/godotenv"
)

// envRefPattern matches ${env:VAR} with an optional :-default suffix.
var envRefPattern = regexp.MustCompile(`\$\{env:([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandString substitutes every ${env:VAR} reference in s from the
// process environment. A reference without a default whose variable is
// unset is an error.
func ExpandString(s string) (string, error) {
	var missing []string
	expanded := envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		groups := envRefPattern.FindStringSubmatch(ref)
		name, hasDefault, fallback := groups[1], groups[2] != "", groups[3]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		if hasDefault {
			return fallback
		}
		missing = append(missing, name)
		return ref
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variables not set: %v", missing)
	}
	return expanded, nil
}

// ExpandData recursively expands env references in maps, slices and
// strings, returning a new value of the same shape.
func ExpandData(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return ExpandString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			expanded, err := ExpandData(item)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			expanded, err := ExpandData(item)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}

// InlineRef is a ${env:VAR} reference found in the front-matter.
// Defaulted is true only when every occurrence of the variable carries
// a :-default, making it optional at expansion time.
type InlineRef struct {
	Name      string
	Defaulted bool
}

// ExtractEnvRefs collects the variables referenced as ${env:VAR}
// anywhere inside v, sorted by name and deduplicated.
func ExtractEnvRefs(v any) []InlineRef {
	defaulted := map[string]bool{}
	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, m := range envRefPattern.FindAllStringSubmatch(val, -1) {
				name, hasDefault := m[1], m[2] != ""
				if prev, seen := defaulted[name]; seen {
					defaulted[name] = prev && hasDefault
				} else {
					defaulted[name] = hasDefault
				}
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(v)
	refs := make([]InlineRef, 0, len(defaulted))
	for name, d := range defaulted {
		refs = append(refs, InlineRef{Name: name, Defaulted: d})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs
}

// LoadEnvFiles loads .env.local then .env from the project root into
// the process environment. Existing variables win; missing files are
// fine.
func LoadEnvFiles(root string) {
	for _, name := range []string{".env.local", ".env"} {
		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			slog.Warn("failed to load env file", "path", path, "error", err)
		} else {
			slog.Debug("loaded env file", "path", path)
		}
	}
}

// ReloadEnvFiles re-reads the env files, letting file values override
// the current environment. Used by the watcher when .env changes.
func ReloadEnvFiles(root string) {
	for _, name := range []string{".env.local", ".env"} {
		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			slog.Warn("failed to reload env file", "path", path, "error", err)
		}
	}
}

// APIKeyEnvVar names the conventional API key variable for a provider.
func APIKeyEnvVar(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	default:
		return ""
	}
}

// ResolveAPIKey reads the provider's API key from the environment.
func ResolveAPIKey(provider string) (string, error) {
	name := APIKeyEnvVar(provider)
	if name == "" {
		return "", fmt.Errorf("unknown model provider %q", provider)
	}
	key := os.Getenv(name)
	if key == "" {
		return "", fmt.Errorf("%s is not set", name)
	}
	return key, nil
}
