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
	"os"
	"strings"
)

// EnvRefSource says where an environment variable reference came from.
type EnvRefSource string

const (
	EnvSourceInline   EnvRefSource = "inline"
	EnvSourceRequired EnvRefSource = "requiredEnvVars"
	EnvSourceAllowed  EnvRefSource = "allowedEnvVars"
)

// EnvRef is one referenced variable plus its origin. Server is the MCP
// provider name for requiredEnvVars/allowedEnvVars references.
type EnvRef struct {
	Var    string
	Source EnvRefSource
	Server string
}

// EnvCheck is the pre-flight result. Inline and required references
// that are unset make the check invalid; allowed references are
// optional and only reported.
type EnvCheck struct {
	Valid           bool
	MissingRequired []EnvRef
	MissingOptional []EnvRef
}

// Describe renders the missing-variable report for humans.
func (c EnvCheck) Describe() string {
	if c.Valid {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("missing required environment variables:")
	for _, ref := range c.MissingRequired {
		sb.WriteString(fmt.Sprintf("\n  %s (%s", ref.Var, ref.Source))
		if ref.Server != "" {
			sb.WriteString(" of mcp server " + ref.Server)
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// CheckEnv validates every environment variable the agent references
// against the current process environment. It runs before any MCP
// provider is started.
func CheckEnv(a *Agent) EnvCheck {
	check := EnvCheck{Valid: true}

	unset := func(name string) bool {
		_, ok := os.LookupEnv(name)
		return !ok
	}

	for _, ref := range ExtractEnvRefs(a.Raw) {
		if !unset(ref.Name) {
			continue
		}
		// A reference with a :-default expands fine when unset.
		if ref.Defaulted {
			check.MissingOptional = append(check.MissingOptional,
				EnvRef{Var: ref.Name, Source: EnvSourceInline})
			continue
		}
		check.MissingRequired = append(check.MissingRequired,
			EnvRef{Var: ref.Name, Source: EnvSourceInline})
	}
	for server, spec := range a.Config.MCPServers {
		for _, name := range spec.RequiredEnvVars {
			if unset(name) {
				check.MissingRequired = append(check.MissingRequired,
					EnvRef{Var: name, Source: EnvSourceRequired, Server: server})
			}
		}
		for _, name := range spec.AllowedEnvVars {
			if unset(name) {
				check.MissingOptional = append(check.MissingOptional,
					EnvRef{Var: name, Source: EnvSourceAllowed, Server: server})
			}
		}
	}

	check.Valid = len(check.MissingRequired) == 0
	return check
}
