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

package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Permission is a filesystem capability requested by a tool.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionEdit  Permission = "edit"
)

// PathRule grants a set of permissions on paths matching a doublestar
// pattern. Patterns may use ~, ${root} and ${cwd}; relative patterns
// are anchored at the project root.
type PathRule struct {
	Pattern     string
	Permissions []Permission
}

func (r PathRule) grants(perm Permission) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

var ErrPathDenied = errors.New("path access denied")

// PathValidator validates a single path against the agent's filesystem
// rules. No rules means no access.
type PathValidator struct {
	Rules       []PathRule
	ProjectRoot string
}

// envFileAllowed lists .env suffixes that carry no secrets.
var envFileAllowed = map[string]bool{
	"example": true, "sample": true, "template": true,
}

// isProtectedEnvFile reports whether base names a dotenv file that must
// never be readable or writable, whatever the rules say.
func isProtectedEnvFile(base string) bool {
	if base == ".env" {
		return true
	}
	if suffix, ok := strings.CutPrefix(base, ".env."); ok {
		return !envFileAllowed[suffix]
	}
	return false
}

// Validate resolves path (symlinks included; the realpath is what gets
// matched) and checks it against the rules for the requested
// permission. Returns the resolved path on success.
func (v *PathValidator) Validate(path string, perm Permission) (string, error) {
	root := resolveSymlinks(filepath.Clean(v.ProjectRoot))

	expanded, err := v.expand(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(root, expanded)
	}
	resolved := resolveSymlinks(filepath.Clean(expanded))

	if isProtectedEnvFile(filepath.Base(resolved)) {
		return "", fmt.Errorf("%w: %s files hold secrets", ErrPathDenied, filepath.Base(resolved))
	}

	for _, rule := range v.Rules {
		if !rule.grants(perm) {
			continue
		}
		pattern, err := v.expand(rule.Pattern)
		if err != nil {
			continue
		}
		pattern = strings.ReplaceAll(pattern, v.ProjectRoot, root)
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(root, pattern)
		}
		matched, err := doublestar.Match(pattern, resolved)
		if err != nil {
			return "", fmt.Errorf("invalid path pattern %q: %w", rule.Pattern, err)
		}
		if matched {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: no rule grants %s on %s", ErrPathDenied, perm, resolved)
}

// expand substitutes ~, ${root} and ${cwd}.
func (v *PathValidator) expand(s string) (string, error) {
	if s == "~" || strings.HasPrefix(s, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding ~: %w", err)
		}
		s = filepath.Join(home, strings.TrimPrefix(s, "~"))
	}
	if strings.Contains(s, "${root}") {
		s = strings.ReplaceAll(s, "${root}", v.ProjectRoot)
	}
	if strings.Contains(s, "${cwd}") {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("expanding ${cwd}: %w", err)
		}
		s = strings.ReplaceAll(s, "${cwd}", cwd)
	}
	return s, nil
}
