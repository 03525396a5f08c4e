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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathValidator_Rules(t *testing.T) {
	root := t.TempDir()
	v := &PathValidator{
		ProjectRoot: root,
		Rules: []PathRule{
			{Pattern: "src/**", Permissions: []Permission{PermissionRead, PermissionWrite, PermissionEdit}},
			{Pattern: "docs/**/*.md", Permissions: []Permission{PermissionRead}},
		},
	}

	tests := []struct {
		name    string
		path    string
		perm    Permission
		allowed bool
	}{
		{"read in src", "src/main.go", PermissionRead, true},
		{"write in src", "src/deep/nested/file.go", PermissionWrite, true},
		{"read docs markdown", "docs/guide/intro.md", PermissionRead, true},
		{"write docs denied", "docs/guide/intro.md", PermissionWrite, false},
		{"outside any rule", "secrets/key.pem", PermissionRead, false},
		{"dotfile under src matches", "src/.hidden", PermissionRead, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := v.Validate(tt.path, tt.perm)
			if tt.allowed {
				require.NoError(t, err)
				assert.True(t, filepath.IsAbs(resolved))
			} else {
				assert.ErrorIs(t, err, ErrPathDenied)
			}
		})
	}
}

func TestPathValidator_EmptyConfigDeniesAll(t *testing.T) {
	v := &PathValidator{ProjectRoot: t.TempDir()}
	_, err := v.Validate("anything.txt", PermissionRead)
	assert.ErrorIs(t, err, ErrPathDenied)
}

func TestPathValidator_EnvFiles(t *testing.T) {
	root := t.TempDir()
	v := &PathValidator{
		ProjectRoot: root,
		Rules:       []PathRule{{Pattern: "**", Permissions: []Permission{PermissionRead, PermissionWrite}}},
	}

	tests := []struct {
		path    string
		allowed bool
	}{
		{".env", false},
		{".env.local", false},
		{".env.production", false},
		{"config/.env", false},
		{".env.example", true},
		{".env.sample", true},
		{".env.template", true},
		{"environment.txt", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := v.Validate(tt.path, PermissionRead)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrPathDenied)
			}
		})
	}
}

func TestPathValidator_SymlinkResolution(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "target.txt"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "src"), 0755))
	require.NoError(t, os.Symlink(filepath.Join(outside, "target.txt"), filepath.Join(root, "src", "link.txt")))

	v := &PathValidator{
		ProjectRoot: root,
		Rules:       []PathRule{{Pattern: "src/**", Permissions: []Permission{PermissionRead}}},
	}

	// The symlink target is outside src/, so the realpath fails the rule.
	_, err := v.Validate("src/link.txt", PermissionRead)
	assert.ErrorIs(t, err, ErrPathDenied)
}

func TestPathValidator_RootPlaceholder(t *testing.T) {
	root := t.TempDir()
	v := &PathValidator{
		ProjectRoot: root,
		Rules:       []PathRule{{Pattern: "${root}/data/**", Permissions: []Permission{PermissionWrite}}},
	}

	_, err := v.Validate("data/out.json", PermissionWrite)
	assert.NoError(t, err)

	_, err = v.Validate("other/out.json", PermissionWrite)
	assert.ErrorIs(t, err, ErrPathDenied)
}
