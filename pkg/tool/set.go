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
	"fmt"
	"io"
	"regexp"
	"sort"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Set holds the tools available to one execution. Names are unique;
// Add rejects duplicates. The set owns the lifecycle of tools that
// need closing (MCP connections, sub-agent resources).
type Set struct {
	tools   map[string]Tool
	order   []string
	closers []io.Closer
}

// NewSet returns an empty tool set.
func NewSet() *Set {
	return &Set{tools: map[string]Tool{}}
}

// Add registers a tool. Duplicate or malformed names error.
func (s *Set) Add(t Tool) error {
	name := t.Name()
	if !validName.MatchString(name) {
		return fmt.Errorf("tool name %q contains characters outside [A-Za-z0-9_-]", name)
	}
	if _, exists := s.tools[name]; exists {
		return fmt.Errorf("duplicate tool name %q", name)
	}
	s.tools[name] = t
	s.order = append(s.order, name)
	return nil
}

// AddCloser registers a resource to close when the set shuts down.
func (s *Set) AddCloser(c io.Closer) {
	s.closers = append(s.closers, c)
}

// Get looks a tool up by name.
func (s *Set) Get(name string) (Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (s *Set) Names() []string {
	names := make([]string, len(s.order))
	copy(names, s.order)
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (s *Set) Len() int { return len(s.order) }

// Definitions returns the model-facing definitions in registration
// order.
func (s *Set) Definitions() []Definition {
	defs := make([]Definition, 0, len(s.order))
	for _, name := range s.order {
		defs = append(defs, ToDefinition(s.tools[name]))
	}
	return defs
}

// Close releases every registered resource, swallowing individual
// close errors. Safe to call more than once.
func (s *Set) Close() {
	for _, c := range s.closers {
		_ = c.Close()
	}
	s.closers = nil
}
