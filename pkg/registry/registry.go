// Copyright 2025 The AgentUse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry records running servers in the user state
// directory so `serve ps` can list them. Entries are one JSON file per
// pid; files whose pid is no longer alive are removed lazily on read.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
)

// Record describes one running server.
type Record struct {
	PID           int       `json:"pid"`
	Port          int       `json:"port"`
	Host          string    `json:"host"`
	ProjectRoot   string    `json:"projectRoot"`
	StartTime     time.Time `json:"startTime"`
	AgentCount    int       `json:"agentCount"`
	ScheduleCount int       `json:"scheduleCount"`
	Version       string    `json:"version"`
}

// Registry reads and writes server records in one directory.
type Registry struct {
	dir string
}

// New opens the default registry under the XDG state directory.
func New() *Registry {
	return NewAt(filepath.Join(xdg.StateHome, "agentuse", "servers"))
}

// NewAt opens a registry rooted at dir. Used in tests.
func NewAt(dir string) *Registry {
	return &Registry{dir: dir}
}

// Register writes the record for rec.PID. Call Deregister on shutdown.
func (r *Registry) Register(rec Record) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("creating registry dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path(rec.PID), data, 0o644)
}

// Update rewrites an existing record, for counts that change at
// runtime (hot-reloaded agents and schedules).
func (r *Registry) Update(rec Record) error {
	return r.Register(rec)
}

// Deregister removes the record for pid. Missing files are fine: a
// crashed server never gets to clean up.
func (r *Registry) Deregister(pid int) error {
	err := os.Remove(r.path(pid))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// List returns records for live processes, sorted by start time.
// Records whose pid is dead are deleted as a side effect.
func (r *Registry) List() ([]Record, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		full := filepath.Join(r.dir, name)
		if !pidAlive(pid) {
			os.Remove(full)
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			// A truncated record is as good as stale.
			os.Remove(full)
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *Registry) path(pid int) string {
	return filepath.Join(r.dir, strconv.Itoa(pid)+".json")
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
