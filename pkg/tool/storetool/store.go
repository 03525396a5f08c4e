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

// Package storetool implements the agent-scoped JSON item store and
// the store_* built-ins over it.
//
// One store is a directory <project>/.agentuse/store/<name> holding
// items.json and a lock file. The lock serializes writers across
// processes; the same process may reacquire it.
package storetool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
)

const documentVersion = 1

// ErrLocked means another live process holds the store lock.
var ErrLocked = errors.New("store is locked by another process")

// ErrItemNotFound means no item has the requested id.
var ErrItemNotFound = errors.New("item not found")

// Item is one stored record.
type Item struct {
	ID        string         `json:"id"`
	Type      string         `json:"type,omitempty"`
	Title     string         `json:"title,omitempty"`
	Status    string         `json:"status,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	ParentID  string         `json:"parentId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	CreatedBy string         `json:"createdBy"`
}

type document struct {
	Version int    `json:"version"`
	Items   []Item `json:"items"`
}

type lockInfo struct {
	PID   int    `json:"pid"`
	Agent string `json:"agent"`
}

// Store is one named item store. Safe for concurrent use within a
// process; the lock file guards against other processes.
type Store struct {
	dir   string
	agent string
}

// Open returns the store named name under projectRoot, creating its
// directory on first write. agent is recorded as createdBy and in the
// lock file.
func Open(projectRoot, name, agent string) *Store {
	return &Store{
		dir:   filepath.Join(projectRoot, ".agentuse", "store", name),
		agent: agent,
	}
}

// Create appends a new item and returns it with id and timestamps set.
func (s *Store) Create(item Item) (Item, error) {
	now := time.Now().UTC()
	item.ID = ulid.Make().String()
	item.CreatedAt = now
	item.UpdatedAt = now
	item.CreatedBy = s.agent

	err := s.mutate(func(doc *document) error {
		doc.Items = append(doc.Items, item)
		return nil
	})
	return item, err
}

// Get returns the item with the given id.
func (s *Store) Get(id string) (Item, error) {
	doc, err := s.load()
	if err != nil {
		return Item{}, err
	}
	for _, item := range doc.Items {
		if item.ID == id {
			return item, nil
		}
	}
	return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
}

// Patch carries the mutable fields of an update; nil pointers leave
// the current value alone.
type Patch struct {
	Type   *string
	Title  *string
	Status *string
	Data   map[string]any
	Tags   []string
}

// Update applies a patch to the item with the given id.
func (s *Store) Update(id string, patch Patch) (Item, error) {
	var updated Item
	err := s.mutate(func(doc *document) error {
		for i := range doc.Items {
			if doc.Items[i].ID != id {
				continue
			}
			item := &doc.Items[i]
			if patch.Type != nil {
				item.Type = *patch.Type
			}
			if patch.Title != nil {
				item.Title = *patch.Title
			}
			if patch.Status != nil {
				item.Status = *patch.Status
			}
			if patch.Data != nil {
				item.Data = patch.Data
			}
			if patch.Tags != nil {
				item.Tags = patch.Tags
			}
			item.UpdatedAt = time.Now().UTC()
			updated = *item
			return nil
		}
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	})
	return updated, err
}

// Delete removes the item with the given id.
func (s *Store) Delete(id string) error {
	return s.mutate(func(doc *document) error {
		for i := range doc.Items {
			if doc.Items[i].ID == id {
				doc.Items = append(doc.Items[:i], doc.Items[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	})
}

// Filter narrows List results; zero values match everything.
type Filter struct {
	Type   string
	Status string
	Tag    string
}

// List returns the items matching the filter, in insertion order
// (ulid ids make that creation order).
func (s *Store) List(f Filter) ([]Item, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []Item
	for _, item := range doc.Items {
		if f.Type != "" && item.Type != f.Type {
			continue
		}
		if f.Status != "" && item.Status != f.Status {
			continue
		}
		if f.Tag != "" && !contains(item.Tags, f.Tag) {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func contains(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (s *Store) itemsPath() string { return filepath.Join(s.dir, "items.json") }
func (s *Store) lockPath() string  { return filepath.Join(s.dir, "lock") }

func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.itemsPath())
	if errors.Is(err, os.ErrNotExist) {
		return &document{Version: documentVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing store: %w", err)
	}
	return &doc, nil
}

// mutate acquires the lock, applies fn, and writes atomically.
func (s *Store) mutate(fn func(*document) error) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating store dir: %w", err)
	}
	release, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.writeAtomic(doc)
}

// acquireLock takes the lock file. A lock held by this process is
// reacquired; one held by a dead process is stolen.
func (s *Store) acquireLock() (func(), error) {
	release := func() { _ = os.Remove(s.lockPath()) }
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			data, _ := json.Marshal(lockInfo{PID: os.Getpid(), Agent: s.agent})
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				release()
				return nil, errors.Join(werr, cerr)
			}
			return release, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquiring store lock: %w", err)
		}

		data, rerr := os.ReadFile(s.lockPath())
		if rerr != nil {
			// Holder released between our attempts; retry.
			continue
		}
		var info lockInfo
		if json.Unmarshal(data, &info) == nil {
			if info.PID == os.Getpid() {
				// Same-process reacquisition: keep the existing file
				// and do not remove it on release.
				return func() {}, nil
			}
			if !pidAlive(info.PID) {
				_ = os.Remove(s.lockPath())
				continue
			}
		}
		return nil, fmt.Errorf("%w (pid %d, agent %s)", ErrLocked, info.PID, info.Agent)
	}
	return nil, ErrLocked
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// writeAtomic does the temp-file-and-rename dance in the store dir.
func (s *Store) writeAtomic(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "items-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.itemsPath()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing store: %w", err)
	}
	return nil
}
