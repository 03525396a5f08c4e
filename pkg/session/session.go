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

// Package session persists execution records to local disk.
//
// Layout: <project>/.agentuse/sessions/<agentId>/<sessionId>/ with
// info.json for metadata and messages/<msgId>.json for the ordered
// message log. Sessions are append-only while running; completion is a
// final metadata update. Every file write is atomic (temp file in the
// same directory, then rename), so a crash leaves either the old or
// the new contents, never a partial file.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentuse/agentuse/pkg/message"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Info is the session metadata persisted as info.json.
type Info struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agentId"`
	AgentPath       string         `json:"agentPath"`
	ParentSessionID string         `json:"parentSessionId,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	Status          Status         `json:"status"`
	Error           string         `json:"error,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
}

// MessageRecord is one persisted message.
type MessageRecord struct {
	ID     string          `json:"id"`
	Time   time.Time       `json:"time"`
	Role   message.Role    `json:"role"`
	Parts  []message.Part  `json:"parts"`
	Tokens int             `json:"tokens,omitempty"`
}

// Store manages sessions under one project root.
type Store struct {
	root string
}

// NewStore creates a store rooted at
// <projectRoot>/.agentuse/sessions/.
func NewStore(projectRoot string) *Store {
	return &Store{root: filepath.Join(projectRoot, ".agentuse", "sessions")}
}

// Session is one open (or loaded) session.
type Session struct {
	dir  string
	info Info
}

// Open creates a new running session for the given agent.
// parentSessionID may be empty; sub-agent runs pass the caller's id.
func (s *Store) Open(agentID, agentPath, parentSessionID string, config map[string]any) (*Session, error) {
	id := ulid.Make().String()
	dir := filepath.Join(s.root, agentID, id)
	if err := os.MkdirAll(filepath.Join(dir, "messages"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	sess := &Session{
		dir: dir,
		info: Info{
			ID:              id,
			AgentID:         agentID,
			AgentPath:       agentPath,
			ParentSessionID: parentSessionID,
			StartedAt:       time.Now().UTC(),
			Status:          StatusRunning,
			Config:          config,
		},
	}
	if err := sess.writeInfo(); err != nil {
		return nil, err
	}
	return sess, nil
}

// ID returns the session id.
func (sess *Session) ID() string { return sess.info.ID }

// Info returns a copy of the session metadata.
func (sess *Session) Info() Info { return sess.info }

// AppendMessage persists one message. Ids are ulids, so lexical order
// is append order.
func (sess *Session) AppendMessage(msg message.Message, tokens int) error {
	rec := MessageRecord{
		ID:     ulid.Make().String(),
		Time:   time.Now().UTC(),
		Role:   msg.Role,
		Parts:  msg.Parts,
		Tokens: tokens,
	}
	path := filepath.Join(sess.dir, "messages", rec.ID+".json")
	return writeJSONAtomic(path, rec)
}

// Complete marks the session finished. Status must not be
// StatusRunning; the error string is recorded for failed runs.
func (sess *Session) Complete(status Status, errMsg string) error {
	if status == StatusRunning {
		return fmt.Errorf("cannot complete a session with status %q", status)
	}
	now := time.Now().UTC()
	sess.info.Status = status
	sess.info.CompletedAt = &now
	sess.info.Error = errMsg
	return sess.writeInfo()
}

func (sess *Session) writeInfo() error {
	return writeJSONAtomic(filepath.Join(sess.dir, "info.json"), sess.info)
}

// Load reads a session and its ordered message log.
func (s *Store) Load(agentID, sessionID string) (*Session, []MessageRecord, error) {
	dir := filepath.Join(s.root, agentID, sessionID)
	cleanStaleTemp(dir)

	data, err := os.ReadFile(filepath.Join(dir, "info.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read session info: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, nil, fmt.Errorf("corrupt session info: %w", err)
	}

	msgDir := filepath.Join(dir, "messages")
	cleanStaleTemp(msgDir)
	entries, err := os.ReadDir(msgDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("failed to read messages: %w", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	records := make([]MessageRecord, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(msgDir, name))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read message %s: %w", name, err)
		}
		var rec MessageRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, nil, fmt.Errorf("corrupt message %s: %w", name, err)
		}
		records = append(records, rec)
	}

	return &Session{dir: dir, info: info}, records, nil
}

// List returns the session infos for one agent, newest first.
func (s *Store) List(agentID string) ([]Info, error) {
	dir := filepath.Join(s.root, agentID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name(), "info.json"))
		if err != nil {
			continue
		}
		var info Info
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID > infos[j].ID })
	return infos, nil
}

// Messages converts persisted records back into the conversation form
// used by the execution core.
func Messages(records []MessageRecord) []message.Message {
	msgs := make([]message.Message, len(records))
	for i, rec := range records {
		msgs[i] = message.Message{Role: rec.Role, Parts: rec.Parts}
	}
	return msgs
}

// writeJSONAtomic writes v as JSON via a temp file in the same
// directory followed by a rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// cleanStaleTemp removes temp files left by a crash.
func cleanStaleTemp(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}
