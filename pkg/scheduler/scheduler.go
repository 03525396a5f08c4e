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

// Package scheduler fires agents on cron schedules. A single timer
// goroutine sleeps until the earliest due entry; mutation wakes it so
// hot-reloaded schedules take effect immediately. A schedule whose
// previous invocation is still running is skipped with a warning, not
// queued.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// FireFunc runs one scheduled agent. Invoked on its own goroutine.
type FireFunc func(ctx context.Context, agentPath string)

// Entry is a snapshot of one registered schedule.
type Entry struct {
	AgentPath string
	Expr      string
	NextFire  time.Time
}

type entry struct {
	expr     string
	schedule cron.Schedule
	next     time.Time
	running  bool
}

// Scheduler owns the schedule table and the timer goroutine.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry // keyed by agent path
	fire    FireFunc
	wake    chan struct{}
}

// New builds a scheduler. Call Start to begin firing.
func New(fire FireFunc) *Scheduler {
	return &Scheduler{
		entries: make(map[string]*entry),
		fire:    fire,
		wake:    make(chan struct{}, 1),
	}
}

var (
	standardParser = cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	secondsParser = cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// parseSpec accepts the standard 5-field form and the 6-field form
// with a leading seconds field.
func parseSpec(expr string) (cron.Schedule, error) {
	switch len(strings.Fields(expr)) {
	case 5:
		return standardParser.Parse(expr)
	case 6:
		return secondsParser.Parse(expr)
	default:
		return nil, fmt.Errorf("cron expression %q must have 5 or 6 fields", expr)
	}
}

// Add registers (or replaces) the schedule for an agent path.
func (s *Scheduler) Add(agentPath, expr string) error {
	schedule, err := parseSpec(expr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[agentPath] = &entry{
		expr:     expr,
		schedule: schedule,
		next:     schedule.Next(time.Now()),
	}
	s.mu.Unlock()
	s.poke()
	return nil
}

// Update reconciles an agent's schedule after a file change: an empty
// expression removes it, anything else replaces it.
func (s *Scheduler) Update(agentPath, expr string) error {
	if expr == "" {
		s.Remove(agentPath)
		return nil
	}
	return s.Add(agentPath, expr)
}

// Remove drops the schedule for an agent path, if present.
func (s *Scheduler) Remove(agentPath string) {
	s.mu.Lock()
	delete(s.entries, agentPath)
	s.mu.Unlock()
	s.poke()
}

// List returns the registered schedules, unordered.
func (s *Scheduler) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for path, e := range s.entries {
		out = append(out, Entry{AgentPath: path, Expr: e.expr, NextFire: e.next})
	}
	return out
}

// Len returns the number of registered schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start runs the timer loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next, ok := s.earliest()

		var timer *time.Timer
		var due <-chan time.Time
		if ok {
			timer = time.NewTimer(time.Until(next))
			due = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-due:
			s.fireDue(ctx, time.Now())
		}
	}
}

func (s *Scheduler) earliest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	for _, e := range s.entries {
		if next.IsZero() || e.next.Before(next) {
			next = e.next
		}
	}
	return next, !next.IsZero()
}

// fireDue launches every entry due at now and advances its next fire
// time. Entries still running from the previous fire are skipped.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		e.next = e.schedule.Next(now)
		if e.running {
			slog.Warn("skipping scheduled run, previous invocation still active",
				"agent", path, "schedule", e.expr)
			continue
		}
		e.running = true
		go func(e *entry, path string) {
			defer func() {
				s.mu.Lock()
				e.running = false
				s.mu.Unlock()
			}()
			s.fire(ctx, path)
		}(e, path)
	}
}

// poke wakes the timer loop after a table mutation.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
