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

// Package server exposes agents over HTTP: POST /run executes an
// agent through the worker process, GET /health and GET /metrics serve
// operations. A file watcher hot-reloads agent files and their cron
// schedules, and the process registers itself for `serve ps`.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentuse/agentuse/pkg/config"
	"github.com/agentuse/agentuse/pkg/registry"
	"github.com/agentuse/agentuse/pkg/scheduler"
	"github.com/agentuse/agentuse/pkg/worker"
)

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 10 * time.Second

// Executor forwards a run to the worker child. *worker.Pool is the
// production implementation.
type Executor interface {
	Execute(ctx context.Context, req worker.Request) (*worker.Result, error)
}

// Config configures the server.
type Config struct {
	Host        string
	Port        int
	ProjectRoot string

	// AuthToken protects POST /run. Required for non-loopback hosts
	// unless NoAuth is set.
	AuthToken string
	NoAuth    bool

	Version string
}

// Server is the HTTP front end plus its scheduler, watcher and
// registry bookkeeping.
type Server struct {
	cfg     Config
	exec    Executor
	sched   *scheduler.Scheduler
	reg     *registry.Registry
	metrics *metrics
	httpSrv *http.Server
	watcher *watcher

	mu         sync.Mutex
	agentCount int
}

// New validates the configuration and assembles the server. The
// worker pool is injected so tests can fake execution.
func New(cfg Config, exec Executor, reg *registry.Registry) (*Server, error) {
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	cfg.ProjectRoot = root

	if !isLoopback(cfg.Host) && cfg.AuthToken == "" && !cfg.NoAuth {
		return nil, fmt.Errorf("binding to %s requires an auth token (or --no-auth)", cfg.Host)
	}

	s := &Server{
		cfg:     cfg,
		exec:    exec,
		reg:     reg,
		metrics: newMetrics(),
	}
	s.sched = scheduler.New(s.fireScheduled)
	return s, nil
}

// Handler builds the router. Exposed for httptest-based tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", s.metrics.handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/run", s.handleRun)
	})
	return r
}

// Start loads the project's agents, begins serving, and blocks until
// ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if err := s.loadAgents(); err != nil {
		return err
	}

	w, err := newWatcher(s)
	if err != nil {
		slog.Warn("file watching disabled", "error", err)
	} else {
		s.watcher = w
		go w.run(ctx)
	}

	s.sched.Start(ctx)
	s.registerProcess()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "project", s.cfg.ProjectRoot)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.teardown()
		return err
	case <-ctx.Done():
		s.shutdown()
		return nil
	}
}

func (s *Server) shutdown() {
	slog.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
	s.teardown()
}

func (s *Server) teardown() {
	if s.watcher != nil {
		s.watcher.close()
	}
	if s.reg != nil {
		_ = s.reg.Deregister(os.Getpid())
	}
}

// loadAgents discovers the project's agent files and registers their
// schedules.
func (s *Server) loadAgents() error {
	paths, err := config.DiscoverAgents(s.cfg.ProjectRoot)
	if err != nil {
		return fmt.Errorf("discovering agents: %w", err)
	}
	count := 0
	for _, path := range paths {
		agent, err := config.ParseAgentFile(path)
		if err != nil {
			slog.Warn("skipping unparseable agent", "path", path, "error", err)
			continue
		}
		count++
		if agent.Config.Schedule != "" {
			if err := s.sched.Add(path, agent.Config.Schedule); err != nil {
				slog.Warn("invalid schedule", "path", path, "error", err)
			}
		}
	}
	s.mu.Lock()
	s.agentCount = count
	s.mu.Unlock()
	slog.Info("agents loaded", "count", count, "scheduled", s.sched.Len())
	return nil
}

// reloadAgent reconciles one changed agent file with the scheduler.
func (s *Server) reloadAgent(path string, removed bool) {
	if removed {
		s.sched.Remove(path)
		s.bumpAgentCount(-1)
		s.registerProcess()
		return
	}
	agent, err := config.ParseAgentFile(path)
	if err != nil {
		slog.Warn("agent no longer parses, schedule removed", "path", path, "error", err)
		s.sched.Remove(path)
		return
	}
	if err := s.sched.Update(path, agent.Config.Schedule); err != nil {
		slog.Warn("invalid schedule", "path", path, "error", err)
	}
	s.registerProcess()
}

func (s *Server) bumpAgentCount(delta int) {
	s.mu.Lock()
	s.agentCount += delta
	if s.agentCount < 0 {
		s.agentCount = 0
	}
	s.mu.Unlock()
}

// fireScheduled runs one scheduled agent through the worker.
func (s *Server) fireScheduled(ctx context.Context, agentPath string) {
	s.metrics.scheduledFires.Inc()
	slog.Info("scheduled run", "agent", agentPath)

	start := time.Now()
	_, err := s.exec.Execute(ctx, worker.Request{
		AgentPath:   agentPath,
		ProjectRoot: s.cfg.ProjectRoot,
	})
	s.metrics.observeRun(time.Since(start), err == nil)
	if err != nil {
		slog.Error("scheduled run failed", "agent", agentPath, "error", err)
	}
}

func (s *Server) registerProcess() {
	if s.reg == nil {
		return
	}
	s.mu.Lock()
	agents := s.agentCount
	s.mu.Unlock()
	err := s.reg.Update(registry.Record{
		PID:           os.Getpid(),
		Port:          s.cfg.Port,
		Host:          s.cfg.Host,
		ProjectRoot:   s.cfg.ProjectRoot,
		StartTime:     time.Now().UTC(),
		AgentCount:    agents,
		ScheduleCount: s.sched.Len(),
		Version:       s.cfg.Version,
	})
	if err != nil {
		slog.Warn("failed to update server registry", "error", err)
	}
}

// requireAuth enforces the bearer token when one is configured.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func isLoopback(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
