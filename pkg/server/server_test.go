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

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuse/agentuse/pkg/worker"
)

// fakeExecutor records requests and returns a scripted result.
type fakeExecutor struct {
	mu       sync.Mutex
	requests []worker.Request
	result   *worker.Result
	err      error
}

func (f *fakeExecutor) Execute(ctx context.Context, req worker.Request) (*worker.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &worker.Result{Text: "ok", FinishReason: "stop", DurationMS: 12}, nil
}

func (f *fakeExecutor) last() worker.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func writeAgentFile(t *testing.T, root, name, extra string) string {
	t.Helper()
	content := "---\nmodel: anthropic:claude-sonnet-4\n" + extra + "---\n\nDo work.\n"
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestServer(t *testing.T, cfg Config, exec Executor) (*Server, *httptest.Server) {
	t.Helper()
	if exec == nil {
		exec = &fakeExecutor{}
	}
	s, err := New(cfg, exec, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postRun(t *testing.T, url string, body any, header map[string]string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url+"/run", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestRunEndpoint(t *testing.T) {
	root := t.TempDir()
	writeAgentFile(t, root, "worker.agentuse", "")
	exec := &fakeExecutor{result: &worker.Result{
		Text: "hello from agent", FinishReason: "stop", DurationMS: 33, Tokens: 15, ToolCalls: 2,
	}}
	_, ts := newTestServer(t, Config{ProjectRoot: root}, exec)

	resp := postRun(t, ts.URL, map[string]any{
		"agent":    "worker.agentuse",
		"prompt":   "go",
		"maxSteps": 5,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result worker.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "hello from agent", result.Text)
	assert.Equal(t, 2, result.ToolCalls)

	got := exec.last()
	assert.Equal(t, filepath.Join(root, "worker.agentuse"), got.AgentPath)
	assert.Equal(t, root, got.ProjectRoot)
	assert.Equal(t, "go", got.Prompt)
	assert.Equal(t, 5, got.MaxSteps)
}

func TestRunValidation(t *testing.T) {
	root := t.TempDir()
	writeAgentFile(t, root, "a.agentuse", "")
	_, ts := newTestServer(t, Config{ProjectRoot: root}, nil)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "missing agent field", body: map[string]any{"prompt": "x"},
			wantStatus: http.StatusBadRequest, wantCode: codeMissingField},
		{name: "path escape", body: map[string]any{"agent": "../../etc/passwd.agentuse"},
			wantStatus: http.StatusBadRequest, wantCode: codeInvalidPath},
		{name: "agent absent", body: map[string]any{"agent": "ghost.agentuse"},
			wantStatus: http.StatusNotFound, wantCode: codeAgentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postRun(t, ts.URL, tt.body, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, decodeError(t, resp).Code)
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/run", "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, codeInvalidRequest, decodeError(t, resp).Code)
	})
}

func TestRunEnvPreflight(t *testing.T) {
	root := t.TempDir()
	writeAgentFile(t, root, "a.agentuse", "description: \"needs ${env:SERVER_TEST_ABSENT}\"\n")
	exec := &fakeExecutor{}
	_, ts := newTestServer(t, Config{ProjectRoot: root}, exec)

	resp := postRun(t, ts.URL, map[string]any{"agent": "a.agentuse"}, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	e := decodeError(t, resp)
	assert.Equal(t, codeEnvMissing, e.Code)
	assert.Contains(t, e.Message, "SERVER_TEST_ABSENT")
	assert.Empty(t, exec.requests)
}

func TestRunWorkerErrorMapping(t *testing.T) {
	root := t.TempDir()
	writeAgentFile(t, root, "a.agentuse", "")
	exec := &fakeExecutor{err: &worker.Error{Code: worker.CodeTimeout, Message: "too slow"}}
	_, ts := newTestServer(t, Config{ProjectRoot: root}, exec)

	resp := postRun(t, ts.URL, map[string]any{"agent": "a.agentuse"}, nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, worker.CodeTimeout, decodeError(t, resp).Code)
}

func TestRunStreaming(t *testing.T) {
	root := t.TempDir()
	writeAgentFile(t, root, "a.agentuse", "")
	exec := &fakeExecutor{result: &worker.Result{
		Text: "streamed text", FinishReason: "stop", DurationMS: 77, Tokens: 9,
	}}
	_, ts := newTestServer(t, Config{ProjectRoot: root}, exec)

	resp := postRun(t, ts.URL, map[string]any{"agent": "a.agentuse"},
		map[string]string{"Accept": ndjsonContentType})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ndjsonContentType, resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var events []streamEvent
	for scanner.Scan() {
		var e streamEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "text", events[0].Type)
	assert.Equal(t, "streamed text", events[0].Text)
	assert.Equal(t, "finish", events[1].Type)
	assert.Equal(t, int64(77), events[1].Duration)
	assert.Equal(t, 9, events[1].Result.Tokens)
}

func TestRunStreamingError(t *testing.T) {
	root := t.TempDir()
	writeAgentFile(t, root, "a.agentuse", "")
	exec := &fakeExecutor{err: &worker.Error{Code: worker.CodeWorkerDied, Message: "gone"}}
	_, ts := newTestServer(t, Config{ProjectRoot: root}, exec)

	resp := postRun(t, ts.URL, map[string]any{"agent": "a.agentuse"},
		map[string]string{"Accept": ndjsonContentType})

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var e streamEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &e))
	assert.Equal(t, "error", e.Type)
	assert.Equal(t, worker.CodeWorkerDied, e.Error.Code)
}

func TestAuth(t *testing.T) {
	root := t.TempDir()
	writeAgentFile(t, root, "a.agentuse", "")
	_, ts := newTestServer(t, Config{ProjectRoot: root, AuthToken: "sekrit"}, nil)

	resp := postRun(t, ts.URL, map[string]any{"agent": "a.agentuse"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, codeUnauthorized, decodeError(t, resp).Code)

	resp = postRun(t, ts.URL, map[string]any{"agent": "a.agentuse"},
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postRun(t, ts.URL, map[string]any{"agent": "a.agentuse"},
		map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open.
	health, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestNewRejectsNonLoopbackWithoutToken(t *testing.T) {
	_, err := New(Config{Host: "0.0.0.0", ProjectRoot: t.TempDir()}, &fakeExecutor{}, nil)
	require.Error(t, err)

	_, err = New(Config{Host: "0.0.0.0", ProjectRoot: t.TempDir(), NoAuth: true}, &fakeExecutor{}, nil)
	assert.NoError(t, err)

	_, err = New(Config{Host: "127.0.0.1", ProjectRoot: t.TempDir()}, &fakeExecutor{}, nil)
	assert.NoError(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	root := t.TempDir()
	writeAgentFile(t, root, "a.agentuse", "")
	_, ts := newTestServer(t, Config{ProjectRoot: root}, nil)

	postRun(t, ts.URL, map[string]any{"agent": "a.agentuse"}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "agentuse_runs_total")
	assert.Contains(t, string(body), "agentuse_run_duration_seconds")
}

func TestReloadAgentSchedules(t *testing.T) {
	root := t.TempDir()
	s, _ := newTestServer(t, Config{ProjectRoot: root}, nil)

	path := writeAgentFile(t, root, "cron.agentuse", "schedule: \"*/5 * * * *\"\n")
	s.reloadAgent(path, false)
	assert.Equal(t, 1, s.sched.Len())

	// Dropping the schedule key deregisters it.
	writeAgentFile(t, root, "cron.agentuse", "")
	s.reloadAgent(path, false)
	assert.Zero(t, s.sched.Len())

	// Removal deregisters too.
	writeAgentFile(t, root, "cron.agentuse", "schedule: \"*/5 * * * *\"\n")
	s.reloadAgent(path, false)
	require.Equal(t, 1, s.sched.Len())
	s.reloadAgent(path, true)
	assert.Zero(t, s.sched.Len())
}

func TestWatcherPicksUpNewAgent(t *testing.T) {
	root := t.TempDir()
	s, _ := newTestServer(t, Config{ProjectRoot: root}, nil)

	w, err := newWatcher(s)
	require.NoError(t, err)
	t.Cleanup(w.close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.run(ctx)

	writeAgentFile(t, root, "late.agentuse", "schedule: \"0 * * * *\"\n")
	require.Eventually(t, func() bool { return s.sched.Len() == 1 },
		3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(root, "late.agentuse")))
	require.Eventually(t, func() bool { return s.sched.Len() == 0 },
		3*time.Second, 20*time.Millisecond)
}

func TestLoadAgentsCountsAndSchedules(t *testing.T) {
	root := t.TempDir()
	writeAgentFile(t, root, "one.agentuse", "")
	writeAgentFile(t, root, "sub/two.agentuse", "schedule: \"0 0 * * *\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.agentuse"),
		[]byte("---\ndescription: missing model\n---\nbody\n"), 0o644))

	s, _ := newTestServer(t, Config{ProjectRoot: root}, nil)
	require.NoError(t, s.loadAgents())
	assert.Equal(t, 2, s.agentCount)
	assert.Equal(t, 1, s.sched.Len())
}
