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

package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentuse/agentuse/pkg/runner"
)

// Serve is the worker child loop: announce readiness, then execute
// newline-delimited requests from in and answer on out. Stdout belongs
// to the protocol; all logging must go to stderr, which the slog
// default already does.
//
// Serve returns when in closes or ctx is cancelled.
func Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	w := &server{out: out, cancels: make(map[string]context.CancelFunc)}

	if err := w.write(Response{Type: typeReady, Success: true}); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			slog.Warn("undecodable worker request", "error", err)
			continue
		}
		switch req.Type {
		case typeExecute:
			go w.execute(ctx, req)
		case typeCancel:
			w.cancel(req.ID)
		default:
			slog.Warn("unknown worker request type", "type", req.Type)
		}
	}
	return scanner.Err()
}

// ServeStdio runs Serve on the process's own stdio. Invoked by the
// hidden --internal-worker flag.
func ServeStdio(ctx context.Context) error {
	return Serve(ctx, os.Stdin, os.Stdout)
}

type server struct {
	mu      sync.Mutex
	out     io.Writer
	cancels map[string]context.CancelFunc
}

func (w *server) execute(ctx context.Context, req Request) {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancels[req.ID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.cancels, req.ID)
		w.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	result, err := w.run(runCtx, req)
	if err != nil {
		w.fail(req.ID, err)
		return
	}

	if err := w.write(Response{
		ID:      req.ID,
		Success: true,
		Result: &Result{
			Text:         result.Text,
			FinishReason: result.FinishReason,
			DurationMS:   time.Since(start).Milliseconds(),
			Tokens:       result.Tokens,
			ToolCalls:    result.ToolCalls,
			SessionID:    result.SessionID,
		},
	}); err != nil {
		slog.Error("failed to write worker response", "id", req.ID, "error", err)
	}
}

func (w *server) run(ctx context.Context, req Request) (*runner.Result, error) {
	r, err := runner.New(req.ProjectRoot)
	if err != nil {
		return nil, err
	}
	opts := runner.Options{
		Prompt:        req.Prompt,
		ModelOverride: req.Model,
		MaxSteps:      req.MaxSteps,
	}
	if req.Timeout > 0 {
		opts.Timeout = time.Duration(req.Timeout) * time.Second
	}
	return r.Run(ctx, req.AgentPath, opts)
}

func (w *server) cancel(id string) {
	w.mu.Lock()
	cancel, ok := w.cancels[id]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

func (w *server) fail(id string, err error) {
	info := &ErrorInfo{Code: classifyRunError(err), Message: err.Error()}
	if werr := w.write(Response{ID: id, Success: false, Error: info}); werr != nil {
		slog.Error("failed to write worker response", "id", id, "error", werr)
	}
}

// write serializes concurrent response writers onto the single stdout.
func (w *server) write(resp Response) error {
	line, err := encodeLine(resp)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(line)
	return err
}

func classifyRunError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, os.ErrNotExist):
		return CodeAgentNotFound
	case strings.Contains(err.Error(), "environment validation failed"):
		return CodeEnvMissing
	default:
		return CodeExecutionError
	}
}
