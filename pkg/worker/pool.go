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
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// readyTimeout bounds how long a freshly spawned child may take to
// signal readiness.
const readyTimeout = 15 * time.Second

// child is one spawned worker process, or a test substitute.
type child struct {
	stdin io.WriteCloser
	kill  func()
}

// SpawnFunc starts a worker child and returns its stdio ends plus a
// kill function. Injectable so pool tests run against in-process pipes.
type SpawnFunc func(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, kill func(), err error)

// Pool manages the single worker child: spawn, ready handshake,
// request dispatch and response demultiplexing. A dead child fails all
// pending requests with WORKER_DIED and is respawned lazily on the
// next request.
type Pool struct {
	spawn SpawnFunc

	mu      sync.Mutex
	proc    *child
	ready   bool
	pending map[string]chan *Response
}

// NewPool builds a pool that respawns the running executable with the
// hidden worker flag.
func NewPool() *Pool {
	return &Pool{spawn: spawnSelf, pending: make(map[string]chan *Response)}
}

// NewPoolWithSpawn builds a pool with a custom spawner. Used in tests.
func NewPoolWithSpawn(spawn SpawnFunc) *Pool {
	return &Pool{spawn: spawn, pending: make(map[string]chan *Response)}
}

func spawnSelf(ctx context.Context) (io.WriteCloser, io.ReadCloser, func(), error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("locating executable: %w", err)
	}
	cmd := exec.CommandContext(ctx, exe, "--internal-worker")
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("spawning worker: %w", err)
	}
	kill := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	return stdin, stdout, kill, nil
}

// Start spawns the child and waits for the ready handshake.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked(ctx)
}

func (p *Pool) startLocked(ctx context.Context) error {
	if p.proc != nil {
		return nil
	}
	stdin, stdout, kill, err := p.spawn(ctx)
	if err != nil {
		return err
	}
	p.proc = &child{stdin: stdin, kill: kill}
	p.ready = false

	readyCh := make(chan struct{})
	go p.readLoop(stdout, readyCh)

	p.mu.Unlock()
	defer p.mu.Lock()
	select {
	case <-readyCh:
		return nil
	case <-time.After(readyTimeout):
		p.shutdown()
		return &Error{Code: CodeWorkerDied, Message: "worker did not become ready"}
	case <-ctx.Done():
		p.shutdown()
		return ctx.Err()
	}
}

// readLoop demultiplexes child responses to their pending requests.
// It owns the child's exit handling: when stdout closes, every pending
// request resolves with WORKER_DIED.
func (p *Pool) readLoop(stdout io.ReadCloser, readyCh chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	signaled := false
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			slog.Warn("worker sent undecodable line", "error", err)
			continue
		}
		if resp.Type == typeReady {
			p.mu.Lock()
			p.ready = true
			p.mu.Unlock()
			if !signaled {
				signaled = true
				close(readyCh)
			}
			continue
		}
		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		if ok {
			delete(p.pending, resp.ID)
		}
		p.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	p.mu.Lock()
	p.proc = nil
	p.ready = false
	pending := p.pending
	p.pending = make(map[string]chan *Response)
	p.mu.Unlock()

	for id, ch := range pending {
		ch <- &Response{
			ID:      id,
			Success: false,
			Error:   &ErrorInfo{Code: CodeWorkerDied, Message: "worker process exited"},
		}
	}
}

// Execute forwards one run to the child and waits for its response.
// The deadline is the run timeout plus a grace period; cancelling ctx
// sends a cancel message so the child can interrupt the stream.
func (p *Pool) Execute(ctx context.Context, req Request) (*Result, error) {
	req.Type = typeExecute
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	timeout := DefaultRunTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	ch := make(chan *Response, 1)

	p.mu.Lock()
	if err := p.startLocked(ctx); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.proc == nil {
		// The child died between the handshake and now.
		p.mu.Unlock()
		return nil, &Error{Code: CodeWorkerDied, Message: "worker process exited"}
	}
	p.pending[req.ID] = ch
	stdin := p.proc.stdin
	p.mu.Unlock()

	if err := p.send(stdin, req); err != nil {
		p.mu.Lock()
		delete(p.pending, req.ID)
		p.mu.Unlock()
		return nil, &Error{Code: CodeWorkerDied, Message: err.Error()}
	}

	timer := time.NewTimer(timeout + responseGrace)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.Success {
			info := resp.Error
			if info == nil {
				info = &ErrorInfo{Code: CodeInternalError, Message: "worker sent no error detail"}
			}
			return nil, &Error{Code: info.Code, Message: info.Message}
		}
		return resp.Result, nil

	case <-timer.C:
		p.abandon(req.ID, stdin)
		return nil, &Error{Code: CodeTimeout, Message: "worker did not respond in time"}

	case <-ctx.Done():
		p.abandon(req.ID, stdin)
		return nil, ctx.Err()
	}
}

// abandon drops a pending request and tells the child to cancel it.
func (p *Pool) abandon(id string, stdin io.Writer) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
	_ = p.send(stdin, Request{ID: id, Type: typeCancel})
}

func (p *Pool) send(stdin io.Writer, req Request) error {
	line, err := encodeLine(req)
	if err != nil {
		return err
	}
	_, err = stdin.Write(line)
	return err
}

// Close kills the child, failing any in-flight requests.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown()
}

func (p *Pool) shutdown() {
	if p.proc == nil {
		return
	}
	_ = p.proc.stdin.Close()
	if p.proc.kill != nil {
		p.proc.kill()
	}
	p.proc = nil
	p.ready = false
}
