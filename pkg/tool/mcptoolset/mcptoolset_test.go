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

package mcptoolset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuse/agentuse/pkg/config"
	"github.com/agentuse/agentuse/pkg/tool"
)

// fakeClient satisfies mcpClient for supervisor tests.
type fakeClient struct {
	tools     []toolInfo
	resources []resourceInfo
	callErr   error
	outcome   *callOutcome
	closed    bool
}

func (f *fakeClient) ListTools(ctx context.Context) ([]toolInfo, error)         { return f.tools, nil }
func (f *fakeClient) ListResources(ctx context.Context) ([]resourceInfo, error) { return f.resources, nil }
func (f *fakeClient) Close() error                                              { f.closed = true; return nil }

func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (*callOutcome, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.outcome != nil {
		return f.outcome, nil
	}
	return &callOutcome{Text: "ok"}, nil
}

func (f *fakeClient) ReadResource(ctx context.Context, uri string) (string, error) {
	return "contents of " + uri, nil
}

func newFakeSupervisor(name string, c mcpClient, tools []toolInfo) *Supervisor {
	return &Supervisor{
		providers: map[string]*provider{
			name: {name: name, client: c, tools: tools},
		},
		errs: map[string]error{},
	}
}

func TestRegisterPrefixesToolNames(t *testing.T) {
	fc := &fakeClient{}
	s := newFakeSupervisor("github", fc, []toolInfo{
		{Name: "create_issue", Description: "Creates an issue"},
		{Name: "get_issue", Description: "Gets an issue"},
	})

	set := tool.NewSet()
	require.NoError(t, s.Register(set))

	names := set.Names()
	sort.Strings(names)
	assert.Equal(t, []string{
		"github_create_issue",
		"github_get_issue",
		"github_list_resources",
		"github_read_resource",
	}, names)
}

func TestCallForwardsToProvider(t *testing.T) {
	fc := &fakeClient{outcome: &callOutcome{Text: "issue #12 created"}}
	s := newFakeSupervisor("github", fc, []toolInfo{{Name: "create_issue"}})

	set := tool.NewSet()
	require.NoError(t, s.Register(set))

	tl, ok := set.Get("github_create_issue")
	require.True(t, ok)

	res, err := tl.Call(context.Background(), map[string]any{"title": "bug"})
	require.NoError(t, err)
	assert.Equal(t, "issue #12 created", res.Content)
	assert.False(t, res.IsError)
}

func TestCallServerErrorIsInBand(t *testing.T) {
	fc := &fakeClient{outcome: &callOutcome{Text: "repo not accessible", IsError: true}}
	s := newFakeSupervisor("github", fc, []toolInfo{{Name: "create_issue"}})

	set := tool.NewSet()
	require.NoError(t, s.Register(set))

	tl, _ := set.Get("github_create_issue")
	res, err := tl.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, tool.ErrorServer, res.Error.Type)
}

func TestCallTransportErrorPropagates(t *testing.T) {
	fc := &fakeClient{callErr: fmt.Errorf("connection refused")}
	s := newFakeSupervisor("github", fc, []toolInfo{{Name: "create_issue"}})

	set := tool.NewSet()
	require.NoError(t, s.Register(set))

	tl, _ := set.Get("github_create_issue")
	_, err := tl.Call(context.Background(), nil)
	assert.Error(t, err)
}

func TestResourceTools(t *testing.T) {
	fc := &fakeClient{resources: []resourceInfo{{URI: "doc://readme", Name: "README"}}}
	s := newFakeSupervisor("docs", fc, nil)

	set := tool.NewSet()
	require.NoError(t, s.Register(set))

	list, _ := set.Get("docs_list_resources")
	res, err := list.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, res.Content, "doc://readme")

	read, _ := set.Get("docs_read_resource")
	res, err = read.Call(context.Background(), map[string]any{"uri": "doc://readme"})
	require.NoError(t, err)
	assert.Equal(t, "contents of doc://readme", res.Content)

	res, err = read.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, tool.ErrorValidation, res.Error.Type)
}

func TestCloseClosesEveryClient(t *testing.T) {
	fc := &fakeClient{}
	s := newFakeSupervisor("github", fc, nil)

	set := tool.NewSet()
	require.NoError(t, s.Register(set))
	set.Close()

	assert.True(t, fc.closed)
}

func TestComposeEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("GITHUB_TOKEN", "secret")
	t.Setenv("UNRELATED_VAR", "nope")

	env := composeEnv(config.MCPServer{
		Command:        "server",
		AllowedEnvVars: []string{"GITHUB_TOKEN"},
		Env:            map[string]string{"MODE": "test"},
	})

	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "PATH=/usr/bin")
	assert.Contains(t, joined, "GITHUB_TOKEN=secret")
	assert.Contains(t, joined, "MODE=test")
	assert.NotContains(t, joined, "UNRELATED_VAR")
}

func TestHTTPClientRoundTrip(t *testing.T) {
	var sawAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")

		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": protocolVersion}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{
				{"name": "search", "description": "Searches", "inputSchema": map[string]any{"type": "object"}},
			}}
		case "tools/call":
			result = map[string]any{"content": []map[string]any{
				{"type": "text", "text": "found it"},
			}}
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}

		data, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: data})
	}))
	defer server.Close()

	c, err := newHTTPClient(context.Background(), config.MCPServer{
		URL:  server.URL,
		Auth: &config.MCPAuth{Type: "bearer", Token: "tok123"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", sawAuth)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)

	outcome, err := c.CallTool(context.Background(), "search", map[string]any{"q": "x"})
	require.NoError(t, err)
	assert.Equal(t, "found it", outcome.Text)
	assert.False(t, outcome.IsError)
}

func TestHTTPClientSSEResponse(t *testing.T) {
	payload := `{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05"}}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
	}))
	defer server.Close()

	_, err := newHTTPClient(context.Background(), config.MCPServer{URL: server.URL})
	require.NoError(t, err)
}

func TestStartAllPartialFailure(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		var result any = map[string]any{"protocolVersion": protocolVersion}
		if req.Method == "tools/list" {
			result = map[string]any{"tools": []map[string]any{{"name": "ping"}}}
		}
		data, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: data})
	}))
	defer good.Close()

	s := StartAll(context.Background(), map[string]config.MCPServer{
		"good": {URL: good.URL},
		"bad":  {URL: "http://127.0.0.1:1/nope"},
	})
	defer s.Close()

	errs := s.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs, "bad")

	set := tool.NewSet()
	require.NoError(t, s.Register(set))
	_, ok := set.Get("good_ping")
	assert.True(t, ok)
}
