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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentuse/agentuse/pkg/config"
	"github.com/agentuse/agentuse/pkg/httpclient"
)

const (
	clientName      = "agentuse"
	protocolVersion = "2024-11-05"
	sseTimeout      = 5 * time.Minute
	clientVersion   = "0.1.0"
)

// toolInfo describes one tool exposed by a provider.
type toolInfo struct {
	Name        string
	Description string
	Schema      map[string]any
}

// resourceInfo describes one resource exposed by a provider.
type resourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// callOutcome is the provider-level result of a tool call.
type callOutcome struct {
	Text    string
	IsError bool
}

// mcpClient is the minimal provider interface; any transport (or test
// fake) can satisfy it.
type mcpClient interface {
	ListTools(ctx context.Context) ([]toolInfo, error)
	ListResources(ctx context.Context) ([]resourceInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*callOutcome, error)
	ReadResource(ctx context.Context, uri string) (string, error)
	Close() error
}

// baseEnvVars are always forwarded to stdio children.
var baseEnvVars = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR", "SHELL"}

// composeEnv builds the child environment for a stdio provider:
// minimal defaults from the ambient environment, the variables the
// spec's allowedEnvVars names, then literal env overrides.
func composeEnv(spec config.MCPServer) []string {
	vars := make(map[string]string)
	for _, name := range baseEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			vars[name] = v
		}
	}
	for _, name := range spec.AllowedEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			vars[name] = v
		}
	}
	for name, v := range spec.Env {
		vars[name] = v
	}

	env := make([]string, 0, len(vars))
	for name, v := range vars {
		env = append(env, name+"="+v)
	}
	return env
}

// stdioClient speaks MCP to a subprocess via mcp-go.
type stdioClient struct {
	client *client.Client
}

func newStdioClient(ctx context.Context, spec config.MCPServer) (*stdioClient, error) {
	mcpClient, err := client.NewStdioMCPClient(spec.Command, composeEnv(spec), spec.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	return &stdioClient{client: mcpClient}, nil
}

func (c *stdioClient) ListTools(ctx context.Context) ([]toolInfo, error) {
	resp, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	infos := make([]toolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		infos = append(infos, toolInfo{
			Name:        t.Name,
			Description: t.Description,
			Schema:      convertSchema(t.InputSchema),
		})
	}
	return infos, nil
}

func (c *stdioClient) ListResources(ctx context.Context) ([]resourceInfo, error) {
	resp, err := c.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		// Servers without resource support reject the method; treat
		// that as an empty listing.
		return nil, nil
	}
	infos := make([]resourceInfo, 0, len(resp.Resources))
	for _, r := range resp.Resources {
		infos = append(infos, resourceInfo{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		})
	}
	return infos, nil
}

func (c *stdioClient) CallTool(ctx context.Context, name string, args map[string]any) (*callOutcome, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return &callOutcome{Text: strings.Join(texts, "\n"), IsError: resp.IsError}, nil
}

func (c *stdioClient) ReadResource(ctx context.Context, uri string) (string, error) {
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri

	resp, err := c.client.ReadResource(ctx, req)
	if err != nil {
		return "", err
	}

	var texts []string
	for _, content := range resp.Contents {
		if tc, ok := content.(mcp.TextResourceContents); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

func (c *stdioClient) Close() error {
	return c.client.Close()
}

// httpMCPClient speaks JSON-RPC over HTTP, tolerating SSE-framed
// responses from streamable-http servers.
type httpMCPClient struct {
	http *httpclient.Client
	spec config.MCPServer

	mu        sync.Mutex
	sessionID string
	nextID    int
}

func newHTTPClient(ctx context.Context, spec config.MCPServer) (*httpMCPClient, error) {
	c := &httpMCPClient{
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		),
		spec:      spec,
		sessionID: spec.SessionID,
	}

	resp, err := c.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP init error: %s", resp.Error.Message)
	}
	return c, nil
}

func (c *httpMCPClient) ListTools(ctx context.Context) ([]toolInfo, error) {
	resp, err := c.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list: %s", resp.Error.Message)
	}

	var result struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, err
	}

	infos := make([]toolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		infos = append(infos, toolInfo{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	return infos, nil
}

func (c *httpMCPClient) ListResources(ctx context.Context) ([]resourceInfo, error) {
	resp, err := c.rpc(ctx, "resources/list", nil)
	if err != nil || resp.Error != nil {
		return nil, nil
	}
	var result struct {
		Resources []resourceInfo `json:"resources"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, nil
	}
	return result.Resources, nil
}

func (c *httpMCPClient) CallTool(ctx context.Context, name string, args map[string]any) (*callOutcome, error) {
	resp, err := c.rpc(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/call: %s", resp.Error.Message)
	}

	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, err
	}

	var texts []string
	for _, content := range result.Content {
		if content.Type == "text" {
			texts = append(texts, content.Text)
		}
	}
	return &callOutcome{Text: strings.Join(texts, "\n"), IsError: result.IsError}, nil
}

func (c *httpMCPClient) ReadResource(ctx context.Context, uri string) (string, error) {
	resp, err := c.rpc(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("resources/read: %s", resp.Error.Message)
	}

	var result struct {
		Contents []struct {
			Text string `json:"text"`
		} `json:"contents"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return "", err
	}

	var texts []string
	for _, content := range result.Contents {
		texts = append(texts, content.Text)
	}
	return strings.Join(texts, "\n"), nil
}

func (c *httpMCPClient) Close() error { return nil }

// JSON-RPC wire types.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func decodeResult(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty JSON-RPC result")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed JSON-RPC result: %w", err)
	}
	return nil
}

func (c *httpMCPClient) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	sessionID := c.sessionID
	c.mu.Unlock()

	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.spec.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if newSession := resp.Header.Get("mcp-session-id"); newSession != "" {
		c.mu.Lock()
		c.sessionID = newSession
		c.mu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body)
	}

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &rpcResp, nil
}

func (c *httpMCPClient) setAuth(req *http.Request) {
	auth := c.spec.Auth
	if auth == nil {
		return
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "custom":
		for k, v := range auth.Headers {
			req.Header.Set(k, v)
		}
	}
}

// readSSEResponse reads the first complete JSON-RPC message from an
// SSE-framed response body.
func readSSEResponse(body io.Reader) (*jsonRPCResponse, error) {
	reader := bufio.NewReader(body)
	var data strings.Builder
	deadline := time.Now().Add(sseTimeout)

	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("SSE read error: %w", err)
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
		case trimmed == "" && data.Len() > 0:
			var resp jsonRPCResponse
			if parseErr := json.Unmarshal([]byte(data.String()), &resp); parseErr == nil {
				return &resp, nil
			}
			data.Reset()
		}

		if err == io.EOF {
			break
		}
	}

	if data.Len() > 0 {
		var resp jsonRPCResponse
		if err := json.Unmarshal([]byte(data.String()), &resp); err == nil {
			return &resp, nil
		}
	}
	return nil, fmt.Errorf("SSE stream ended without a complete message")
}

// convertSchema flattens the mcp-go schema type into a plain map.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

