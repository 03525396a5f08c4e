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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentuse/agentuse/pkg/config"
	"github.com/agentuse/agentuse/pkg/worker"
)

// Error codes on the HTTP surface.
const (
	codeUnauthorized   = "UNAUTHORIZED"
	codeInvalidRequest = "INVALID_REQUEST"
	codeMissingField   = "MISSING_FIELD"
	codeAgentNotFound  = "AGENT_NOT_FOUND"
	codeInvalidPath    = "INVALID_PATH"
	codeEnvMissing     = "ENV_MISSING"
	codeInternalError  = "INTERNAL_ERROR"
)

const ndjsonContentType = "application/x-ndjson"

type runRequest struct {
	// Agent is the agent file path relative to the project root.
	Agent string `json:"agent"`

	Prompt   string `json:"prompt,omitempty"`
	Model    string `json:"model,omitempty"`
	Timeout  int    `json:"timeout,omitempty"`
	MaxSteps int    `json:"maxSteps,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, codeMissingField, "agent is required")
		return
	}

	agentPath, ok := s.resolveAgent(req.Agent)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidPath, "agent path escapes the project root")
		return
	}
	if _, err := os.Stat(agentPath); err != nil {
		writeError(w, http.StatusNotFound, codeAgentNotFound, "agent not found: "+req.Agent)
		return
	}

	// Env pre-flight here gives a readable error instead of a failed
	// worker run.
	if agent, err := config.ParseAgentFile(agentPath); err == nil {
		if check := config.CheckEnv(agent); !check.Valid {
			writeError(w, http.StatusInternalServerError, codeEnvMissing, check.Describe())
			return
		}
	}

	streaming := strings.Contains(r.Header.Get("Accept"), ndjsonContentType)

	start := time.Now()
	result, err := s.exec.Execute(r.Context(), worker.Request{
		AgentPath:   agentPath,
		ProjectRoot: s.cfg.ProjectRoot,
		Prompt:      req.Prompt,
		Model:       req.Model,
		Timeout:     req.Timeout,
		MaxSteps:    req.MaxSteps,
	})
	s.metrics.observeRun(time.Since(start), err == nil)

	if err != nil {
		if r.Context().Err() != nil {
			// The client is gone; the run was aborted on its behalf.
			slog.Debug("run aborted by client disconnect", "agent", req.Agent)
			return
		}
		code, status := classifyExecuteError(err)
		if streaming {
			writeStreamError(w, code, err.Error())
			return
		}
		writeError(w, status, code, err.Error())
		return
	}

	if streaming {
		writeStreamResult(w, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// resolveAgent joins the relative agent path to the project root and
// rejects escapes.
func (s *Server) resolveAgent(rel string) (string, bool) {
	joined := filepath.Join(s.cfg.ProjectRoot, rel)
	resolved, err := filepath.Abs(joined)
	if err != nil {
		return "", false
	}
	root := s.cfg.ProjectRoot + string(filepath.Separator)
	if resolved != s.cfg.ProjectRoot && !strings.HasPrefix(resolved, root) {
		return "", false
	}
	return resolved, true
}

func classifyExecuteError(err error) (code string, status int) {
	var werr *worker.Error
	if errors.As(err, &werr) {
		switch werr.Code {
		case worker.CodeTimeout:
			return werr.Code, http.StatusGatewayTimeout
		case worker.CodeAgentNotFound:
			return werr.Code, http.StatusNotFound
		case worker.CodeEnvMissing:
			return werr.Code, http.StatusInternalServerError
		case worker.CodeWorkerDied:
			return werr.Code, http.StatusBadGateway
		default:
			return werr.Code, http.StatusInternalServerError
		}
	}
	return codeInternalError, http.StatusInternalServerError
}

// streamEvent is one NDJSON line of a streaming response.
type streamEvent struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	Duration int64       `json:"duration,omitempty"`
	Error    *errorBody  `json:"error,omitempty"`
	Result   *workerMeta `json:"result,omitempty"`
}

// workerMeta is the finish payload's run summary.
type workerMeta struct {
	FinishReason string `json:"finishReason"`
	Tokens       int    `json:"tokens"`
	ToolCalls    int    `json:"toolCalls"`
	SessionID    string `json:"sessionId,omitempty"`
}

func writeStreamResult(w http.ResponseWriter, result *worker.Result) {
	w.Header().Set("Content-Type", ndjsonContentType)
	enc := json.NewEncoder(w)
	_ = enc.Encode(streamEvent{Type: "text", Text: result.Text})
	_ = enc.Encode(streamEvent{
		Type:     "finish",
		Duration: result.DurationMS,
		Result: &workerMeta{
			FinishReason: result.FinishReason,
			Tokens:       result.Tokens,
			ToolCalls:    result.ToolCalls,
			SessionID:    result.SessionID,
		},
	})
	flush(w)
}

func writeStreamError(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", ndjsonContentType)
	_ = json.NewEncoder(w).Encode(streamEvent{
		Type:  "error",
		Error: &errorBody{Code: code, Message: message},
	})
	flush(w)
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]*errorBody{
		"error": {Code: code, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
