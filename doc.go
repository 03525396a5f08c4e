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

// Package agentuse is a runtime for AI agents defined as markdown files.
//
// An agent is a single .agentuse file: YAML frontmatter selecting the
// model, tools and policies, followed by a markdown body used as the
// system prompt.
//
//	---
//	model: anthropic:claude-sonnet-4
//	tools:
//	  bash:
//	    commands: ["git status", "git log *"]
//	---
//
//	You summarize the state of a git repository.
//
// Run an agent directly:
//
//	agentuse run reviewer.agentuse -p "Summarize the last week"
//
// Or serve every agent in a project over HTTP, with cron schedules and
// hot reload:
//
//	agentuse serve --dir ./agents
//
// The packages under pkg/ are usable as a library; pkg/runner is the
// entry point that ties parsing, models, tools and sessions together.
package agentuse
