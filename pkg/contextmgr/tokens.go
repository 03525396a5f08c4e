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

package contextmgr

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/agentuse/agentuse/pkg/message"
)

// tokensPerMessage is the per-message framing overhead in the chat
// format, plus 3 tokens priming the reply.
const tokensPerMessage = 3

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.Mutex
)

// TokenCounter counts tokens for a conversation buffer. When a BPE
// encoding is available for the model it counts exactly; otherwise it
// estimates at four characters per token. Loading an encoding may hit
// the network, so failures are tolerated rather than surfaced.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter builds a counter for the given model name. An empty
// model name, or any encoding load failure, yields a heuristic counter.
func NewTokenCounter(model string) *TokenCounter {
	if model == "" {
		return &TokenCounter{}
	}

	encodingMu.Lock()
	defer encodingMu.Unlock()
	if enc, ok := encodingCache[model]; ok {
		return &TokenCounter{enc: enc}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// cl100k_base approximates well enough for non-OpenAI models.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &TokenCounter{}
		}
	}
	encodingCache[model] = enc
	return &TokenCounter{enc: enc}
}

// Count returns the token count for the buffer, including per-message
// chat framing overhead when counting exactly.
func (tc *TokenCounter) Count(msgs []message.Message) int {
	if tc == nil || tc.enc == nil {
		return estimate(msgs)
	}

	total := tokensPerMessage // reply priming
	for _, msg := range msgs {
		total += tokensPerMessage
		total += len(tc.enc.Encode(string(msg.Role), nil, nil))
		for _, p := range msg.Parts {
			if p.Text != "" {
				total += len(tc.enc.Encode(p.Text, nil, nil))
			}
			if p.Output != "" {
				total += len(tc.enc.Encode(p.Output, nil, nil))
			}
			if p.ToolName != "" {
				total += len(tc.enc.Encode(p.ToolName, nil, nil))
			}
			for k, v := range p.Input {
				total += len(tc.enc.Encode(k, nil, nil))
				if s, ok := v.(string); ok {
					total += len(tc.enc.Encode(s, nil, nil))
				}
			}
		}
	}
	return total
}
