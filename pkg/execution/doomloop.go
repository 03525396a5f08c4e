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

package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// DoomLoopMode selects what happens when repeated identical tool calls
// are detected.
type DoomLoopMode string

const (
	// DoomLoopWarn logs a warning and lets the call proceed.
	DoomLoopWarn DoomLoopMode = "warn"

	// DoomLoopError replies with a synthetic in-band tool error so the
	// model can change course.
	DoomLoopError DoomLoopMode = "error"

	// DoomLoopTerminate ends the run.
	DoomLoopTerminate DoomLoopMode = "terminate"
)

// DefaultDoomLoopThreshold is how many consecutive identical calls
// trip the detector.
const DefaultDoomLoopThreshold = 3

// doomLoopDetector keeps a sliding record of (tool name, argument
// fingerprint) pairs and reports when the most recent threshold calls
// are identical.
type doomLoopDetector struct {
	threshold int
	recent    []string
}

func newDoomLoopDetector(threshold int) *doomLoopDetector {
	if threshold <= 0 {
		threshold = DefaultDoomLoopThreshold
	}
	return &doomLoopDetector{threshold: threshold}
}

// Record adds a call and reports whether the loop threshold is now met.
func (d *doomLoopDetector) Record(name string, args map[string]any) bool {
	key := name + ":" + fingerprint(args)
	d.recent = append(d.recent, key)
	if len(d.recent) > d.threshold {
		d.recent = d.recent[1:]
	}
	if len(d.recent) < d.threshold {
		return false
	}
	for _, k := range d.recent {
		if k != key {
			return false
		}
	}
	return true
}

// fingerprint hashes the canonical JSON encoding of the arguments.
// encoding/json sorts map keys, so equal maps hash equally.
func fingerprint(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("unmarshalable")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
