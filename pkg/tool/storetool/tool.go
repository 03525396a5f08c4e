// Copyright 2025 The AgentUse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storetool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentuse/agentuse/pkg/tool"
	"github.com/agentuse/agentuse/pkg/tool/functiontool"
)

// DefaultStore is used when the model names no store.
const DefaultStore = "default"

// Config wires the store tools to a project and agent.
type Config struct {
	ProjectRoot string
	AgentName   string

	// AllowedStores restricts which store names the agent may open.
	// Empty means only DefaultStore.
	AllowedStores []string
}

// New returns the five store built-ins.
func New(cfg Config) []tool.Tool {
	return []tool.Tool{
		newCreate(cfg), newGet(cfg), newUpdate(cfg), newDelete(cfg), newList(cfg),
	}
}

func (c Config) open(name string) (*Store, *tool.Error) {
	if name == "" {
		name = DefaultStore
	}
	allowed := name == DefaultStore
	for _, s := range c.AllowedStores {
		if s == name {
			allowed = true
		}
	}
	if !allowed {
		return nil, &tool.Error{
			Type:    tool.ErrorValidation,
			Message: fmt.Sprintf("store %q is not available to this agent", name),
		}
	}
	return Open(c.ProjectRoot, name, c.AgentName), nil
}

func itemJSON(item Item) string {
	data, _ := json.MarshalIndent(item, "", "  ")
	return string(data)
}

func storeResult(err error) *tool.Result {
	return tool.ErrorResult(tool.Classify(err))
}

type createArgs struct {
	Store  string         `json:"store,omitempty" jsonschema:"description=Store name (default when omitted)"`
	Type   string         `json:"type,omitempty" jsonschema:"description=Item type"`
	Title  string         `json:"title,omitempty" jsonschema:"description=Item title"`
	Status string         `json:"status,omitempty" jsonschema:"description=Item status"`
	Data   map[string]any `json:"data,omitempty" jsonschema:"description=Arbitrary item payload"`
	Tags   []string       `json:"tags,omitempty" jsonschema:"description=Item tags"`
	Parent string         `json:"parentId,omitempty" jsonschema:"description=Parent item id"`
}

func newCreate(cfg Config) tool.Tool {
	return functiontool.MustNew(functiontool.Config{
		Name:        "store_create",
		Description: "Create an item in the agent store.",
	}, func(ctx context.Context, args createArgs) (*tool.Result, error) {
		store, terr := cfg.open(args.Store)
		if terr != nil {
			return tool.ErrorResult(terr), nil
		}
		item, err := store.Create(Item{
			Type: args.Type, Title: args.Title, Status: args.Status,
			Data: args.Data, Tags: args.Tags, ParentID: args.Parent,
		})
		if err != nil {
			return storeResult(err), nil
		}
		return &tool.Result{Content: itemJSON(item), Metadata: map[string]any{"id": item.ID}}, nil
	})
}

type idArgs struct {
	Store string `json:"store,omitempty" jsonschema:"description=Store name (default when omitted)"`
	ID    string `json:"id" jsonschema:"required,description=Item id"`
}

func newGet(cfg Config) tool.Tool {
	return functiontool.MustNew(functiontool.Config{
		Name:        "store_get",
		Description: "Fetch one item from the agent store by id.",
	}, func(ctx context.Context, args idArgs) (*tool.Result, error) {
		store, terr := cfg.open(args.Store)
		if terr != nil {
			return tool.ErrorResult(terr), nil
		}
		item, err := store.Get(args.ID)
		if err != nil {
			return storeResult(err), nil
		}
		return &tool.Result{Content: itemJSON(item)}, nil
	})
}

type updateArgs struct {
	Store  string         `json:"store,omitempty" jsonschema:"description=Store name (default when omitted)"`
	ID     string         `json:"id" jsonschema:"required,description=Item id"`
	Type   *string        `json:"type,omitempty" jsonschema:"description=New type"`
	Title  *string        `json:"title,omitempty" jsonschema:"description=New title"`
	Status *string        `json:"status,omitempty" jsonschema:"description=New status"`
	Data   map[string]any `json:"data,omitempty" jsonschema:"description=Replacement payload"`
	Tags   []string       `json:"tags,omitempty" jsonschema:"description=Replacement tags"`
}

func newUpdate(cfg Config) tool.Tool {
	return functiontool.MustNew(functiontool.Config{
		Name:        "store_update",
		Description: "Update fields of an item in the agent store.",
	}, func(ctx context.Context, args updateArgs) (*tool.Result, error) {
		store, terr := cfg.open(args.Store)
		if terr != nil {
			return tool.ErrorResult(terr), nil
		}
		item, err := store.Update(args.ID, Patch{
			Type: args.Type, Title: args.Title, Status: args.Status,
			Data: args.Data, Tags: args.Tags,
		})
		if err != nil {
			return storeResult(err), nil
		}
		return &tool.Result{Content: itemJSON(item)}, nil
	})
}

func newDelete(cfg Config) tool.Tool {
	return functiontool.MustNew(functiontool.Config{
		Name:        "store_delete",
		Description: "Delete an item from the agent store.",
	}, func(ctx context.Context, args idArgs) (*tool.Result, error) {
		store, terr := cfg.open(args.Store)
		if terr != nil {
			return tool.ErrorResult(terr), nil
		}
		if err := store.Delete(args.ID); err != nil {
			return storeResult(err), nil
		}
		return &tool.Result{Content: "deleted " + args.ID}, nil
	})
}

type listArgs struct {
	Store  string `json:"store,omitempty" jsonschema:"description=Store name (default when omitted)"`
	Type   string `json:"type,omitempty" jsonschema:"description=Filter by type"`
	Status string `json:"status,omitempty" jsonschema:"description=Filter by status"`
	Tag    string `json:"tag,omitempty" jsonschema:"description=Filter by tag"`
}

func newList(cfg Config) tool.Tool {
	return functiontool.MustNew(functiontool.Config{
		Name:        "store_list",
		Description: "List items in the agent store, optionally filtered.",
	}, func(ctx context.Context, args listArgs) (*tool.Result, error) {
		store, terr := cfg.open(args.Store)
		if terr != nil {
			return tool.ErrorResult(terr), nil
		}
		items, err := store.List(Filter{Type: args.Type, Status: args.Status, Tag: args.Tag})
		if err != nil {
			return storeResult(err), nil
		}
		if items == nil {
			items = []Item{}
		}
		data, _ := json.MarshalIndent(items, "", "  ")
		return &tool.Result{
			Content:  string(data),
			Metadata: map[string]any{"count": len(items)},
		}, nil
	})
}
