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
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/agentuse/agentuse/pkg/config"
)

// skipDirs are never watched; sessions and stores churn constantly.
var skipDirs = map[string]bool{
	".git": true, ".agentuse": true, "node_modules": true, "vendor": true,
}

// watcher hot-reloads agent files and dotenv changes.
type watcher struct {
	fs     *fsnotify.Watcher
	server *Server
}

func newWatcher(s *Server) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{fs: fw, server: s}
	if err := w.addTree(s.cfg.ProjectRoot); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches dir and every non-skipped subdirectory.
func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			slog.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "error", err)
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	base := filepath.Base(event.Name)

	switch {
	case event.Op.Has(fsnotify.Create) && isDir(event.Name):
		if !skipDirs[base] {
			_ = w.addTree(event.Name)
		}

	case strings.HasSuffix(event.Name, config.AgentFileExt):
		removed := event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename)
		slog.Info("agent file changed", "path", event.Name, "op", event.Op.String())
		w.server.reloadAgent(event.Name, removed)

	case base == ".env" || strings.HasPrefix(base, ".env."):
		if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
			slog.Info("environment files changed, reloading")
			config.ReloadEnvFiles(w.server.cfg.ProjectRoot)
		}
	}
}

func (w *watcher) close() {
	_ = w.fs.Close()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
