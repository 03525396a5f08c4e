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

// Command agentuse runs and serves .agentuse agent files.
//
// Usage:
//
//	agentuse run assistant.agentuse --prompt "summarize the repo"
//	agentuse serve --port 4280
//	agentuse serve ps
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/agentuse/agentuse/pkg/logger"
	"github.com/agentuse/agentuse/pkg/worker"
)

// CLI defines the command-line interface.
type CLI struct {
	Run     RunCmd     `cmd:"" help:"Run an agent file once."`
	Serve   ServeCmd   `cmd:"" help:"Serve the project's agents over HTTP."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	LogLevel string `help:"Log level (debug, info, warn, error)." env:"AGENTUSE_LOG_LEVEL" default:"info"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("agentuse version %s\n", buildVersion())
	return nil
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// signalContext cancels on SIGINT/SIGTERM. interrupted reports whether
// a signal arrived, for the 130 exit code.
func signalContext() (ctx context.Context, interrupted func() bool) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	got := make(chan struct{})
	go func() {
		<-sigCh
		close(got)
		cancel()
	}()

	return ctx, func() bool {
		select {
		case <-got:
			return true
		default:
			return false
		}
	}
}

func main() {
	// The worker child is an implementation detail, spawned by serve
	// as `agentuse --internal-worker`. It never reaches kong.
	for _, arg := range os.Args[1:] {
		if arg == "--internal-worker" {
			logger.Init(logger.ParseLevel(os.Getenv("AGENTUSE_LOG_LEVEL")), os.Stderr, "simple")
			ctx, _ := signalContext()
			if err := worker.ServeStdio(ctx); err != nil {
				slog.Error("worker loop failed", "error", err)
				os.Exit(1)
			}
			return
		}
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("agentuse"),
		kong.Description("agentuse - run markdown-defined AI agents"),
		kong.UsageOnError(),
	)

	logger.Init(logger.ParseLevel(cli.LogLevel), os.Stderr, "simple")

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
