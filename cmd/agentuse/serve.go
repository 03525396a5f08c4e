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

package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/agentuse/agentuse/pkg/config"
	"github.com/agentuse/agentuse/pkg/logger"
	"github.com/agentuse/agentuse/pkg/registry"
	"github.com/agentuse/agentuse/pkg/server"
	"github.com/agentuse/agentuse/pkg/worker"
)

// ServeCmd starts the HTTP server for a project directory.
type ServeCmd struct {
	Ps PsCmd `cmd:"" help:"List running servers."`

	Port      int    `help:"Port to listen on." default:"4280"`
	Host      string `help:"Host to bind." default:"127.0.0.1"`
	Directory string `short:"d" help:"Project directory." default:"." type:"path"`
	Debug     bool   `help:"Enable debug logging."`
	NoAuth    bool   `name:"no-auth" help:"Allow non-loopback binding without a token."`
	AuthToken string `name:"auth-token" help:"Bearer token for POST /run." env:"AGENTUSE_AUTH_TOKEN"`
}

func (c *ServeCmd) Run() error {
	if c.Debug {
		logger.Init(logger.ParseLevel("debug"), os.Stderr, "simple")
	}
	config.LoadEnvFiles(c.Directory)

	pool := worker.NewPool()
	defer pool.Close()

	ctx, _ := signalContext()
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	srv, err := server.New(server.Config{
		Host:        c.Host,
		Port:        c.Port,
		ProjectRoot: c.Directory,
		AuthToken:   c.AuthToken,
		NoAuth:      c.NoAuth,
		Version:     buildVersion(),
	}, pool, registry.New())
	if err != nil {
		return err
	}

	slog.Info("starting server", "host", c.Host, "port", c.Port, "project", c.Directory)
	return srv.Start(ctx)
}

// PsCmd lists running servers from the process registry.
type PsCmd struct{}

func (c *PsCmd) Run() error {
	records, err := registry.New().List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no running servers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tADDRESS\tPROJECT\tAGENTS\tSCHEDULES\tUPTIME\tVERSION")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s:%d\t%s\t%d\t%d\t%s\t%s\n",
			r.PID, r.Host, r.Port, r.ProjectRoot,
			r.AgentCount, r.ScheduleCount,
			time.Since(r.StartTime).Round(time.Second), r.Version)
	}
	return w.Flush()
}
