// Copyright 2025 Tom Barlow
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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/daemon"
	"github.com/loomworks/loom/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   string
		storeDriver  string
		storePath    string
		workflowsDir string
		metricsAddr  string
		workers      int
		showVersion  bool
	)

	cmd := &cobra.Command{
		Use:   "loomd",
		Short: "Loom - generative workflow orchestration daemon",
		Long: `Loomd executes generative workflows: DAGs of steps bound to skills,
with content-addressed caching, per-tenant concurrency limits, and
crash-recoverable tracking of asynchronous generation jobs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("loomd %s (commit: %s, built: %s)\n", version, commit, buildDate)
				return nil
			}

			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if storeDriver != "" {
				cfg.Store.Driver = storeDriver
			}
			if storePath != "" {
				cfg.Store.Path = storePath
			}
			if workflowsDir != "" {
				cfg.WorkflowsDir = workflowsDir
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if workers > 0 {
				cfg.Workers = workers
			}

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("loomd starting",
				slog.String("version", version),
				slog.String("store", cfg.Store.Driver),
				slog.Int("workers", cfg.Workers))
			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&storeDriver, "store", "", "Storage driver (sqlite, memory)")
	cmd.Flags().StringVar(&storePath, "store-path", "", "SQLite database path")
	cmd.Flags().StringVar(&workflowsDir, "workflows-dir", "", "Directory of workflow YAML files")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent run workers")
	cmd.Flags().BoolVar(&showVersion, "version", false, "Show version information")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loomd: %v\n", err)
		os.Exit(1)
	}
}
