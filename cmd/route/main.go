// Copyright (c) 2026 John Earle
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

// Email Router: Command Line
//
// Routes emails from files, directories, stdin, PostgreSQL or a Graph
// mailbox through the same pipeline the service runs, and manages rules.
//
// Usage:
//
//	route file message.eml [--dry-run]
//	route dir ./inbox --pattern '*.eml' --workers 8
//	route rules list
//	route create-config config.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bcem/router/internal/app"
	"github.com/bcem/router/internal/config"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	configPath string
	dryRun     bool
	workers    int
	jsonOutput bool
	verbose    bool

	pipeline *app.App
)

var rootCmd = &cobra.Command{
	Use:           "route",
	Short:         "route - rule-based email routing",
	Long:          "Classify emails with routing rules and dispatch them to destination queues.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

		// Commands that don't need the pipeline
		switch cmd.Name() {
		case "help", "version", "create-config", "rules":
			return nil
		}

		if err := config.LoadDotEnv(); err != nil {
			return err
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if workers > 0 {
			cfg.Workers = workers
		}

		pipeline, err = app.Build(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("build pipeline: %w", err)
		}
		return nil
	},
}

// closePipeline releases the pipeline's connections. It runs as a cobra
// finalizer so it also runs when a command returns an error.
func closePipeline() {
	if pipeline != nil {
		pipeline.Close()
		pipeline = nil
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "route version %s\n", Version)
	},
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $CONFIG_PATH or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Resolve queues without dispatching")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "Batch worker count (default from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	rootCmd.AddCommand(versionCmd)
	cobra.OnFinalize(closePipeline)
}

func main() {
	// Interrupt stops launching new work; emails already in flight finish.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
