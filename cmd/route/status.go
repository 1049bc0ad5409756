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

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bcem/router/internal/config"
	"github.com/bcem/router/internal/display"
	"github.com/bcem/router/internal/routing"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show routing statistics recorded by every process sharing the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := pipeline.Recorder.Persisted(cmd.Context())
		if err != nil {
			return fmt.Errorf("read statistics: %w", err)
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), s)
		}
		display.Stats(cmd.OutOrStdout(), s)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check rules, queues and transports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rep := pipeline.Orchestrator.Health(cmd.Context())
		if jsonOutput {
			if err := writeJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
		} else {
			display.Health(cmd.OutOrStdout(), rep)
		}
		if rep.Status == routing.StatusUnhealthy {
			return fmt.Errorf("router is %s", rep.Status)
		}
		return nil
	},
}

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "List registered queues",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list := pipeline.Dispatcher.Registry().List()
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), list)
		}
		for _, q := range list {
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", display.Bold.Render(q.Name), q.Endpoint)
			if q.Description != "" {
				fmt.Fprintln(cmd.OutOrStdout(), "  "+display.Muted.Render(q.Description))
			}
		}
		return nil
	},
}

var createConfigCmd = &cobra.Command{
	Use:   "create-config <path>",
	Short: "Write a sample configuration (.yaml or .toml)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteSample(args[0]); err != nil {
			return err
		}
		display.SuccessMsg(cmd.OutOrStdout(), "wrote sample configuration to %s", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd, healthCmd, queuesCmd, createConfigCmd)
}
