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
	"io"

	"github.com/spf13/cobra"

	"github.com/bcem/router/internal/display"
	"github.com/bcem/router/internal/intake"
	"github.com/bcem/router/internal/routing"
)

var (
	dirPattern string
	ordered    bool
	pgEmailID  int64
	pgLimit    int
	graphUser  string
	graphTop   int
)

// batchOptions reads the shared batch flags.
func batchOptions() routing.BatchOptions {
	return routing.BatchOptions{DryRun: dryRun, Ordered: ordered, Workers: workers}
}

// printResult writes one result and fails the command if it did not route.
func printResult(cmd *cobra.Command, res routing.Result) error {
	if jsonOutput {
		if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		display.Result(cmd.OutOrStdout(), res)
	}
	if !res.Success {
		return fmt.Errorf("%s was not routed", res.Source)
	}
	return nil
}

// printBatch writes a batch summary and fails the command if anything did
// not route.
func printBatch(cmd *cobra.Command, b routing.BatchResult) error {
	if jsonOutput {
		if err := writeJSON(cmd.OutOrStdout(), b); err != nil {
			return err
		}
	} else {
		display.Batch(cmd.OutOrStdout(), b)
	}
	if n := b.Failed + len(b.HardFailures); n > 0 {
		return fmt.Errorf("%d emails were not routed", n)
	}
	if b.Skipped > 0 {
		return fmt.Errorf("interrupted: %d emails skipped", b.Skipped)
	}
	return nil
}

var fileCmd = &cobra.Command{
	Use:   "file <path>...",
	Short: "Route .eml or .json files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return printResult(cmd, pipeline.Orchestrator.ProcessFile(cmd.Context(), args[0], dryRun))
		}
		srcs := make([]intake.Source, 0, len(args))
		for _, p := range args {
			srcs = append(srcs, intake.File(p))
		}
		return printBatch(cmd, pipeline.Orchestrator.Batch(cmd.Context(), srcs, batchOptions()))
	},
}

var dirCmd = &cobra.Command{
	Use:   "dir <directory>",
	Short: "Route every matching file in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := pipeline.Orchestrator.ProcessDirectory(cmd.Context(), args[0], dirPattern, batchOptions())
		if err != nil {
			return err
		}
		return printBatch(cmd, b)
	},
}

var rawCmd = &cobra.Command{
	Use:   "raw",
	Short: "Route one RFC 822 message read from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), intake.DefaultMaxBytes+1))
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		return printResult(cmd, pipeline.Orchestrator.ProcessRaw(cmd.Context(), "stdin", data, dryRun))
	},
}

var postgresCmd = &cobra.Command{
	Use:   "postgres",
	Short: "Route stored messages from PostgreSQL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pg, err := pipeline.Postgres(cmd.Context())
		if err != nil {
			return err
		}

		var rows []*intake.Row
		if cmd.Flags().Changed("email-id") {
			rows, err = pg.FetchByEmailID(cmd.Context(), pgEmailID)
		} else {
			rows, err = pg.FetchAll(cmd.Context(), pgLimit)
		}
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			display.ErrorMsg(cmd.ErrOrStderr(), "no stored messages found")
			return nil
		}

		srcs := make([]intake.Source, len(rows))
		for i, r := range rows {
			srcs[i] = r
		}
		return printBatch(cmd, pipeline.Orchestrator.Batch(cmd.Context(), srcs, batchOptions()))
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Route the newest messages of a Microsoft 365 mailbox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fetcher, err := pipeline.Graph(cmd.Context())
		if err != nil {
			return err
		}
		srcs, err := fetcher.ListRecent(cmd.Context(), graphUser, graphTop)
		if err != nil {
			return fmt.Errorf("list messages for %s: %w", graphUser, err)
		}
		return printBatch(cmd, pipeline.Orchestrator.Batch(cmd.Context(), srcs, batchOptions()))
	},
}

func init() {
	for _, c := range []*cobra.Command{fileCmd, dirCmd, postgresCmd, graphCmd} {
		c.Flags().BoolVar(&ordered, "ordered", false, "Report results in input order")
	}
	dirCmd.Flags().StringVarP(&dirPattern, "pattern", "p", intake.DefaultPattern, "Glob pattern for files")

	postgresCmd.Flags().Int64Var(&pgEmailID, "email-id", 0, "Route the message with this email_id")
	postgresCmd.Flags().IntVarP(&pgLimit, "limit", "n", 100, "Maximum messages to route")

	graphCmd.Flags().StringVarP(&graphUser, "user", "u", "", "Mailbox user principal name (required)")
	graphCmd.Flags().IntVar(&graphTop, "top", 25, "Number of recent messages to route")
	graphCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(fileCmd, dirCmd, rawCmd, postgresCmd, graphCmd)
}
