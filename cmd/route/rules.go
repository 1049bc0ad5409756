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
	"os"

	"github.com/spf13/cobra"

	"github.com/bcem/router/internal/display"
	"github.com/bcem/router/internal/intake"
	"github.com/bcem/router/internal/models"
	"github.com/bcem/router/internal/rules"
)

var enabledOnly bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List and manage routing rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules by priority",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list := pipeline.Rules.List()
		if enabledOnly {
			list = pipeline.Rules.ListEnabled()
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), list)
		}
		display.Rules(cmd.OutOrStdout(), list)
		return nil
	},
}

var rulesDefaultsCmd = &cobra.Command{
	Use:   "load-defaults",
	Short: "Add the starter rules and persist them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := pipeline.Rules.LoadDefaults(); err != nil {
			return err
		}
		if err := pipeline.Repository.SaveAll(cmd.Context(), pipeline.Rules); err != nil {
			return err
		}
		display.SuccessMsg(cmd.OutOrStdout(), "loaded %d default rules (%d total)", len(rules.Defaults()), pipeline.Rules.Len())
		return nil
	},
}

// setEnabled builds the enable and disable commands.
func setEnabled(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: fmt.Sprintf("%s a rule", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := pipeline.Rules.SetEnabled(args[0], enabled)
			if err != nil {
				return err
			}
			if err := pipeline.Repository.Save(cmd.Context(), r); err != nil {
				return err
			}
			display.SuccessMsg(cmd.OutOrStdout(), "rule %s %sd", r.Name, use)
			return nil
		},
	}
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := pipeline.Rules.Remove(args[0]); err != nil {
			return err
		}
		if err := pipeline.Repository.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		display.SuccessMsg(cmd.OutOrStdout(), "rule %s deleted", args[0])
		return nil
	},
}

var testRuleCmd = &cobra.Command{
	Use:   "test-rule <condition> <path>...",
	Short: "Evaluate a condition against sample emails without routing them",
	Long:  "Paths may be .eml or .json files, or directories whose *.eml files are read.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		emails, err := readEmails(cmd, args[1:])
		if err != nil {
			return err
		}
		rep, err := pipeline.Orchestrator.TestCondition(args[0], emails)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), rep)
		}
		display.Condition(cmd.OutOrStdout(), rep)
		return nil
	},
}

// readEmails parses every path, expanding directories. Unparseable files
// are reported and skipped.
func readEmails(cmd *cobra.Command, paths []string) ([]*models.Email, error) {
	var srcs []intake.Source
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			srcs = append(srcs, intake.File(p))
			continue
		}
		dir, err := intake.Directory(p, intake.DefaultPattern)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, dir...)
	}

	emails := make([]*models.Email, 0, len(srcs))
	for _, src := range srcs {
		e, err := src.Read(cmd.Context())
		if err != nil {
			display.ErrorMsg(cmd.ErrOrStderr(), "%s: %v", src.Name(), err)
			continue
		}
		emails = append(emails, e)
	}
	return emails, nil
}

func init() {
	rulesListCmd.Flags().BoolVar(&enabledOnly, "enabled", false, "Only list enabled rules")

	rulesCmd.AddCommand(rulesListCmd, rulesDefaultsCmd, setEnabled("enable", true), setEnabled("disable", false), rulesDeleteCmd)
	rootCmd.AddCommand(rulesCmd, testRuleCmd)
}
