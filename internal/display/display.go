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

// Package display provides terminal formatting for the route CLI.
package display

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/bcem/router/internal/routing"
	"github.com/bcem/router/internal/rules"
	"github.com/bcem/router/internal/stats"
)

// Styles
var (
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
	Warn     = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
)

// Truncate shortens a string to maxLen, adding ellipsis if needed.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// SuccessMsg prints a green checkmark + message.
func SuccessMsg(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, Success.Render("✓")+" "+fmt.Sprintf(format, args...))
}

// ErrorMsg prints a red X + message.
func ErrorMsg(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, ErrStyle.Render("✗")+" "+fmt.Sprintf(format, args...))
}

// Header prints a section header.
func Header(w io.Writer, title string) {
	fmt.Fprintln(w, Bold.Render(title))
}

func mark(ok bool) string {
	if ok {
		return Success.Render("✓")
	}
	return ErrStyle.Render("✗")
}

// Result prints one routing result.
func Result(w io.Writer, r routing.Result) {
	if r.State == routing.StateErrored {
		fmt.Fprintf(w, "%s %s %s\n", mark(false), Bold.Render(r.Source), ErrStyle.Render(r.Error))
		return
	}
	rule := Dim.Render("(default)")
	if r.Matched {
		rule = r.MatchedRule
	}
	line := fmt.Sprintf("%s %-40s → %s %s", mark(r.Success), Truncate(r.Subject, 40), Bold.Render(r.QueueName), rule)
	if r.DryRun {
		line += " " + Warn.Render("[dry run]")
	}
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "  "+Muted.Render(fmt.Sprintf("from %s  id %s  %s", r.Sender, r.MessageID, r.Duration)))
	if r.Error != "" {
		fmt.Fprintln(w, "  "+ErrStyle.Render(r.Reason+": "+r.Error))
	}
	for _, re := range r.RuleErrors {
		fmt.Fprintln(w, "  "+Warn.Render(fmt.Sprintf("rule %s failed: %s at %d", re.Rule, re.Kind, re.Pos)))
	}
}

// Batch prints every result followed by a summary.
func Batch(w io.Writer, b routing.BatchResult) {
	for _, r := range b.Results {
		Result(w, r)
	}
	for _, f := range b.HardFailures {
		ErrorMsg(w, "%s: %s", f.Source, f.Error)
	}
	fmt.Fprintln(w)
	summary := fmt.Sprintf("%d processed, %d successful, %d failed, %d unparseable", b.Processed, b.Successful, b.Failed, len(b.HardFailures))
	if b.Skipped > 0 {
		summary += fmt.Sprintf(", %d skipped", b.Skipped)
	}
	Header(w, summary)
}

func sortedCounts(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stats prints a statistics snapshot.
func Stats(w io.Writer, s stats.Statistics) {
	Header(w, "Routing statistics")
	fmt.Fprintf(w, "  total processed    %d\n", s.TotalProcessed)
	fmt.Fprintf(w, "  successful routes  %s\n", Success.Render(fmt.Sprint(s.SuccessfulRoutes)))
	fmt.Fprintf(w, "  failed routes      %s\n", ErrStyle.Render(fmt.Sprint(s.FailedRoutes)))
	fmt.Fprintf(w, "  success rate       %.1f%%\n", s.SuccessRate())
	if len(s.QueueCounts) > 0 {
		fmt.Fprintln(w, Muted.Render("  queues"))
		for _, q := range sortedCounts(s.QueueCounts) {
			fmt.Fprintf(w, "    %-20s %d\n", q, s.QueueCounts[q])
		}
	}
	if len(s.RuleMatches) > 0 {
		fmt.Fprintln(w, Muted.Render("  rules"))
		for _, r := range sortedCounts(s.RuleMatches) {
			fmt.Fprintf(w, "    %-20s %d\n", r, s.RuleMatches[r])
		}
	}
}

// Rules prints rules in the order given.
func Rules(w io.Writer, list []rules.Rule) {
	if len(list) == 0 {
		fmt.Fprintln(w, Muted.Render("no rules"))
		return
	}
	for _, r := range list {
		state := Success.Render("on ")
		if !r.Enabled {
			state = Dim.Render("off")
		}
		fmt.Fprintf(w, "%s %4d  %-24s → %s\n", state, r.Priority, Bold.Render(r.Name), r.Action)
		fmt.Fprintln(w, "          "+Muted.Render(Truncate(r.Condition, 70)))
	}
}

// Health prints a health report.
func Health(w io.Writer, h routing.HealthReport) {
	style := Success
	switch h.Status {
	case routing.StatusDegraded:
		style = Warn
	case routing.StatusUnhealthy:
		style = ErrStyle
	}
	Header(w, "Status: "+style.Render(h.Status))
	names := make([]string, 0, len(h.Components))
	for n := range h.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c := h.Components[n]
		line := fmt.Sprintf("  %-10s %s", n, c.Status)
		if c.Error != "" {
			line += " " + ErrStyle.Render(c.Error)
		}
		fmt.Fprintln(w, line)
	}
}

// Condition prints a condition test report.
func Condition(w io.Writer, rep routing.ConditionReport) {
	Header(w, fmt.Sprintf("%d of %d emails match", len(rep.Matches), rep.Total))
	for _, m := range rep.Matches {
		fmt.Fprintf(w, "  %s %s %s\n", Success.Render("●"), Truncate(m.Subject, 50), Muted.Render(m.Sender))
	}
	if len(rep.Errors) > 0 {
		var kinds []string
		for _, e := range rep.Errors {
			kinds = append(kinds, string(e.Kind))
		}
		ErrorMsg(w, "%d evaluation errors: %s", len(rep.Errors), strings.Join(kinds, ", "))
	}
}
