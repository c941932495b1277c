package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/plxctl/plx/internal/types"
)

// FormatOptions controls output formatting.
type FormatOptions struct {
	NoColor bool
	Quiet   bool
	// Location defaults to the local zone.
	Location *time.Location
}

func (o FormatOptions) loc() *time.Location {
	if o.Location == nil {
		return time.Local
	}
	return o.Location
}

// FormatRun formats a single run with full details.
func FormatRun(summary *RunSummary, opts FormatOptions) string {
	var b strings.Builder

	statusIcon := getStatusIcon(summary.Status)
	statusColor := getStatusColor(summary.Status, opts.NoColor)

	b.WriteString(fmt.Sprintf("Run:      %s\n", summary.UUID))
	if summary.Name != "" {
		b.WriteString(fmt.Sprintf("Name:     %s\n", summary.Name))
	}
	if summary.Project != "" {
		b.WriteString(fmt.Sprintf("Project:  %s\n", summary.Project))
	}
	if summary.Kind != "" {
		b.WriteString(fmt.Sprintf("Kind:     %s\n", summary.Kind))
	}
	b.WriteString(fmt.Sprintf("Status:   %s%s %s%s", statusColor, statusIcon, summary.Status, resetColor(opts.NoColor)))
	if summary.Pending != types.PendingNone {
		b.WriteString(fmt.Sprintf(" (pending %s)", summary.Pending))
	}
	if len(summary.Tags) > 0 {
		b.WriteString(fmt.Sprintf("\nTags:     %s", strings.Join(summary.Tags, ", ")))
	}
	if summary.CreatedAt != nil {
		b.WriteString(fmt.Sprintf("\nCreated:  %s", formatTime(*summary.CreatedAt, opts.loc())))
	}
	if summary.StartedAt != nil {
		b.WriteString(fmt.Sprintf("\nStarted:  %s", formatTime(*summary.StartedAt, opts.loc())))
	}
	if summary.FinishedAt != nil {
		b.WriteString(fmt.Sprintf("\nFinished: %s (took %s)",
			formatTime(*summary.FinishedAt, opts.loc()), formatDuration(summary.Duration)))
	} else if summary.StartedAt != nil {
		b.WriteString(fmt.Sprintf(" (%s ago)", formatDuration(summary.Duration)))
	}

	var flags []string
	if summary.Archived {
		flags = append(flags, "archived")
	}
	if summary.Bookmarked {
		flags = append(flags, "bookmarked")
	}
	if len(flags) > 0 {
		b.WriteString(fmt.Sprintf("\nFlags:    %s", strings.Join(flags, ", ")))
	}

	if len(summary.Conditions) > 0 && !opts.Quiet {
		b.WriteString("\n\n")
		b.WriteString(FormatConditions(summary.Conditions, opts))
	}
	b.WriteString("\n")
	return b.String()
}

// FormatRunList formats a list of runs, one entry per run, in the given
// order.
func FormatRunList(summaries []*RunSummary, opts FormatOptions) string {
	if len(summaries) == 0 {
		return "No runs found\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Found %d run(s):\n\n", len(summaries)))
	for i, summary := range summaries {
		if i > 0 && !opts.Quiet {
			b.WriteString("\n")
		}
		b.WriteString(formatRunListItem(summary, opts))
		b.WriteString("\n")
	}
	return b.String()
}

func formatRunListItem(summary *RunSummary, opts FormatOptions) string {
	var b strings.Builder

	statusIcon := getStatusIcon(summary.Status)
	statusColor := getStatusColor(summary.Status, opts.NoColor)

	b.WriteString(fmt.Sprintf("%s%s %s%s", statusColor, statusIcon, summary.UUID, resetColor(opts.NoColor)))
	if summary.Name != "" {
		b.WriteString("  " + summary.Name)
	}
	if opts.Quiet {
		return b.String()
	}

	b.WriteString(fmt.Sprintf("\n  Status:   %s%s%s", statusColor, summary.Status, resetColor(opts.NoColor)))
	if summary.Kind != "" {
		b.WriteString(fmt.Sprintf("\n  Kind:     %s", summary.Kind))
	}
	if summary.CreatedAt != nil {
		b.WriteString(fmt.Sprintf("\n  Created:  %s", formatTime(*summary.CreatedAt, opts.loc())))
	}
	if summary.Duration > 0 {
		b.WriteString(fmt.Sprintf("\n  Duration: %s", formatDuration(summary.Duration)))
	}
	return b.String()
}

// FormatConditions formats a status history, oldest first.
func FormatConditions(conditions []types.StatusCondition, opts FormatOptions) string {
	var b strings.Builder
	b.WriteString("Statuses:\n")
	for _, cond := range conditions {
		b.WriteString("  ")
		b.WriteString(FormatCondition(cond, opts))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// FormatCondition formats one condition on a single line.
func FormatCondition(cond types.StatusCondition, opts FormatOptions) string {
	var b strings.Builder
	if cond.LastTransitionTime != nil && !cond.LastTransitionTime.IsZero() {
		b.WriteString(formatTime(cond.LastTransitionTime.Time, opts.loc()))
		b.WriteString("  ")
	}
	color := getStatusColor(cond.Type, opts.NoColor)
	b.WriteString(fmt.Sprintf("%s%s %-15s%s", color, getStatusIcon(cond.Type), cond.Type, resetColor(opts.NoColor)))
	if cond.Reason != "" {
		b.WriteString("  " + cond.Reason)
	}
	if cond.Message != "" {
		b.WriteString(": " + cond.Message)
	}
	return strings.TrimRight(b.String(), " ")
}

// Formatting helpers

func getStatusIcon(status types.Status) string {
	switch {
	case status == types.StatusSucceeded, status == types.StatusDone:
		return "✓"
	case status == types.StatusFailed, status == types.StatusUpstreamFailed:
		return "✗"
	case status == types.StatusStopped, status == types.StatusStopping:
		return "■"
	case status == types.StatusSkipped:
		return "⊘"
	case status.IsRunning():
		return "●"
	case status == types.StatusWarning, status == types.StatusUnschedulable:
		return "!"
	case status.IsPending():
		return "○"
	default:
		return "?"
	}
}

func getStatusColor(status types.Status, noColor bool) string {
	if noColor {
		return ""
	}

	switch {
	case status == types.StatusSucceeded, status == types.StatusDone:
		return getColor("green", noColor)
	case status == types.StatusFailed, status == types.StatusUpstreamFailed:
		return getColor("red", noColor)
	case status.IsRunning():
		return getColor("yellow", noColor)
	case status == types.StatusWarning, status == types.StatusUnschedulable:
		return getColor("cyan", noColor)
	case status.IsPending(), status.IsDone(), status == types.StatusStopping:
		return getColor("gray", noColor)
	default:
		return ""
	}
}

func getColor(name string, noColor bool) string {
	if noColor {
		return ""
	}

	switch name {
	case "red":
		return "\033[31m"
	case "green":
		return "\033[32m"
	case "yellow":
		return "\033[33m"
	case "cyan":
		return "\033[36m"
	case "gray":
		return "\033[90m"
	default:
		return ""
	}
}

func resetColor(noColor bool) string {
	if noColor {
		return ""
	}
	return "\033[0m"
}

func formatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
