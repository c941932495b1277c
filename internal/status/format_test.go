package status

import (
	"strings"
	"testing"
	"time"

	"github.com/plxctl/plx/internal/types"
)

func TestFormatRun(t *testing.T) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	summary := &RunSummary{
		UUID:       "8aac02e3a62a4f0aaa257c59da5eab80",
		Name:       "train",
		Project:    "acme/vision",
		Kind:       types.KindJob,
		Status:     types.StatusSucceeded,
		Tags:       []string{"a", "b"},
		StartedAt:  &started,
		FinishedAt: &finished,
		Duration:   90 * time.Second,
		Bookmarked: true,
		Conditions: []types.StatusCondition{
			{Type: types.StatusRunning, Status: types.ConditionTrue, Reason: "CliProcessExecutor"},
			{Type: types.StatusSucceeded, Status: types.ConditionTrue, Reason: "CliProcessExecutor", Message: "done"},
		},
	}

	output := FormatRun(summary, FormatOptions{NoColor: true, Location: time.UTC})

	for _, want := range []string{
		"Run:      8aac02e3a62a4f0aaa257c59da5eab80",
		"Name:     train",
		"Project:  acme/vision",
		"Status:   ✓ succeeded",
		"Tags:     a, b",
		"Started:  2024-03-01 10:00:00",
		"Finished: 2024-03-01 10:01:30 (took 1m30s)",
		"Flags:    bookmarked",
		"Statuses:",
		"CliProcessExecutor: done",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "\033[") {
		t.Error("NoColor output should not contain escape codes")
	}
}

func TestFormatRunQuietHidesConditions(t *testing.T) {
	summary := &RunSummary{
		UUID:   "u1",
		Status: types.StatusRunning,
		Conditions: []types.StatusCondition{
			{Type: types.StatusRunning, Status: types.ConditionTrue},
		},
	}
	output := FormatRun(summary, FormatOptions{NoColor: true, Quiet: true})
	if strings.Contains(output, "Statuses:") {
		t.Errorf("quiet output should not list statuses:\n%s", output)
	}
}

func TestFormatRunPending(t *testing.T) {
	summary := &RunSummary{UUID: "u1", Status: types.StatusCreated, Pending: types.PendingApproval}
	output := FormatRun(summary, FormatOptions{NoColor: true})
	if !strings.Contains(output, "○ created (pending approval)") {
		t.Errorf("unexpected output:\n%s", output)
	}
}

func TestFormatRunList(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	summaries := []*RunSummary{
		{UUID: "u2", Name: "second", Status: types.StatusRunning, CreatedAt: &created, Duration: 5 * time.Second},
		{UUID: "u1", Name: "first", Status: types.StatusFailed},
	}

	output := FormatRunList(summaries, FormatOptions{NoColor: true, Location: time.UTC})

	if !strings.HasPrefix(output, "Found 2 run(s):") {
		t.Errorf("unexpected header:\n%s", output)
	}
	if strings.Index(output, "u2") > strings.Index(output, "u1") {
		t.Error("runs should keep the given order")
	}
	for _, want := range []string{"● u2  second", "✗ u1  first", "Created:  2024-03-01 10:00:00", "Duration: 5s"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestFormatRunListEmpty(t *testing.T) {
	if got := FormatRunList(nil, FormatOptions{}); got != "No runs found\n" {
		t.Errorf("FormatRunList(nil) = %q", got)
	}
}

func TestFormatRunListQuiet(t *testing.T) {
	summaries := []*RunSummary{{UUID: "u1", Status: types.StatusQueued}}
	output := FormatRunList(summaries, FormatOptions{NoColor: true, Quiet: true})
	if strings.Contains(output, "Status:") {
		t.Errorf("quiet list should be one line per run:\n%s", output)
	}
}

func TestFormatCondition(t *testing.T) {
	at := types.NewTime(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	cond := types.StatusCondition{
		Type:               types.StatusFailed,
		Status:             types.ConditionTrue,
		Reason:             "CliExecutor",
		Message:            "Operation was canceled",
		LastTransitionTime: at,
	}
	got := FormatCondition(cond, FormatOptions{NoColor: true, Location: time.UTC})
	want := "2024-03-01 10:00:00  ✗ failed           CliExecutor: Operation was canceled"
	if got != want {
		t.Errorf("FormatCondition() =\n%q\nwant\n%q", got, want)
	}
}

func TestStatusIcons(t *testing.T) {
	tests := []struct {
		status types.Status
		want   string
	}{
		{types.StatusSucceeded, "✓"},
		{types.StatusDone, "✓"},
		{types.StatusFailed, "✗"},
		{types.StatusUpstreamFailed, "✗"},
		{types.StatusStopped, "■"},
		{types.StatusSkipped, "⊘"},
		{types.StatusRunning, "●"},
		{types.StatusRetrying, "●"},
		{types.StatusWarning, "!"},
		{types.StatusQueued, "○"},
		{types.StatusUnknown, "?"},
	}
	for _, tt := range tests {
		if got := getStatusIcon(tt.status); got != tt.want {
			t.Errorf("getStatusIcon(%s) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5*time.Minute + 30*time.Second, "5m30s"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}
