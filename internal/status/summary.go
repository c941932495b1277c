// Package status renders runs and their status history for the terminal.
package status

import (
	"time"

	"github.com/plxctl/plx/internal/types"
)

// RunSummary contains computed information about a run for display.
type RunSummary struct {
	UUID       string                  `json:"uuid"`
	Name       string                  `json:"name,omitempty"`
	Project    string                  `json:"project"`
	Kind       types.RunKind           `json:"kind,omitempty"`
	Status     types.Status            `json:"status"`
	Pending    types.PendingState      `json:"pending,omitempty"`
	Tags       []string                `json:"tags,omitempty"`
	CreatedAt  *time.Time              `json:"created_at,omitempty"`
	StartedAt  *time.Time              `json:"started_at,omitempty"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
	Duration   time.Duration           `json:"duration"`
	Archived   bool                    `json:"archived,omitempty"`
	Bookmarked bool                    `json:"bookmarked,omitempty"`
	Conditions []types.StatusCondition `json:"conditions,omitempty"`
}

// NewRunSummary creates a summary from a run. now is used for the elapsed
// time of runs that have not finished.
func NewRunSummary(run *types.Run, now time.Time) *RunSummary {
	summary := &RunSummary{
		UUID:       run.UUID,
		Name:       run.Name,
		Kind:       run.Kind,
		Status:     run.Status,
		Pending:    run.Pending,
		Tags:       run.Tags,
		CreatedAt:  stdTime(run.CreatedAt),
		StartedAt:  stdTime(run.StartedAt),
		FinishedAt: stdTime(run.FinishedAt),
		Archived:   run.IsArchived(),
		Bookmarked: run.IsBookmarked(),
		Conditions: run.StatusConditions,
	}
	if run.Owner != "" || run.Project != "" {
		summary.Project = run.Owner + "/" + run.Project
	}
	summary.Duration = computeDuration(run, now)
	return summary
}

// computeDuration prefers the recorded duration, then the timeline.
func computeDuration(run *types.Run, now time.Time) time.Duration {
	if run.Duration != nil {
		return time.Duration(*run.Duration * float64(time.Second))
	}
	if run.StartedAt == nil {
		return 0
	}
	end := now
	if run.FinishedAt != nil {
		end = run.FinishedAt.Time
	}
	if end.Before(run.StartedAt.Time) {
		return 0
	}
	return end.Sub(run.StartedAt.Time)
}

func stdTime(t *types.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// Summaries builds one summary per run.
func Summaries(runs []*types.Run, now time.Time) []*RunSummary {
	out := make([]*RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, NewRunSummary(run, now))
	}
	return out
}
