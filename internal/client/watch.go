package client

import (
	"context"
	"iter"
	"time"

	"github.com/plxctl/plx/internal/types"
)

// StatusEvent is one observed change of a run's status.
type StatusEvent struct {
	Status     types.Status
	Conditions []types.StatusCondition
}

// watchStart is the first poll interval; it doubles up to the client's
// watch interval.
const watchStart = 500 * time.Millisecond

// WatchStatuses polls the statuses endpoint and yields an event whenever the
// condition list changes. The sequence ends after yielding a terminal
// status, when the consumer stops, or when ctx is cancelled; in the last
// case the final pair carries the context error.
func (c *Client) WatchStatuses(ctx context.Context, owner, project, uuid string) iter.Seq2[StatusEvent, error] {
	return func(yield func(StatusEvent, error) bool) {
		var last []types.StatusCondition
		first := true
		start := min(watchStart, c.watchInterval)
		interval := start

		for {
			resp, err := c.GetRunStatuses(ctx, owner, project, uuid)
			if err != nil {
				yield(StatusEvent{}, err)
				return
			}

			changed := first || !types.ConditionsEqual(last, resp.StatusConditions)
			if changed {
				first = false
				last = resp.StatusConditions
				interval = start
				if !yield(StatusEvent{Status: resp.Status, Conditions: resp.StatusConditions}, nil) {
					return
				}
			}
			if resp.Status.IsDone() {
				return
			}

			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				yield(StatusEvent{}, ctx.Err())
				return
			case <-timer.C:
			}
			if !changed {
				interval = min(interval*2, c.watchInterval)
			}
		}
	}
}
