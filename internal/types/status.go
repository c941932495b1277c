package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusCreated        Status = "created"
	StatusResuming       Status = "resuming"
	StatusOnSchedule     Status = "on_schedule"
	StatusCompiled       Status = "compiled"
	StatusQueued         Status = "queued"
	StatusScheduled      Status = "scheduled"
	StatusStarting       Status = "starting"
	StatusRunning        Status = "running"
	StatusProcessing     Status = "processing"
	StatusStopping       Status = "stopping"
	StatusFailed         Status = "failed"
	StatusStopped        Status = "stopped"
	StatusSucceeded      Status = "succeeded"
	StatusSkipped        Status = "skipped"
	StatusWarning        Status = "warning"
	StatusUnschedulable  Status = "unschedulable"
	StatusUpstreamFailed Status = "upstream_failed"
	StatusRetrying       Status = "retrying"
	StatusUnknown        Status = "unknown"
	StatusDone           Status = "done"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusCreated, StatusResuming, StatusOnSchedule, StatusCompiled, StatusQueued,
	StatusScheduled, StatusStarting, StatusRunning, StatusProcessing, StatusStopping,
	StatusFailed, StatusStopped, StatusSucceeded, StatusSkipped, StatusWarning,
	StatusUnschedulable, StatusUpstreamFailed, StatusRetrying, StatusUnknown, StatusDone,
}

// Valid returns true if this is a recognized status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsDone returns true if the status is terminal.
func (s Status) IsDone() bool {
	switch s {
	case StatusFailed, StatusStopped, StatusSucceeded, StatusSkipped,
		StatusUpstreamFailed, StatusDone:
		return true
	}
	return false
}

// IsRunning returns true for running-like statuses.
func (s Status) IsRunning() bool {
	switch s {
	case StatusRunning, StatusProcessing, StatusRetrying:
		return true
	}
	return false
}

// IsPending returns true for pending-like statuses.
func (s Status) IsPending() bool {
	switch s {
	case StatusCreated, StatusResuming, StatusOnSchedule, StatusCompiled,
		StatusQueued, StatusScheduled, StatusStarting:
		return true
	}
	return false
}

// CanResume returns true if a run in this status may be resumed.
func (s Status) CanResume() bool {
	return s == StatusFailed || s == StatusStopped
}

// validTransitions is the allowed transition DAG. Terminal statuses have no
// outgoing edges.
var validTransitions = map[Status][]Status{
	StatusCreated: {
		StatusCompiled, StatusOnSchedule, StatusQueued, StatusScheduled, StatusSkipped,
		StatusStopping, StatusStopped, StatusFailed, StatusUpstreamFailed, StatusWarning,
		StatusUnknown,
	},
	StatusResuming: {
		StatusCompiled, StatusQueued, StatusScheduled, StatusStarting, StatusSkipped,
		StatusStopping, StatusStopped, StatusFailed,
	},
	StatusOnSchedule: {
		StatusCompiled, StatusQueued, StatusScheduled, StatusSkipped, StatusStopping,
		StatusStopped, StatusFailed, StatusUpstreamFailed,
	},
	StatusCompiled: {
		StatusQueued, StatusScheduled, StatusSkipped, StatusStopping, StatusStopped,
		StatusFailed, StatusUpstreamFailed,
	},
	StatusQueued: {
		StatusScheduled, StatusSkipped, StatusStopping, StatusStopped, StatusFailed,
		StatusUpstreamFailed,
	},
	StatusScheduled: {
		StatusStarting, StatusRunning, StatusWarning, StatusUnschedulable, StatusStopping,
		StatusStopped, StatusFailed,
	},
	StatusStarting: {
		StatusRunning, StatusWarning, StatusUnschedulable, StatusStopping, StatusStopped,
		StatusFailed, StatusSucceeded,
	},
	StatusRunning: {
		StatusProcessing, StatusSucceeded, StatusFailed, StatusStopping, StatusStopped,
		StatusWarning, StatusRetrying, StatusDone,
	},
	StatusProcessing: {
		StatusSucceeded, StatusFailed, StatusStopping, StatusStopped, StatusDone,
	},
	StatusWarning: {
		StatusScheduled, StatusStarting, StatusRunning, StatusUnschedulable, StatusStopping,
		StatusStopped, StatusFailed, StatusSucceeded,
	},
	StatusUnschedulable: {
		StatusScheduled, StatusStarting, StatusRunning, StatusWarning, StatusStopping,
		StatusStopped, StatusFailed,
	},
	StatusRetrying: {
		StatusScheduled, StatusStarting, StatusRunning, StatusStopping, StatusStopped,
		StatusFailed, StatusSucceeded,
	},
	StatusStopping: {
		StatusStopped, StatusFailed,
	},
	StatusUnknown: {
		StatusCreated, StatusResuming, StatusOnSchedule, StatusCompiled, StatusQueued,
		StatusScheduled, StatusStarting, StatusRunning, StatusProcessing, StatusStopping,
		StatusWarning, StatusUnschedulable, StatusRetrying,
		StatusFailed, StatusStopped, StatusSucceeded,
	},
}

// CanTransition reports whether a run may move from one status to another.
// An empty from status (a run never observed) accepts any valid target.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if from == "" {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionTo returns true if transitioning from s to target is valid.
func (s Status) CanTransitionTo(target Status) bool {
	return CanTransition(s, target)
}

// ConditionStatus is the truth value of a status condition.
type ConditionStatus string

const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

// UnmarshalJSON accepts the string form as well as JSON booleans, which some
// server versions emit.
func (c *ConditionStatus) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*c = ConditionTrue
		} else {
			*c = ConditionFalse
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid condition status %s", data)
	}
	switch strings.ToLower(s) {
	case "true":
		*c = ConditionTrue
	case "false":
		*c = ConditionFalse
	default:
		*c = ConditionUnknown
	}
	return nil
}

// StatusCondition is one entry of a run's status history.
type StatusCondition struct {
	Type               Status          `json:"type"`
	Status             ConditionStatus `json:"status"`
	Reason             string          `json:"reason,omitempty"`
	Message            string          `json:"message,omitempty"`
	LastUpdateTime     *Time           `json:"last_update_time,omitempty"`
	LastTransitionTime *Time           `json:"last_transition_time,omitempty"`
}

// NewCondition builds a True condition stamped with the current time.
func NewCondition(status Status, reason, message string) StatusCondition {
	now := NewTime(time.Now())
	return StatusCondition{
		Type:               status,
		Status:             ConditionTrue,
		Reason:             reason,
		Message:            message,
		LastUpdateTime:     now,
		LastTransitionTime: now,
	}
}

// IsTrue reports whether the condition asserts its type.
func (c StatusCondition) IsTrue() bool {
	return c.Status == ConditionTrue
}

// CurrentStatus returns the type of the latest True condition, or "" when no
// condition asserts a status.
func CurrentStatus(conditions []StatusCondition) Status {
	for i := len(conditions) - 1; i >= 0; i-- {
		if conditions[i].IsTrue() {
			return conditions[i].Type
		}
	}
	return ""
}

// ConditionsEqual reports whether two condition lists carry the same
// transitions. Timestamps are ignored.
func ConditionsEqual(a, b []StatusCondition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || a[i].Status != b[i].Status ||
			a[i].Reason != b[i].Reason || a[i].Message != b[i].Message {
			return false
		}
	}
	return true
}
