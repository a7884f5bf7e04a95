package model

import "time"

// ActionStatus is the lifecycle state of a scheduled action.
type ActionStatus string

const (
	// StatusPending marks an action waiting for its start time.
	StatusPending ActionStatus = "pending"
	// StatusRunning marks an action claimed for its turn-on call. Together
	// with StatusStopping it guarantees at most one in-flight device call per
	// action.
	StatusRunning ActionStatus = "running"
	// StatusStopping marks a running action claimed for its turn-off call.
	StatusStopping ActionStatus = "stopping"
	// StatusExecuted marks an action whose on and off calls both succeeded.
	StatusExecuted ActionStatus = "executed"
	// StatusFailed marks an action that exhausted its retry budget or was
	// observed too late to execute.
	StatusFailed ActionStatus = "failed"
	// StatusCancelled marks an action cancelled by the user while pending.
	StatusCancelled ActionStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s ActionStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ScheduledAction is one committed run interval derived from a rule for a
// specific date. A rule never has two actions starting at the same hour on the
// same day; re-planning relies on that uniqueness to stay idempotent.
type ScheduledAction struct {
	ID       string
	RuleID   string
	DeviceID string

	// Date is the planning date at midnight in the planner's location.
	Date time.Time
	// Start and End are the absolute boundaries of the run. End may fall on
	// the next calendar day for runs finishing at midnight.
	Start time.Time
	End   time.Time

	// PricePerKWh is the time-weighted average hourly price snapshotted at
	// planning time. It is never re-evaluated.
	PricePerKWh float64

	Status     ActionStatus
	ExecutedAt *time.Time
	CreatedAt  time.Time
}

// DateKey formats a planning date the way the store indexes it.
func DateKey(date time.Time) string {
	return date.Format("2006-01-02")
}
