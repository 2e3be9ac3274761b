package model

import "fmt"

// TimeBoundStatus is the lifecycle state shared by jobs and step histories.
type TimeBoundStatus string

const (
	StatusPending            TimeBoundStatus = "pending"
	StatusRunning            TimeBoundStatus = "running"
	StatusRunningAborting    TimeBoundStatus = "running_aborting"
	StatusAborted            TimeBoundStatus = "aborted"
	StatusPartiallyCompleted TimeBoundStatus = "partially_completed"
	StatusCompleted          TimeBoundStatus = "completed"
	StatusFailed             TimeBoundStatus = "failed"
)

var terminalStatuses = map[TimeBoundStatus]bool{
	StatusAborted:   true,
	StatusCompleted: true,
	StatusFailed:    true,
}

// partially_completed → running reopens a step for its after-phase;
// partially_completed → aborted closes one whose after-phase never ran.
var validStatusTransitions = map[TimeBoundStatus]map[TimeBoundStatus]bool{
	StatusPending: {
		StatusRunning: true,
		StatusAborted: true,
	},
	StatusRunning: {
		StatusRunningAborting:    true,
		StatusAborted:            true,
		StatusPartiallyCompleted: true,
		StatusCompleted:          true,
		StatusFailed:             true,
	},
	StatusRunningAborting: {
		StatusAborted:            true,
		StatusPartiallyCompleted: true,
		StatusCompleted:          true,
		StatusFailed:             true,
	},
	StatusPartiallyCompleted: {
		StatusRunning: true,
		StatusAborted: true,
	},
}

func (s TimeBoundStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsRunning reports whether s is running or in the middle of aborting.
func (s TimeBoundStatus) IsRunning() bool {
	return s == StatusRunning || s == StatusRunningAborting
}

func ValidateStatusTransition(from, to TimeBoundStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validStatusTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid status transition: %q → %q", from, to)
	}
	return nil
}
