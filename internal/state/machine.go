package state

import (
	apperrors "github.com/ralphdev/ralph/internal/common/errors"
	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// transitions declares the legal status changes. Every status may move to
// stopped via an operator stop; terminal statuses otherwise leave only
// through operator retry or archival. The reconciler may bypass this table
// with SkipTransitionValidation.
var transitions = map[v1.ExecutionStatus][]v1.ExecutionStatus{
	v1.StatusPending:     {v1.StatusReady, v1.StatusStopped},
	v1.StatusReady:       {v1.StatusStarting, v1.StatusStopped},
	v1.StatusStarting:    {v1.StatusRunning, v1.StatusReady, v1.StatusFailed, v1.StatusStopped},
	v1.StatusRunning:     {v1.StatusCompleted, v1.StatusInterrupted, v1.StatusFailed, v1.StatusStopped},
	v1.StatusInterrupted: {v1.StatusReady, v1.StatusStopped},
	v1.StatusCompleted:   {v1.StatusMerging, v1.StatusStopped},
	v1.StatusMerging:     {v1.StatusMerged, v1.StatusFailed, v1.StatusStopped},
	v1.StatusMerged:      {v1.StatusStopped},
	v1.StatusFailed:      {v1.StatusReady, v1.StatusStopped},
	v1.StatusStopped:     {},
}

// CanTransition reports whether from -> to is a legal status change.
// A no-op (from == to) is always allowed.
func CanTransition(from, to v1.ExecutionStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransition error when from -> to is
// not declared in the transition table.
func ValidateTransition(from, to v1.ExecutionStatus) error {
	if !CanTransition(from, to) {
		return apperrors.InvalidTransition(string(from), string(to))
	}
	return nil
}
