package ir

import (
	"fmt"
	"maps"
)

// TaskState is the closed set of task lifecycle states.
// Values outside the declared constants are rejected by ParseTaskState.
type TaskState string

const (
	StateToRun             TaskState = "TO_RUN"
	StateToRunPriority     TaskState = "TO_RUN_PRIORITY"
	StateQueued            TaskState = "QUEUED"
	StateRunning           TaskState = "RUNNING"
	StateCompleted         TaskState = "COMPLETED"
	StateError             TaskState = "ERROR"
	StateException         TaskState = "EXCEPTION"
	StateTooManyTrials     TaskState = "TOO_MANY_TRIALS"
	StateMissingDependency TaskState = "MISSING_DEPENDENCY"
	StateUnknownConfig     TaskState = "UNKNOWN_CONFIG"
	StateUnknownLink       TaskState = "UNKNOWN_LINK"
)

// AllTaskStates lists every state in lifecycle order.
var AllTaskStates = []TaskState{
	StateToRun,
	StateToRunPriority,
	StateQueued,
	StateRunning,
	StateCompleted,
	StateError,
	StateException,
	StateTooManyTrials,
	StateMissingDependency,
	StateUnknownConfig,
	StateUnknownLink,
}

// deprecatedStates maps names used by older stores onto the current taxonomy.
var deprecatedStates = map[string]TaskState{
	"MISSING_INFO":   StateMissingDependency,
	"TOO_MANY_TRIES": StateTooManyTrials,
	"PRIORITY":       StateToRunPriority,
}

// DeprecatedStates returns the deprecated state names and the states they
// now resolve to.
func DeprecatedStates() map[string]TaskState {
	return maps.Clone(deprecatedStates)
}

// ParseTaskState converts a stored name into a TaskState.
// Deprecated aliases resolve to their current state.
func ParseTaskState(s string) (TaskState, error) {
	for _, st := range AllTaskStates {
		if string(st) == s {
			return st, nil
		}
	}
	if st, ok := deprecatedStates[s]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown task state %q", s)
}

// IsTerminal reports whether leaving the state requires operator action.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateTooManyTrials, StateUnknownConfig, StateUnknownLink:
		return true
	default:
		return false
	}
}

// IsRunnable reports whether the scheduler may select a task in this state.
func (s TaskState) IsRunnable() bool {
	return s == StateToRun || s == StateToRunPriority
}

// IsFailure reports whether the state records a recoverable failed trial.
func (s TaskState) IsFailure() bool {
	return s == StateError || s == StateException
}

// IsIntegrity reports whether the state signals a data-integrity problem.
func (s TaskState) IsIntegrity() bool {
	return s == StateUnknownConfig || s == StateUnknownLink
}

// Initial returns the runnable state for a task with the given priority.
func Initial(priority bool) TaskState {
	if priority {
		return StateToRunPriority
	}
	return StateToRun
}

// CanTransition reports whether the scheduler or executor may move a task
// from one state to another. Operator resets are handled separately.
func CanTransition(from, to TaskState) bool {
	switch to {
	case StateMissingDependency, StateUnknownConfig, StateUnknownLink:
		// Gating checks may park a task from any non-terminal state.
		return !from.IsTerminal() && from != StateRunning
	}
	switch from {
	case StateToRun, StateToRunPriority:
		return to == StateQueued
	case StateQueued:
		return to == StateRunning || to.IsRunnable()
	case StateRunning:
		return to == StateCompleted || to.IsFailure() || to == StateTooManyTrials
	case StateError, StateException:
		return to.IsRunnable()
	case StateMissingDependency:
		return to.IsRunnable()
	default:
		return false
	}
}
