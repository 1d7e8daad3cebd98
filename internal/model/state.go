package model

import (
	"fmt"
	"time"
)

// StateType is the closed set of lifecycle states for a run.
type StateType string

const (
	StateTypePending   StateType = "PENDING"
	StateTypeRunning   StateType = "RUNNING"
	StateTypeCompleted StateType = "COMPLETED"
	StateTypeFailed    StateType = "FAILED"
	StateTypeCrashed   StateType = "CRASHED"
)

// NotReadyName is the state name for pending runs whose upstream dependencies
// did not reach a COMPLETED state.
const NotReadyName = "NotReady"

// validTransitions maps each state type to the set of types it may transition
// to. Terminal states have no outgoing transitions.
var validTransitions = map[StateType]map[StateType]bool{
	StateTypePending: {
		StateTypeRunning:   true,
		StateTypeCompleted: true,
		StateTypeFailed:    true,
		StateTypeCrashed:   true,
	},
	StateTypeRunning: {
		StateTypeCompleted: true,
		StateTypeFailed:    true,
		StateTypeCrashed:   true,
	},
}

// ValidTransition reports whether transitioning from one state type to
// another is allowed.
func ValidTransition(from, to StateType) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether the state type admits no further transitions.
func (t StateType) IsTerminal() bool {
	return t == StateTypeCompleted || t == StateTypeFailed || t == StateTypeCrashed
}

// State is a tagged value describing a run's position in its lifecycle. Each
// run produces exactly one terminal state; transitions are monotonic.
type State struct {
	Type      StateType `json:"type"`
	Name      string    `json:"name"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// data holds the result payload for COMPLETED states; err holds the
	// original task error for FAILED states. Neither is serialized: payloads
	// and error values only have meaning in-process.
	data any
	err  error
}

func newState(t StateType, name, message string) *State {
	return &State{
		Type:      t,
		Name:      name,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Pending returns a fresh PENDING state.
func Pending() *State {
	return newState(StateTypePending, "Pending", "")
}

// NotReady returns a PENDING state marking that the run's upstream dependency
// never completed and the run will not execute.
func NotReady(upstreamRunID string) *State {
	msg := fmt.Sprintf("upstream task run '%s' did not reach a 'COMPLETED' state", upstreamRunID)
	return newState(StateTypePending, NotReadyName, msg)
}

// Running returns a RUNNING state.
func Running() *State {
	return newState(StateTypeRunning, "Running", "")
}

// Completed returns a COMPLETED state carrying the run's result payload.
func Completed(data any) *State {
	s := newState(StateTypeCompleted, "Completed", "")
	s.data = data
	return s
}

// Failed returns a FAILED state capturing the original task error. The error
// is surfaced as-is on result retrieval.
func Failed(err error) *State {
	s := newState(StateTypeFailed, "Failed", err.Error())
	s.err = err
	return s
}

// Crashed returns a CRASHED state for infrastructure-level abnormal
// termination (kill, cancellation, worker panic). Only the message is kept;
// the low-level cause is not re-raised.
func Crashed(message string) *State {
	return newState(StateTypeCrashed, "Crashed", message)
}

// IsCompleted reports whether the state type is COMPLETED.
func (s *State) IsCompleted() bool { return s.Type == StateTypeCompleted }

// IsFailed reports whether the state type is FAILED.
func (s *State) IsFailed() bool { return s.Type == StateTypeFailed }

// IsCrashed reports whether the state type is CRASHED.
func (s *State) IsCrashed() bool { return s.Type == StateTypeCrashed }

// IsPending reports whether the state type is PENDING.
func (s *State) IsPending() bool { return s.Type == StateTypePending }

// IsNotReady reports whether the state is the NotReady pending variant.
func (s *State) IsNotReady() bool {
	return s.Type == StateTypePending && s.Name == NotReadyName
}

// Result returns the run's outcome. For COMPLETED states it returns the
// result payload. For FAILED states it returns the original task error. For
// CRASHED and non-terminal states it returns a descriptive error that does
// not wrap the underlying cause.
func (s *State) Result() (any, error) {
	switch {
	case s.IsCompleted():
		return s.data, nil
	case s.IsFailed():
		return nil, s.err
	case s.IsCrashed():
		return nil, fmt.Errorf("task run crashed: %s", s.Message)
	case s.IsNotReady():
		return nil, fmt.Errorf("task run is not ready: %s", s.Message)
	default:
		return nil, fmt.Errorf("task run is not finished (state %s)", s.Type)
	}
}
