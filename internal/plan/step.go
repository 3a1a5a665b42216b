package plan

import (
	"slices"
	"time"
)

// Step is one schedulable unit of an action in one phase.
//
// A step changes state only through Transition. Callers persist the step
// after every successful transition; until that write succeeds the new state
// must not be treated as final.
type Step struct {
	ID          int    `json:"id"`
	PlanID      string `json:"plan_id"`
	Phase       Phase  `json:"phase"`
	State       State  `json:"state"`
	ActionID    int    `json:"action_id"`
	ActionName  string `json:"action_name"`
	Queue       string `json:"queue"`
	Cancellable bool   `json:"cancellable,omitempty"`

	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	RunningSince  time.Time     `json:"running_since"`
	ExecutionTime time.Duration `json:"execution_time"`
	RealTime      time.Duration `json:"real_time"`

	Error *StepError `json:"error,omitempty"`
}

// Transition moves the step to state to, validated against its phase table,
// and updates its timing. It returns a TransitionError when the move is not
// permitted and leaves the step untouched.
func (s *Step) Transition(to State, now time.Time) error {
	if !Allowed(s.Phase, s.State, to) {
		return &TransitionError{PlanID: s.PlanID, StepID: s.ID, Phase: s.Phase, From: s.State, To: to}
	}

	if s.State == StateRunning && !s.RunningSince.IsZero() {
		s.ExecutionTime += now.Sub(s.RunningSince)
		s.RunningSince = time.Time{}
	}

	switch to {
	case StateRunning:
		if s.StartedAt.IsZero() {
			s.StartedAt = now
		}
		s.RunningSince = now
		s.Error = nil
	case StatePending:
		s.Error = nil
	}

	if to != StateRunning {
		s.EndedAt = now
	}
	if !s.StartedAt.IsZero() && !s.EndedAt.IsZero() && s.EndedAt.After(s.StartedAt) {
		s.RealTime = s.EndedAt.Sub(s.StartedAt)
	}

	s.State = to
	return nil
}

// Fail moves a running step to error with the given cause.
func (s *Step) Fail(cause *StepError, now time.Time) error {
	if err := s.Transition(StateError, now); err != nil {
		return err
	}
	s.Error = cause
	return nil
}

// Clone returns a deep copy.
func (s *Step) Clone() *Step {
	cp := *s
	if s.Error != nil {
		e := *s.Error
		e.Backtrace = slices.Clone(s.Error.Backtrace)
		cp.Error = &e
	}
	return &cp
}
