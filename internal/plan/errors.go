package plan

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// PlanningErrorCode categorizes planning failures.
type PlanningErrorCode string

const (
	// ErrCodeInvalidInput indicates the action rejected its input.
	ErrCodeInvalidInput PlanningErrorCode = "INVALID_INPUT"

	// ErrCodeDependencyCycle indicates the steps' output references form a cycle.
	ErrCodeDependencyCycle PlanningErrorCode = "DEPENDENCY_CYCLE"

	// ErrCodeUnknownAction indicates an action name missing from the registry.
	ErrCodeUnknownAction PlanningErrorCode = "UNKNOWN_ACTION"

	// ErrCodeInvalidReference indicates an output reference to a step that
	// does not exist or belongs to a later action.
	ErrCodeInvalidReference PlanningErrorCode = "INVALID_REFERENCE"
)

// PlanningError fails a plan before any of its steps run.
type PlanningError struct {
	Code    PlanningErrorCode
	Message string
	Action  string
	Err     error
}

func (e *PlanningError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Action != "" {
		msg = fmt.Sprintf("%s (action=%s)", msg, e.Action)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *PlanningError) Unwrap() error { return e.Err }

// IsPlanningError reports whether err is, or wraps, a PlanningError.
func IsPlanningError(err error) bool {
	var pe *PlanningError
	return errors.As(err, &pe)
}

// TransitionError reports a transition outside the phase table. It is a
// programming error and is never retried.
type TransitionError struct {
	PlanID string
	StepID int
	Phase  Phase
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal %s step transition %s -> %s (plan=%s, step=%d)",
		e.Phase, e.From, e.To, e.PlanID, e.StepID)
}

// Fatal marks the error as requiring termination of the owning process.
func (e *TransitionError) Fatal() bool { return true }

// PlanTransitionError reports an illegal plan state change.
type PlanTransitionError struct {
	PlanID string
	From   PlanState
	To     PlanState
}

func (e *PlanTransitionError) Error() string {
	return fmt.Sprintf("illegal plan transition %s -> %s (plan=%s)", e.From, e.To, e.PlanID)
}

// Fatal marks the error as requiring termination of the owning process.
func (e *PlanTransitionError) Fatal() bool { return true }

// IsFatal reports whether err, or anything it wraps, declares itself fatal.
func IsFatal(err error) bool {
	var f interface{ Fatal() bool }
	return errors.As(err, &f) && f.Fatal()
}

// StepError is the structured failure recorded on a step. It carries only
// strings so it can cross process boundaries safely.
type StepError struct {
	ExceptionClass string   `json:"exception_class"`
	Message        string   `json:"message"`
	Backtrace      []string `json:"backtrace"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.ExceptionClass, e.Message)
}

// NewStepError captures err as a StepError.
func NewStepError(err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		cp := *se
		return &cp
	}
	return &StepError{
		ExceptionClass: fmt.Sprintf("%T", err),
		Message:        err.Error(),
		Backtrace:      []string{},
	}
}

// NewPanicError captures a recovered panic with the current stack.
func NewPanicError(recovered any) *StepError {
	stack := strings.Split(strings.TrimSpace(string(debug.Stack())), "\n")
	return &StepError{
		ExceptionClass: "panic",
		Message:        fmt.Sprint(recovered),
		Backtrace:      stack,
	}
}

// AbnormalTermination is recorded on steps found running after their
// executor died.
func AbnormalTermination(previous State) *StepError {
	return &StepError{
		ExceptionClass: "AbnormalTermination",
		Message:        fmt.Sprintf("Abnormal termination (previous state: %s)", previous),
		Backtrace:      []string{},
	}
}
