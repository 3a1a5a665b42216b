package director

import "errors"

var (
	// ErrStaleWork is returned for a completion whose WorkItem is not in
	// flight, such as a duplicate delivery.
	ErrStaleWork = errors.New("work item is not in flight")

	// ErrUnprocessableEvent is returned for a mandatory event the target
	// step cannot take.
	ErrUnprocessableEvent = errors.New("step cannot process event")

	// ErrAlreadyExecuting is returned when a plan is started twice.
	ErrAlreadyExecuting = errors.New("plan is already executing")

	// ErrNotExecutable is returned for plans that are stopped.
	ErrNotExecutable = errors.New("plan cannot be executed")
)
