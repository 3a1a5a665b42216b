package dispatch

import "errors"

// Reasons carried by DispatchError.
const (
	ReasonNoExecutor  = "No executor available"
	ReasonNoExecution = "Could not find an executor for execution plan"
	ReasonTimeout     = "request timeout"
)

// DispatchError resolves a tracked request that could not be delivered or
// that the executor rejected.
type DispatchError struct {
	RequestID int64
	Reason    string
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsDispatchError reports whether err is or wraps a DispatchError.
func IsDispatchError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}
