package coordinator

import (
	"errors"
	"fmt"
)

// LockError reports that a lock is held by another world.
type LockError struct {
	LockID string
	Holder string
	Err    error
}

func (e *LockError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("lock %s is held by %s", e.LockID, e.Holder)
	}
	return fmt.Sprintf("lock %s: %v", e.LockID, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// IsLockError reports whether err is or wraps a LockError.
func IsLockError(err error) bool {
	var le *LockError
	return errors.As(err, &le)
}
