package testutil

import (
	"time"

	"github.com/roach88/conductor/internal/clock"
)

// Epoch is the start time of every test clock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewClock returns a manual clock standing at Epoch. Time moves only when
// the test advances it, so recorded timestamps and durations are stable.
func NewClock() *clock.Manual {
	return clock.NewManual(Epoch)
}
