package store

import (
	"time"

	"github.com/roach88/conductor/internal/plan"
)

// Allocation records which executor world runs a plan and who asked for it.
type Allocation struct {
	PlanID        string
	WorldID       string
	ClientWorldID string
	RequestID     int64
}

// CoordinatorRecord is a generic coordination entry such as a lock or a
// world registration. Data is owned by the coordinator.
type CoordinatorRecord struct {
	Class   string
	ID      string
	OwnerID string
	Data    []byte
}

// PlanFilter selects execution plans. Zero fields match everything.
type PlanFilter struct {
	IDs         []string
	States      []plan.PlanState
	Label       string
	EndedBefore time.Time
	Limit       int
}

// RecordFilter selects coordinator records of one class.
type RecordFilter struct {
	IDs     []string
	OwnerID string
}
