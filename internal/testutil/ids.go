// Package testutil holds deterministic id and time sources for tests and
// the scenario harness.
package testutil

import (
	"fmt"
	"sync"
)

// IDSequence hands out ids of the form prefix-1, prefix-2, ...
//
// The same sequence run twice yields the same ids, which keeps golden
// snapshots stable. Safe for concurrent use.
type IDSequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewIDSequence creates a sequence. An empty prefix uses "plan".
func NewIDSequence(prefix string) *IDSequence {
	if prefix == "" {
		prefix = "plan"
	}
	return &IDSequence{prefix: prefix}
}

// Next returns the next id.
func (s *IDSequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%d", s.prefix, s.n)
}

// Issued returns how many ids were handed out.
func (s *IDSequence) Issued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Reset starts the sequence over.
func (s *IDSequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
}
