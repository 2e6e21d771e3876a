package testutil

import (
	"fmt"
	"sync"
)

// IDSequence generates "<prefix>-1", "<prefix>-2", ... in order.
//
// It stands in for random id generators (UUIDs, ULIDs) so the same
// scenario produces byte-identical traces.
type IDSequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewIDSequence returns a sequence whose first id is "<prefix>-1".
// An empty prefix uses "id".
func NewIDSequence(prefix string) *IDSequence {
	if prefix == "" {
		prefix = "id"
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

// FixedID returns a generator that always returns id.
func FixedID(id string) func() string {
	return func() string { return id }
}
