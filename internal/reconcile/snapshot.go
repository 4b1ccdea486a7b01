package reconcile

import (
	"sort"
	"time"
)

// Snapshot is an immutable view of one collection. It is replaced wholesale, never
// edited in place.
type Snapshot[T any] struct {
	sequence  uint64
	appliedAt time.Time
	entities  map[string]T
	keys      []string
}

func newSnapshot[T any](sequence uint64, appliedAt time.Time, entities map[string]T) *Snapshot[T] {
	keys := make([]string, 0, len(entities))
	for key := range entities {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return &Snapshot[T]{
		sequence:  sequence,
		appliedAt: appliedAt,
		entities:  entities,
		keys:      keys,
	}
}

// Sequence is the batch sequence that produced the snapshot, or 0 when unsequenced.
func (s *Snapshot[T]) Sequence() uint64 { return s.sequence }

// AppliedAt is when the snapshot was installed.
func (s *Snapshot[T]) AppliedAt() time.Time { return s.appliedAt }

func (s *Snapshot[T]) Len() int { return len(s.entities) }

func (s *Snapshot[T]) Get(key string) (T, bool) {
	entity, ok := s.entities[key]
	return entity, ok
}

// All returns the entities ordered by key.
func (s *Snapshot[T]) All() []T {
	result := make([]T, 0, len(s.keys))
	for _, key := range s.keys {
		result = append(result, s.entities[key])
	}
	return result
}

// Keys returns the entity keys in ascending order.
func (s *Snapshot[T]) Keys() []string {
	return append([]string(nil), s.keys...)
}
