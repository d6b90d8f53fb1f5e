// Package checkpoint keeps a short, time-gated history of known-good values
// to roll back to when voting can no longer be trusted.
package checkpoint

import (
	"errors"
	"sync"
	"time"
)

const (
	DefaultMax      = 3
	DefaultInterval = 60 * time.Second
)

// ErrInvalidCapacity is returned when a store is configured to hold nothing.
var ErrInvalidCapacity = errors.New("checkpoint: max checkpoints must be at least 1")

// Checkpoint is an immutable snapshot.
type Checkpoint[T any] struct {
	Version   uint64
	Value     T
	CreatedAt time.Time
}

// Store is a bounded FIFO of checkpoints, oldest first.
// Safe for concurrent use.
type Store[T any] struct {
	mu          sync.Mutex
	checkpoints []Checkpoint[T]
	max         int
	interval    time.Duration
	last        time.Time
	lastVersion uint64
	hasLast     bool

	now      func() time.Time
	observer func(Checkpoint[T])
}

// Option configures a Store.
type Option[T any] func(*Store[T])

// WithClock overrides the time source.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(s *Store[T]) { s.now = now }
}

// WithObserver is called with every accepted checkpoint, after the store
// lock has been released.
func WithObserver[T any](fn func(Checkpoint[T])) Option[T] {
	return func(s *Store[T]) { s.observer = fn }
}

// New creates a store holding at most max checkpoints, accepting at most one
// per interval.
func New[T any](max int, interval time.Duration, opts ...Option[T]) (*Store[T], error) {
	if max < 1 {
		return nil, ErrInvalidCapacity
	}
	s := &Store[T]{
		max:      max,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create stores value under version. It reports false without storing when
// the previous checkpoint is younger than the interval, or when version does
// not advance past the newest stored version.
func (s *Store[T]) Create(value T, version uint64) bool {
	s.mu.Lock()
	now := s.now()
	if s.hasLast && now.Sub(s.last) < s.interval {
		s.mu.Unlock()
		return false
	}
	if s.hasLast && version <= s.lastVersion {
		s.mu.Unlock()
		return false
	}

	cp := Checkpoint[T]{Version: version, Value: value, CreatedAt: now}
	s.checkpoints = append(s.checkpoints, cp)
	s.last = now
	s.lastVersion = version
	s.hasLast = true
	s.evictLocked()
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(cp)
	}
	return true
}

func (s *Store[T]) evictLocked() {
	if over := len(s.checkpoints) - s.max; over > 0 {
		s.checkpoints = append(s.checkpoints[:0:0], s.checkpoints[over:]...)
	}
}

// Latest returns the newest checkpoint value.
func (s *Store[T]) Latest() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if len(s.checkpoints) == 0 {
		return zero, false
	}
	return s.checkpoints[len(s.checkpoints)-1].Value, true
}

// RollbackToVersion returns the value stored under version.
func (s *Store[T]) RollbackToVersion(version uint64) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.checkpoints) - 1; i >= 0; i-- {
		if s.checkpoints[i].Version == version {
			return s.checkpoints[i].Value, true
		}
	}
	var zero T
	return zero, false
}

// RollbackToValid returns the newest value accepted by valid. valid is
// called with the store locked and must not call back into the store.
func (s *Store[T]) RollbackToValid(valid func(T) bool) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.checkpoints) - 1; i >= 0; i-- {
		if valid(s.checkpoints[i].Value) {
			return s.checkpoints[i].Value, true
		}
	}
	var zero T
	return zero, false
}

// Reconfigure changes capacity and interval, evicting the oldest
// checkpoints if the store shrinks.
func (s *Store[T]) Reconfigure(max int, interval time.Duration) error {
	if max < 1 {
		return ErrInvalidCapacity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = max
	s.interval = interval
	s.evictLocked()
	return nil
}

// Len returns the number of stored checkpoints.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkpoints)
}

// Versions lists stored versions, oldest first.
func (s *Store[T]) Versions() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.checkpoints))
	for i, cp := range s.checkpoints {
		out[i] = cp.Version
	}
	return out
}

// Snapshot returns a copy of the stored checkpoints, oldest first.
func (s *Store[T]) Snapshot() []Checkpoint[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Checkpoint[T](nil), s.checkpoints...)
}
