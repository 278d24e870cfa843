// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// Slot holds at most one value, such as the active run of a controller.
// Claiming and releasing are atomic so two callers can never both own it.
type Slot[T any] struct {
	mu    sync.Mutex
	value T
	set   bool
}

// TrySet stores v if the slot is empty and reports whether it did.
func (s *Slot[T]) TrySet(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return false
	}
	s.value, s.set = v, true
	return true
}

// Take empties the slot, returning the previous value if there was one.
func (s *Slot[T]) Take() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.value, s.set
	var zero T
	s.value, s.set = zero, false
	return v, ok
}

// TakeIf empties the slot only when match accepts the current value.
func (s *Slot[T]) TakeIf(match func(T) bool) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if !s.set || !match(s.value) {
		return zero, false
	}
	v := s.value
	s.value, s.set = zero, false
	return v, true
}

// Peek returns the current value without removing it.
func (s *Slot[T]) Peek() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.set
}
