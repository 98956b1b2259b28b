// Package store provides the observable containers that hold the last
// synchronized snapshot of each entity collection.
//
// A Store replaces its contents wholesale; subscribers are called with every
// published snapshot in publication order. Readers always receive their own
// copy of the slice, so nothing outside the store can mutate what it holds.
package store

import (
	"slices"
	"sync"
)

// Store is a process-scoped observable collection of T.
type Store[T any] struct {
	mu    sync.RWMutex
	items []T
	gen   uint64

	// pubMu orders notifications so subscribers see snapshots in the order
	// they were set.
	pubMu sync.Mutex

	subsMu sync.Mutex
	subs   map[uint64]func([]T)
	nextID uint64
}

// New returns an empty Store.
func New[T any]() *Store[T] {
	return &Store[T]{
		items: []T{},
		subs:  make(map[uint64]func([]T)),
	}
}

// Get returns a copy of the current snapshot.
func (s *Store[T]) Get() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items)
}

// Len returns the number of items in the current snapshot.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Generation counts successful Set/Reset calls. It lets callers detect that
// the snapshot changed without comparing contents.
func (s *Store[T]) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Set atomically replaces the snapshot with a copy of items and notifies
// subscribers.
func (s *Store[T]) Set(items []T) {
	snapshot := slices.Clone(items)
	if snapshot == nil {
		snapshot = []T{}
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	s.items = snapshot
	s.gen++
	s.mu.Unlock()

	s.notify(snapshot)
}

// Reset empties the store.
func (s *Store[T]) Reset() {
	s.Set(nil)
}

// Subscribe registers fn and immediately calls it with the current snapshot.
// The returned function removes the subscription; it may be called from
// inside fn and more than once. fn must not call Set or Subscribe on the same
// store.
func (s *Store[T]) Subscribe(fn func([]T)) (unsubscribe func()) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()

	s.mu.RLock()
	current := s.items
	s.mu.RUnlock()
	fn(slices.Clone(current))

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			delete(s.subs, id)
		})
	}
}

// SubscriberCount returns the number of active subscriptions.
func (s *Store[T]) SubscriberCount() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

// notify must be called with pubMu held.
func (s *Store[T]) notify(snapshot []T) {
	s.subsMu.Lock()
	fns := make([]func([]T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(slices.Clone(snapshot))
	}
}
