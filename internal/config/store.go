package config

import (
	"sync"
	"sync/atomic"
)

// Store holds the current Snapshot behind an atomic pointer. Readers call
// Load once per request and never see a partially updated configuration;
// writers build a complete Snapshot and Swap it in.
type Store struct {
	ptr atomic.Pointer[Snapshot]

	mu          sync.Mutex
	subscribers []func(*Snapshot)
}

// NewStore creates a Store seeded with the given snapshot.
func NewStore(s *Snapshot) *Store {
	st := &Store{}
	st.ptr.Store(s)
	return st
}

// Load returns the current snapshot.
func (st *Store) Load() *Snapshot {
	return st.ptr.Load()
}

// Swap installs a new snapshot and notifies subscribers synchronously, in
// registration order, with the new value.
func (st *Store) Swap(s *Snapshot) {
	st.ptr.Store(s)

	st.mu.Lock()
	subs := make([]func(*Snapshot), len(st.subscribers))
	copy(subs, st.subscribers)
	st.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// Subscribe registers a callback invoked on every Swap. Callbacks must be
// fast; heavy work belongs in a goroutine owned by the subscriber.
func (st *Store) Subscribe(fn func(*Snapshot)) {
	st.mu.Lock()
	st.subscribers = append(st.subscribers, fn)
	st.mu.Unlock()
}
