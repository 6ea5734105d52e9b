// Package actor provides per-id serialization for session and user state.
//
// Every session or user id is a unit of serialization: all operations
// addressed to the same id run strictly one at a time. This is what lets the
// rest of the service reason about state machines without intra-entity races.
package actor

import "sync"

// Exec serializes work per id. Work for different ids runs concurrently;
// work for the same id runs one call at a time.
type Exec struct {
	mu      sync.Mutex
	entries map[string]*execEntry
}

type execEntry struct {
	mu   sync.Mutex
	refs int
}

// NewExec creates an empty serializer.
func NewExec() *Exec {
	return &Exec{entries: make(map[string]*execEntry)}
}

// Do runs fn while holding the id's critical section. Entries are reference
// counted so the map does not grow with every id ever seen.
func (e *Exec) Do(id string, fn func()) {
	entry := e.acquire(id)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		e.release(id, entry)
	}()
	fn()
}

func (e *Exec) acquire(id string) *execEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[id]
	if !ok {
		entry = &execEntry{}
		e.entries[id] = entry
	}
	entry.refs++
	return entry
}

func (e *Exec) release(id string, entry *execEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(e.entries, id)
	}
}
