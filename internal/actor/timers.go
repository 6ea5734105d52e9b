package actor

import (
	"sync"
	"time"
)

// Timers schedules the one-shot self-destruct for each actor id.
//
// A timer is armed exactly once, at creation, and is never extended by later
// activity. When it fires, the wipe function runs through the same per-id
// serialization point as every other operation on that id, so firing races
// nothing. Consume and destroy collapse the schedule and run the wipe inline
// from inside the id's already-held critical section.
type Timers struct {
	exec    *Exec
	mu      sync.Mutex
	entries map[string]*timerEntry
}

type timerEntry struct {
	timer *time.Timer
	wipe  func()
}

// NewTimers creates a timer table whose firings serialize through exec.
func NewTimers(exec *Exec) *Timers {
	return &Timers{exec: exec, entries: make(map[string]*timerEntry)}
}

// Arm schedules wipe to run after d, serialized under the id. It reports
// whether the schedule was created; an id already armed is left untouched.
func (t *Timers) Arm(id string, d time.Duration, wipe func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return false
	}
	entry := &timerEntry{wipe: wipe}
	entry.timer = time.AfterFunc(d, func() {
		t.exec.Do(id, func() {
			if t.take(id) != nil {
				wipe()
			}
		})
	})
	t.entries[id] = entry
	return true
}

// Fire collapses the schedule to "now": it drops the pending timer and runs
// the armed wipe inline. The caller must already hold the id's serialization
// (be inside Exec.Do for that id). It reports whether a schedule existed.
func (t *Timers) Fire(id string) bool {
	entry := t.take(id)
	if entry == nil {
		return false
	}
	entry.timer.Stop()
	entry.wipe()
	return true
}

// Armed reports whether id currently has a pending schedule.
func (t *Timers) Armed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// take removes and returns the entry for id, or nil. Whoever takes the entry
// owns the wipe; a timer goroutine that finds it gone does nothing.
func (t *Timers) take(id string) *timerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return entry
}
