// Package timers provides a scheduled-task registry keyed by entity id.
// Queue-entry expiry and session announcements register here so that
// cancellation is an O(1) lookup-and-invalidate: a withdrawn queue entry or
// a cleaned-up session can never be fired on by a stale timer.
package timers

import (
	"sync"
	"time"
)

// Registry tracks at most one pending task per id.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*time.Timer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*time.Timer)}
}

// Schedule registers fn to run after d, replacing and stopping any task
// already registered under the same id. The entry removes itself from the
// registry when it fires, just before fn runs.
func (r *Registry) Schedule(id string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.tasks[id]; ok {
		prev.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.mu.Lock()
		// Only deregister if this timer is still the current one; a
		// reschedule may have replaced it between firing and locking.
		if cur, ok := r.tasks[id]; ok && cur == t {
			delete(r.tasks, id)
		}
		r.mu.Unlock()
		fn()
	})
	r.tasks[id] = t
}

// Cancel stops and removes the task registered under id. It returns whether
// a pending task was found. A task whose function has already started
// running is not interrupted.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	delete(r.tasks, id)
	return t.Stop()
}

// Len returns the number of pending tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Stop cancels every pending task. Used on shutdown.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tasks {
		t.Stop()
		delete(r.tasks, id)
	}
}
