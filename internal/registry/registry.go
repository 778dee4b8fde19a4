// Package registry owns the live one-shot timers of the scheduling core.
// It maps (user, slot) keys to cancellable handles and nothing else: no
// persistence, no dispatch, no clock policy.
package registry

import (
	"sync"
	"time"

	logx "checkind/pkg/logx"
)

// Key identifies one job: a user's slot.
type Key struct {
	UserID    string
	SlotIndex int
}

// FireFunc is invoked exactly once when a handle's instant arrives. It runs
// on the timer's goroutine; implementations must hand off quickly.
type FireFunc func(key Key, types []string, at time.Time)

type handle struct {
	ver   uint64
	at    time.Time
	types []string
	timer *time.Timer
}

// Registry is an in-memory map of single-shot job handles.
//
// Invariants:
//   - at most one handle per key; Register cancels the previous one first
//   - a fired handle is consumed; re-arming is the caller's job
//   - cancelling a missing key is a no-op
//   - a handle cancelled mid-fire completes its invocation but is never
//     re-armed (the version check makes the stale callback a no-op only
//     when the fire has not started yet)
type Registry struct {
	mu   sync.Mutex
	jobs map[Key]*handle
	vers map[Key]uint64
	log  logx.Logger
}

func New(log logx.Logger) *Registry {
	return &Registry{
		jobs: map[Key]*handle{},
		vers: map[Key]uint64{},
		log:  log,
	}
}

// Register arms a one-shot timer for key at the given instant, replacing and
// cancelling any existing handle for the key. Instants in the past fire
// immediately (time.AfterFunc semantics).
func (r *Registry) Register(key Key, at time.Time, types []string, onFire FireFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.jobs[key]; ok {
		old.timer.Stop()
		delete(r.jobs, key)
	}

	ver := r.vers[key] + 1
	r.vers[key] = ver

	h := &handle{ver: ver, at: at, types: append([]string(nil), types...)}
	h.timer = time.AfterFunc(time.Until(at), func() {
		r.fire(key, ver, onFire)
	})
	r.jobs[key] = h

	r.log.Debug("job registered",
		logx.String("user_id", key.UserID),
		logx.Int("slot", key.SlotIndex),
		logx.Time("at", at))
}

func (r *Registry) fire(key Key, ver uint64, onFire FireFunc) {
	r.mu.Lock()
	h, ok := r.jobs[key]
	if !ok || h.ver != ver {
		// Cancelled or replaced while the callback was already scheduled.
		r.mu.Unlock()
		return
	}
	delete(r.jobs, key) // consumed
	at := h.at
	types := h.types
	r.mu.Unlock()

	onFire(key, types, at)
}

// Cancel stops and removes the handle for key, if any.
func (r *Registry) Cancel(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.jobs[key]; ok {
		h.timer.Stop()
		delete(r.jobs, key)
		r.vers[key]++
	}
}

// CancelUser removes every handle belonging to userID.
func (r *Registry) CancelUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, h := range r.jobs {
		if key.UserID != userID {
			continue
		}
		h.timer.Stop()
		delete(r.jobs, key)
		r.vers[key]++
		n++
	}
	return n
}

// CancelAll removes every handle.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.jobs)
	for key, h := range r.jobs {
		h.timer.Stop()
		delete(r.jobs, key)
		r.vers[key]++
	}
	return n
}

// Len reports the number of armed handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Keys returns the armed key set. Order is unspecified.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.jobs))
	for key := range r.jobs {
		out = append(out, key)
	}
	return out
}

// NextFire reports the armed instant for key.
func (r *Registry) NextFire(key Key) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.jobs[key]
	if !ok {
		return time.Time{}, false
	}
	return h.at, true
}
