package flow

import (
	"sync"
	"time"
)

// deadlineWaiter fires a callback once an absolute deadline passes. It can be
// re-armed while pending; a later deadline replaces an earlier one but an
// earlier one never shortens the wait. Each arming gets a generation number
// so a callback from a stopped or replaced timer can be told apart.
type deadlineWaiter struct {
	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	gen      uint64
	armed    bool
	fire     func(gen uint64)
	now      func() time.Time
}

func newDeadlineWaiter(fire func(gen uint64)) *deadlineWaiter {
	return &deadlineWaiter{fire: fire, now: time.Now}
}

// arm schedules the callback at deadline. It reports whether the pending
// deadline changed.
func (w *deadlineWaiter) arm(deadline time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.armed && !deadline.After(w.deadline) {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.deadline = deadline
	w.armed = true
	w.timer = time.AfterFunc(deadline.Sub(w.now()), func() { w.fire(gen) })
	return true
}

// stop cancels the pending deadline, if any.
func (w *deadlineWaiter) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	w.armed = false
}

// claim reports whether gen is the pending arming and disarms it. Callbacks
// that lose the claim must do nothing.
func (w *deadlineWaiter) claim(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.armed || gen != w.gen {
		return false
	}
	w.armed = false
	w.timer = nil
	return true
}

func (w *deadlineWaiter) pending() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadline, w.armed
}
