package msgrpc

import (
	"sync"
	"time"
)

// timeoutWatcher is a reusable one-shot timer. Each Reset starts a new arm;
// a fire belonging to an earlier arm (one that raced Stop or Reset) is
// discarded by comparing generations.
type timeoutWatcher struct {
	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	fired    bool
	deadline time.Time
}

// Reset arms the watcher to call onTimeout after d, cancelling any previous
// arm. d <= 0 disarms it.
func (w *timeoutWatcher) Reset(d time.Duration, onTimeout func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	w.fired = false
	if d <= 0 {
		w.deadline = time.Time{}
		return
	}

	gen := w.gen
	w.deadline = time.Now().Add(d)
	w.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		if w.gen != gen {
			w.mu.Unlock()
			return
		}
		w.fired = true
		w.timer = nil
		w.gen++
		w.mu.Unlock()
		onTimeout()
	})
}

// Stop disarms the watcher. It reports whether an armed timer was stopped
// before firing.
func (w *timeoutWatcher) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopLocked()
}

func (w *timeoutWatcher) stopLocked() bool {
	w.gen++
	if w.timer == nil {
		return false
	}
	stopped := w.timer.Stop()
	w.timer = nil
	return stopped
}

// Remaining returns the time left on the current arm, zero if the watcher
// is not armed or the deadline has passed.
func (w *timeoutWatcher) Remaining() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.deadline.IsZero() {
		return 0
	}
	if d := time.Until(w.deadline); d > 0 {
		return d
	}
	return 0
}

// IsTimeout reports whether the most recent arm fired.
func (w *timeoutWatcher) IsTimeout() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}
