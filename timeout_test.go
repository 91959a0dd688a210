package msgrpc

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimeoutWatcher_Fires(t *testing.T) {
	var w timeoutWatcher
	fired := make(chan struct{})
	w.Reset(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watcher did not fire")
	}
	if !w.IsTimeout() {
		t.Fatal("expected IsTimeout after firing")
	}
}

func TestTimeoutWatcher_StopPreventsFire(t *testing.T) {
	var w timeoutWatcher
	var calls atomic.Int32
	w.Reset(20*time.Millisecond, func() { calls.Add(1) })

	if !w.Stop() {
		t.Fatal("expected Stop to report an armed timer")
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("stopped watcher fired")
	}
	if w.IsTimeout() {
		t.Fatal("IsTimeout after Stop")
	}
	if w.Stop() {
		t.Fatal("second Stop reported an armed timer")
	}
}

func TestTimeoutWatcher_ResetSupersedesEarlierArm(t *testing.T) {
	var w timeoutWatcher
	var first, second atomic.Int32
	w.Reset(10*time.Millisecond, func() { first.Add(1) })
	w.Reset(40*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() != 0 {
		t.Fatal("superseded arm fired")
	}
	if second.Load() != 1 {
		t.Fatalf("expected current arm to fire once, fired %d", second.Load())
	}
}

func TestTimeoutWatcher_Remaining(t *testing.T) {
	var w timeoutWatcher
	if w.Remaining() != 0 {
		t.Fatal("unarmed watcher has remaining time")
	}

	w.Reset(time.Hour, func() {})
	r := w.Remaining()
	if r <= 59*time.Minute || r > time.Hour {
		t.Fatalf("unexpected remaining %v", r)
	}

	// The deadline is kept after Stop so a caller can carry the budget on.
	w.Stop()
	if w.Remaining() == 0 {
		t.Fatal("Stop discarded the deadline")
	}

	w.Reset(0, func() {})
	if w.Remaining() != 0 {
		t.Fatal("zero Reset left a deadline")
	}
}
