package watchdog

import (
	"testing"
	"time"
)

func TestSoft_FiresWhenStarved(t *testing.T) {
	done := make(chan struct{})
	w := NewSoft(20*time.Millisecond, func() { close(done) })
	defer w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	if !w.Fired() {
		t.Fatal("Fired() = false after expiry")
	}
}

func TestSoft_FeedKeepsAlive(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := NewSoft(100*time.Millisecond, func() { fired <- struct{}{} })
	defer w.Stop()

	for i := 0; i < 10; i++ {
		time.Sleep(20 * time.Millisecond)
		w.Feed()
	}

	select {
	case <-fired:
		t.Fatal("watchdog fired while being fed")
	default:
	}
}

func TestSoft_StopDisarms(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := NewSoft(10*time.Millisecond, func() { fired <- struct{}{} })
	w.Stop()

	select {
	case <-fired:
		t.Fatal("stopped watchdog fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSoft_PauseHoldsCountdown(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := NewSoft(20*time.Millisecond, func() { fired <- struct{}{} })
	defer w.Stop()

	w.Pause()
	w.Feed()

	select {
	case <-fired:
		t.Fatal("paused watchdog fired")
	case <-time.After(100 * time.Millisecond):
	}
	if w.Fired() {
		t.Fatal("Fired() = true while paused")
	}

	w.Resume()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire after Resume")
	}
}

func TestSoft_ResumeAfterStopStaysDisarmed(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := NewSoft(10*time.Millisecond, func() { fired <- struct{}{} })
	w.Pause()
	w.Stop()
	w.Resume()

	select {
	case <-fired:
		t.Fatal("stopped watchdog fired after Resume")
	case <-time.After(50 * time.Millisecond):
	}
}
