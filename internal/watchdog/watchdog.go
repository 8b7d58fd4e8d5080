// Package watchdog provides the software watchdog fed by the node loop.
package watchdog

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout matches the hardware watchdog of the reference board
const DefaultTimeout = 5 * time.Minute

// Watchdog is fed by the control loop
type Watchdog interface {
	Feed()
}

// Nop never fires
type Nop struct{}

// Feed implements Watchdog
func (Nop) Feed() {}

// Soft fires onExpire once if not fed within the timeout
type Soft struct {
	mu       sync.Mutex
	timeout  time.Duration
	timer    *time.Timer
	onExpire func()
	fired    bool
	stopped  bool
	paused   bool
}

// NewSoft arms a watchdog. onExpire runs on its own goroutine.
func NewSoft(timeout time.Duration, onExpire func()) *Soft {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	w := &Soft{timeout: timeout, onExpire: onExpire}
	w.timer = time.AfterFunc(timeout, w.expire)
	return w
}

// Feed pushes the deadline out by one timeout
func (w *Soft) Feed() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fired || w.stopped || w.paused {
		return
	}
	w.timer.Reset(w.timeout)
}

// Pause stops the countdown while the node sleeps. The hardware watchdog
// does not run in light or deep sleep either.
func (w *Soft) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fired || w.stopped {
		return
	}
	w.paused = true
	w.timer.Stop()
}

// Resume restarts the countdown with a full timeout
func (w *Soft) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fired || w.stopped || !w.paused {
		return
	}
	w.paused = false
	w.timer.Reset(w.timeout)
}

// Stop disarms the watchdog
func (w *Soft) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	w.timer.Stop()
}

// Fired reports whether the watchdog expired
func (w *Soft) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

func (w *Soft) expire() {
	w.mu.Lock()
	if w.fired || w.stopped || w.paused {
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.mu.Unlock()

	log.Error().Dur("timeout", w.timeout).Msg("watchdog expired")
	if w.onExpire != nil {
		w.onExpire()
	}
}
