// Package power decides how the node sleeps between activity windows.
//
// Deep sleep follows every successful transmission and discards all
// volatile state. Light sleep is used for long join backoffs because it
// keeps the join-failure counter alive.
package power

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Threshold is the shortest backoff served by light sleep. Shorter
// backoffs keep the radio warm with a deferred callback instead.
const Threshold = 300 * time.Second

// ErrDeepSleep is returned once deep sleep has been entered. Nothing held
// in memory may be used after it.
var ErrDeepSleep = errors.New("deep sleep entered")

// Sleeper is the hardware sleep primitive
type Sleeper interface {
	// DeepSleep halts the node for d; volatile state is lost
	DeepSleep(ctx context.Context, d time.Duration) error
	// LightSleep halts the node for d and resumes with state intact
	LightSleep(ctx context.Context, d time.Duration) error
}

// Blanker silences the display before sleeping
type Blanker interface {
	Off()
}

// Suspender is a watchdog that must not count while the node sleeps
type Suspender interface {
	Pause()
	Resume()
}

// BackoffOutcome tells the caller what EnterBackoffSleep did
type BackoffOutcome int

const (
	// BackoffDeferred: nothing slept, schedule a retry callback
	BackoffDeferred BackoffOutcome = iota
	// BackoffSlept: light sleep finished, restart the join
	BackoffSlept
)

func (o BackoffOutcome) String() string {
	if o == BackoffSlept {
		return "slept"
	}
	return "deferred"
}

// Controller owns the wake-timer configuration
type Controller struct {
	sleeper   Sleeper
	display   Blanker
	watchdog  Suspender
	threshold time.Duration
}

// NewController creates a controller. display may be nil.
func NewController(sleeper Sleeper, display Blanker) *Controller {
	return &Controller{
		sleeper:   sleeper,
		display:   display,
		threshold: Threshold,
	}
}

// SetWatchdog registers a watchdog paused for the length of every sleep
// and re-armed on wake. nil clears it.
func (c *Controller) SetWatchdog(w Suspender) {
	c.watchdog = w
}

// EnterPostTransmissionSleep deep sleeps for interval. It always returns a
// non-nil error: ErrDeepSleep, or the context error if interrupted.
func (c *Controller) EnterPostTransmissionSleep(ctx context.Context, interval time.Duration) error {
	c.blank()

	log.Info().
		Dur("interval", interval).
		Msg("entering deep sleep")

	c.suspend()
	defer c.resume()

	if err := c.sleeper.DeepSleep(ctx, interval); err != nil {
		return err
	}
	return ErrDeepSleep
}

// EnterBackoffSleep either defers (d below the threshold) or light sleeps
// for d.
func (c *Controller) EnterBackoffSleep(ctx context.Context, d time.Duration) (BackoffOutcome, error) {
	if d < c.threshold {
		log.Debug().
			Dur("delay", d).
			Msg("backoff below light-sleep threshold, deferring")
		return BackoffDeferred, nil
	}

	c.blank()

	log.Info().
		Dur("duration", d).
		Msg("entering light sleep for join backoff")

	c.suspend()
	err := c.sleeper.LightSleep(ctx, d)
	c.resume()
	if err != nil {
		return BackoffSlept, err
	}

	log.Info().Msg("woke from light sleep")
	return BackoffSlept, nil
}

func (c *Controller) suspend() {
	if c.watchdog != nil {
		c.watchdog.Pause()
	}
}

func (c *Controller) resume() {
	if c.watchdog != nil {
		c.watchdog.Resume()
	}
}

func (c *Controller) blank() {
	if c.display != nil {
		c.display.Off()
	}
}
