// Package backoff maps consecutive OTAA join failures to a retry delay.
package backoff

import "time"

// step is one row of the schedule: failure counts up to MaxFailures wait Delay
type step struct {
	MaxFailures uint
	Delay       time.Duration
}

// schedule is tuned for sparse gateway coverage: never hammer the network
// server, but bound the reconnection latency to 30 minutes.
var schedule = []step{
	{MaxFailures: 1, Delay: 300 * time.Second},
	{MaxFailures: 3, Delay: 600 * time.Second},
	{MaxFailures: 5, Delay: 1200 * time.Second},
}

// MaxDelay is returned once the schedule is exhausted
const MaxDelay = 1800 * time.Second

// NextDelay returns how long to wait before the next join attempt after
// failures consecutive failed joins. The caller owns the counter.
func NextDelay(failures uint) time.Duration {
	for _, s := range schedule {
		if failures <= s.MaxFailures {
			return s.Delay
		}
	}
	return MaxDelay
}
