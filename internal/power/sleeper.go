package power

import (
	"context"
	"time"
)

// HostSleeper implements Sleeper with timers. On a host the "deep" and
// "light" variants only differ in what the caller does afterwards.
type HostSleeper struct {
	// Scale shortens every sleep, for demos. Zero means 1.
	Scale float64
}

// DeepSleep blocks for d or until ctx is done
func (h HostSleeper) DeepSleep(ctx context.Context, d time.Duration) error {
	return h.wait(ctx, d)
}

// LightSleep blocks for d or until ctx is done
func (h HostSleeper) LightSleep(ctx context.Context, d time.Duration) error {
	return h.wait(ctx, d)
}

func (h HostSleeper) wait(ctx context.Context, d time.Duration) error {
	if h.Scale > 0 {
		d = time.Duration(float64(d) * h.Scale)
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
