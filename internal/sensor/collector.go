package sensor

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sensor-node/internal/power"
	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

// Collector builds the uplink from a source and the power monitor
type Collector struct {
	source  Source
	monitor power.Monitor
	layout  payload.Layout
	inited  bool
}

// NewCollector creates a collector. source may be nil for a battery-only
// node.
func NewCollector(source Source, monitor power.Monitor, layout payload.Layout) *Collector {
	return &Collector{source: source, monitor: monitor, layout: layout}
}

// Layout returns the payload layout
func (c *Collector) Layout() payload.Layout {
	return c.layout
}

// ReadSnapshot reads all channels. ok is false when none of the layout's
// sensor fields is valid. It never fails: failed fields carry error values.
func (c *Collector) ReadSnapshot(ctx context.Context) (payload.Snapshot, bool) {
	snap := payload.NewSnapshot()

	var r Reading
	if c.source != nil {
		if !c.inited {
			c.inited = true
			if err := c.source.Init(ctx); err != nil {
				log.Warn().Err(err).Str("sensor", c.source.Name()).Msg("sensor init failed")
			}
		}

		var err error
		r, err = c.source.Read(ctx)
		if err != nil {
			log.Warn().Err(err).Str("sensor", c.source.Name()).Msg("sensor read incomplete")
		}
	}

	sensors := c.layout.SensorFields()
	ok := len(sensors) == 0
	for _, k := range sensors {
		v, have := r[k]
		if !have {
			v = payload.ErrorValue(k)
		}
		snap.Set(k, v)
		ok = ok || snap.Valid(k)
	}

	if c.monitor != nil {
		snap.Set(payload.Battery, c.monitor.BatteryVoltage())
		if c.layout.Solar() {
			snap.SolarCharging = c.monitor.SolarCharging()
		}
	} else {
		snap.Set(payload.Battery, payload.ErrorValue(payload.Battery))
	}

	return snap, ok
}

// BuildPayload reads and encodes into buf, returning 0 if buf is too small
func (c *Collector) BuildPayload(ctx context.Context, buf []byte) int {
	n, _, _ := c.Collect(ctx, buf)
	return n
}

// Collect reads once and encodes into buf
func (c *Collector) Collect(ctx context.Context, buf []byte) (int, payload.Snapshot, bool) {
	snap, ok := c.ReadSnapshot(ctx)
	n, err := payload.Encode(snap, c.layout, buf)
	if err != nil {
		log.Error().Err(err).Msg("payload encode failed")
		return 0, snap, ok
	}
	return n, snap, ok
}
