package sensor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

// DefaultStabilization is the settle time of a DHT22 after power-up
const DefaultStabilization = 2000 * time.Millisecond

// Rail switches a sensor's supply
type Rail interface {
	On() error
	Off() error
}

// NopRail is an always-on supply
type NopRail struct{}

func (NopRail) On() error  { return nil }
func (NopRail) Off() error { return nil }

// FileRail drives a GPIO through its sysfs value file
type FileRail struct {
	Path string
}

func (r FileRail) On() error  { return r.write("1") }
func (r FileRail) Off() error { return r.write("0") }

func (r FileRail) write(v string) error {
	if err := os.WriteFile(r.Path, []byte(v), 0o644); err != nil {
		return fmt.Errorf("power rail %s: %w", r.Path, err)
	}
	return nil
}

// Powered switches a source's rail on around each read
type Powered struct {
	Source
	rail  Rail
	delay time.Duration
}

// NewPowered wraps src. A zero delay uses DefaultStabilization.
func NewPowered(src Source, rail Rail, delay time.Duration) *Powered {
	if rail == nil {
		rail = NopRail{}
	}
	if delay == 0 {
		delay = DefaultStabilization
	}
	return &Powered{Source: src, rail: rail, delay: delay}
}

func (p *Powered) Name() string { return p.Source.Name() + "+rail" }

// Read powers the sensor, waits for it to settle, reads and powers it down
func (p *Powered) Read(ctx context.Context) (Reading, error) {
	if err := p.rail.On(); err != nil {
		return failed(p.Fields()), err
	}
	defer p.rail.Off()

	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return failed(p.Fields()), ctx.Err()
		case <-timer.C:
		}
	}

	return p.Source.Read(ctx)
}

func failed(fields []payload.FieldKind) Reading {
	r := Reading{}
	for _, k := range fields {
		r[k] = payload.ErrorValue(k)
	}
	return r
}
