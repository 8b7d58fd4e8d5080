// Package sensor reads the node's environmental channels and turns them
// into the uplink payload.
package sensor

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

// ErrNoReading is returned when no field of a source could be read
var ErrNoReading = errors.New("sensor: no valid reading")

// Reading maps each channel a source measured to its value. Failed
// channels carry payload.ErrorValue or NaN.
type Reading map[payload.FieldKind]float64

// Source is one sensor driver
type Source interface {
	Name() string
	Fields() []payload.FieldKind
	Init(ctx context.Context) error
	Read(ctx context.Context) (Reading, error)
}

// Multi merges several sources field by field. The first source with a
// valid value for a field wins.
type Multi struct {
	sources []Source
	ready   []bool
	retried []bool
}

// NewMulti combines sources in priority order
func NewMulti(sources ...Source) *Multi {
	return &Multi{
		sources: sources,
		ready:   make([]bool, len(sources)),
		retried: make([]bool, len(sources)),
	}
}

func (m *Multi) Name() string { return "multi" }

// Fields is the union of all sources' fields in canonical order
func (m *Multi) Fields() []payload.FieldKind {
	seen := map[payload.FieldKind]bool{}
	var out []payload.FieldKind
	for _, s := range m.sources {
		for _, k := range s.Fields() {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Init initializes every source. It fails only if all of them fail.
func (m *Multi) Init(ctx context.Context) error {
	var lastErr error
	ok := 0
	for i, s := range m.sources {
		if err := s.Init(ctx); err != nil {
			log.Warn().Err(err).Str("sensor", s.Name()).Msg("sensor init failed")
			lastErr = err
			continue
		}
		m.ready[i] = true
		ok++
	}
	if ok == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// Read merges all sources. A source whose Init failed gets one more Init
// attempt per Multi.
func (m *Multi) Read(ctx context.Context) (Reading, error) {
	out := Reading{}
	for i, s := range m.sources {
		if !m.ready[i] {
			if m.retried[i] {
				continue
			}
			m.retried[i] = true
			if err := s.Init(ctx); err != nil {
				log.Debug().Err(err).Str("sensor", s.Name()).Msg("sensor re-init failed")
				continue
			}
			m.ready[i] = true
		}

		r, err := s.Read(ctx)
		if err != nil {
			log.Warn().Err(err).Str("sensor", s.Name()).Msg("sensor read failed")
		}
		for k, v := range r {
			if _, have := out[k]; have && payload.FieldFor(k).Valid(out[k]) {
				continue
			}
			out[k] = v
		}
	}

	for k, v := range out {
		if payload.FieldFor(k).Valid(v) {
			return out, nil
		}
	}
	return out, ErrNoReading
}
