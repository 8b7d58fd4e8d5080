package sensor

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

// Simulated produces base values with bounded jitter and random failures
type Simulated struct {
	name        string
	base        map[payload.FieldKind]float64
	jitter      float64
	failureRate float64
	rnd         *rand.Rand
}

// NewSimulated creates a simulated sensor. jitter is the maximum absolute
// deviation, failureRate the probability in [0,1] that a field fails.
func NewSimulated(name string, base map[payload.FieldKind]float64, jitter, failureRate float64, seed int64) *Simulated {
	return &Simulated{
		name:        name,
		base:        base,
		jitter:      jitter,
		failureRate: failureRate,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

func (s *Simulated) Name() string { return s.name }

func (s *Simulated) Fields() []payload.FieldKind {
	out := make([]payload.FieldKind, 0, len(s.base))
	for k := range s.base {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Simulated) Init(ctx context.Context) error { return nil }

func (s *Simulated) Read(ctx context.Context) (Reading, error) {
	r := Reading{}
	failed := 0
	for _, k := range s.Fields() {
		if s.failureRate > 0 && s.rnd.Float64() < s.failureRate {
			r[k] = payload.ErrorValue(k)
			failed++
			continue
		}
		v := s.base[k]
		if s.jitter > 0 {
			v += (s.rnd.Float64()*2 - 1) * s.jitter
		}
		if k == payload.Humidity {
			v = math.Max(0, math.Min(100, v))
		}
		r[k] = v
	}
	if failed == len(s.base) && failed > 0 {
		return r, ErrNoReading
	}
	return r, nil
}
