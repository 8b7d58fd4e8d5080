// Package payload packs sensor readings into the fixed-layout uplink
// payload and decodes it back.
//
// Wire format: 2-byte big-endian fields in the order temperature,
// humidity, pressure, distance (each only when enabled), then the
// mandatory 2-byte battery voltage, then an optional 1-byte solar flag.
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrBufferTooSmall = errors.New("payload buffer too small")
	ErrLengthMismatch = errors.New("payload length does not match layout")
)

// Layout is the set of channels compiled into one node configuration
type Layout struct {
	sensors []FieldKind
	solar   bool
}

// NewLayout builds a layout in canonical order. Battery is always part of
// the layout and is ignored if listed; duplicates are dropped.
func NewLayout(kinds []FieldKind, solar bool) Layout {
	var seen [numKinds]bool
	for _, k := range kinds {
		if k < numKinds && k != Battery {
			seen[k] = true
		}
	}

	l := Layout{solar: solar}
	for k := Temperature; k < Battery; k++ {
		if seen[k] {
			l.sensors = append(l.sensors, k)
		}
	}
	return l
}

// Fields returns all encoded channels in wire order, battery last
func (l Layout) Fields() []FieldKind {
	out := make([]FieldKind, 0, len(l.sensors)+1)
	out = append(out, l.sensors...)
	return append(out, Battery)
}

// SensorFields returns the optional sensor channels only
func (l Layout) SensorFields() []FieldKind {
	out := make([]FieldKind, len(l.sensors))
	copy(out, l.sensors)
	return out
}

// Has reports whether k is encoded by the layout
func (l Layout) Has(k FieldKind) bool {
	if k == Battery {
		return true
	}
	for _, s := range l.sensors {
		if s == k {
			return true
		}
	}
	return false
}

// Solar reports whether the trailing solar flag is present
func (l Layout) Solar() bool {
	return l.solar
}

// Size is the exact encoded length for this layout
func (l Layout) Size() int {
	n := (len(l.sensors) + 1) * FieldWidth
	if l.solar {
		n += SolarFlagWidth
	}
	return n
}

// String renders the layout, e.g. "temperature,humidity,battery+solar"
func (l Layout) String() string {
	s := ""
	for i, k := range l.Fields() {
		if i > 0 {
			s += ","
		}
		s += k.String()
	}
	if l.solar {
		s += "+solar"
	}
	return s
}

// Snapshot holds one cycle of readings. Missing channels are treated as
// invalid.
type Snapshot struct {
	Values        map[FieldKind]float64
	SolarCharging bool
}

// NewSnapshot returns an empty snapshot
func NewSnapshot() Snapshot {
	return Snapshot{Values: make(map[FieldKind]float64)}
}

// Set records a reading
func (s *Snapshot) Set(k FieldKind, v float64) {
	if s.Values == nil {
		s.Values = make(map[FieldKind]float64)
	}
	s.Values[k] = v
}

// Value returns the reading for k, NaN when absent
func (s Snapshot) Value(k FieldKind) float64 {
	if v, ok := s.Values[k]; ok {
		return v
	}
	return math.NaN()
}

// Valid reports whether the reading for k can be encoded as a value
func (s Snapshot) Valid(k FieldKind) bool {
	return FieldFor(k).Valid(s.Value(k))
}

// Encode writes snap into buf following layout and returns the number of
// bytes written, which is always layout.Size() on success.
func Encode(snap Snapshot, layout Layout, buf []byte) (int, error) {
	size := layout.Size()
	if len(buf) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, size, len(buf))
	}

	off := 0
	for _, k := range layout.Fields() {
		f := FieldFor(k)
		raw, ok := f.quantize(snap.Value(k))
		if !ok {
			raw = f.Sentinel
		}
		binary.BigEndian.PutUint16(buf[off:off+FieldWidth], raw)
		off += FieldWidth
	}

	if layout.solar {
		buf[off] = 0
		if snap.SolarCharging {
			buf[off] = 1
		}
		off += SolarFlagWidth
	}

	return off, nil
}

// Marshal allocates a buffer of the exact layout size and encodes into it
func Marshal(snap Snapshot, layout Layout) []byte {
	buf := make([]byte, layout.Size())
	// buffer is sized from the layout, Encode cannot fail
	n, _ := Encode(snap, layout, buf)
	return buf[:n]
}

// Reading is one decoded channel
type Reading struct {
	Kind  FieldKind `json:"field"`
	Value float64   `json:"value"`
	Valid bool      `json:"valid"`
}

// Decoded is the result of Decode
type Decoded struct {
	Readings      []Reading `json:"readings"`
	HasSolar      bool      `json:"has_solar"`
	SolarCharging bool      `json:"solar_charging"`
}

// Value returns the decoded value for k and whether it was valid
func (d Decoded) Value(k FieldKind) (float64, bool) {
	for _, r := range d.Readings {
		if r.Kind == k {
			return r.Value, r.Valid
		}
	}
	return math.NaN(), false
}

// Decode parses data produced by Encode with the same layout
func Decode(layout Layout, data []byte) (Decoded, error) {
	if len(data) != layout.Size() {
		return Decoded{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrLengthMismatch, layout.Size(), len(data))
	}

	var d Decoded
	off := 0
	for _, k := range layout.Fields() {
		raw := binary.BigEndian.Uint16(data[off : off+FieldWidth])
		v, ok := FieldFor(k).dequantize(raw)
		if !ok {
			v = 0
		}
		d.Readings = append(d.Readings, Reading{Kind: k, Value: v, Valid: ok})
		off += FieldWidth
	}

	if layout.solar {
		d.HasSolar = true
		d.SolarCharging = data[off] == 1
	}

	return d, nil
}
