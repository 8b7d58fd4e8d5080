package payload

import (
	"fmt"
	"math"
	"strings"
)

// FieldKind identifies one scalar channel of the uplink payload
type FieldKind uint8

const (
	Temperature FieldKind = iota
	Humidity
	Pressure
	Distance
	Battery

	numKinds
)

// FieldWidth is the encoded width of every scalar field
const FieldWidth = 2

// SolarFlagWidth is the width of the optional trailing solar flag
const SolarFlagWidth = 1

var kindNames = [numKinds]string{
	Temperature: "temperature",
	Humidity:    "humidity",
	Pressure:    "pressure",
	Distance:    "distance",
	Battery:     "battery",
}

// String returns the lower-case field name
func (k FieldKind) String() string {
	if k >= numKinds {
		return fmt.Sprintf("field(%d)", uint8(k))
	}
	return kindNames[k]
}

// MarshalText implements encoding.TextMarshaler
func (k FieldKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *FieldKind) UnmarshalText(text []byte) error {
	parsed, err := ParseFieldKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseFieldKind parses a field name such as "temperature"
func ParseFieldKind(s string) (FieldKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return FieldKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown payload field %q", s)
}

// Field describes the fixed-point encoding of one channel
type Field struct {
	Kind   FieldKind
	Scale  float64
	Signed bool
	// Sentinel is written instead of a scaled value when the reading is invalid
	Sentinel uint16
	// ErrorValue is the float drivers report when a read fails
	ErrorValue float64
}

var fieldTable = [numKinds]Field{
	Temperature: {Kind: Temperature, Scale: 100, Signed: true, Sentinel: 0x8000, ErrorValue: -999},
	Humidity:    {Kind: Humidity, Scale: 100, Sentinel: 0xFFFF, ErrorValue: -1},
	Pressure:    {Kind: Pressure, Scale: 10, Sentinel: 0xFFFF, ErrorValue: -1},
	Distance:    {Kind: Distance, Scale: 100, Sentinel: 0xFFFF, ErrorValue: -1},
	Battery:     {Kind: Battery, Scale: 100, Sentinel: 0xFFFF, ErrorValue: -1},
}

// FieldFor returns the encoding of k
func FieldFor(k FieldKind) Field {
	if k >= numKinds {
		return Field{Kind: k, Scale: 1, Sentinel: 0xFFFF}
	}
	return fieldTable[k]
}

// ErrorValue returns the driver-level error float of k
func ErrorValue(k FieldKind) float64 {
	return FieldFor(k).ErrorValue
}

// Valid reports whether v is a usable reading for the field
func (f Field) Valid(v float64) bool {
	_, ok := f.quantize(v)
	return ok
}

// quantize scales v to the field width. Values that collide with the
// sentinel or do not fit the width are rejected.
func (f Field) quantize(v float64) (uint16, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v == f.ErrorValue {
		return 0, false
	}

	scaled := math.Round(v * f.Scale)
	if f.Signed {
		// math.MinInt16 is the sentinel
		if scaled <= math.MinInt16 || scaled > math.MaxInt16 {
			return 0, false
		}
		return uint16(int16(scaled)), true
	}

	// 0xFFFF is the sentinel
	if scaled < 0 || scaled >= math.MaxUint16 {
		return 0, false
	}
	return uint16(scaled), true
}

// dequantize is the inverse of quantize
func (f Field) dequantize(raw uint16) (float64, bool) {
	if raw == f.Sentinel {
		return math.NaN(), false
	}
	if f.Signed {
		return float64(int16(raw)) / f.Scale, true
	}
	return float64(raw) / f.Scale, true
}
