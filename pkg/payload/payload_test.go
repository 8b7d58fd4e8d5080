package payload

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func snapshot(values map[FieldKind]float64) Snapshot {
	s := NewSnapshot()
	for k, v := range values {
		s.Set(k, v)
	}
	return s
}

func TestEncode_TemperatureHumidityBattery(t *testing.T) {
	layout := NewLayout([]FieldKind{Temperature, Humidity}, false)
	snap := snapshot(map[FieldKind]float64{
		Temperature: 23.45,
		Humidity:    60.2,
		Battery:     3.87,
	})

	got := Marshal(snap, layout)
	// 2345, 6020, 387
	want := []byte{0x09, 0x29, 0x17, 0x84, 0x01, 0x83}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode = % x, want % x", got, want)
	}
}

func TestEncode_FailedTemperatureUsesSentinel(t *testing.T) {
	layout := NewLayout([]FieldKind{Temperature}, false)
	snap := snapshot(map[FieldKind]float64{
		Temperature: math.NaN(),
		Battery:     3.70,
	})

	got := Marshal(snap, layout)
	want := []byte{0x80, 0x00, 0x01, 0x72}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode = % x, want % x", got, want)
	}
}

func TestEncode_SentinelForEveryInvalidForm(t *testing.T) {
	invalid := []float64{math.NaN(), math.Inf(1), math.Inf(-1)}

	for k := Temperature; k <= Battery; k++ {
		f := FieldFor(k)
		values := append([]float64{f.ErrorValue}, invalid...)
		for _, v := range values {
			layout := NewLayout([]FieldKind{k}, false)
			snap := snapshot(map[FieldKind]float64{k: v, Battery: 4.0})
			if k == Battery {
				snap.Set(Battery, v)
			}

			buf := Marshal(snap, layout)
			idx := 0
			for i, fk := range layout.Fields() {
				if fk == k {
					idx = i * FieldWidth
				}
			}
			raw := uint16(buf[idx])<<8 | uint16(buf[idx+1])
			if raw != f.Sentinel {
				t.Errorf("%s=%v encoded %#04x, want sentinel %#04x", k, v, raw, f.Sentinel)
			}
		}
	}
}

func TestEncode_OutOfRangeUsesSentinel(t *testing.T) {
	tests := []struct {
		kind  FieldKind
		value float64
	}{
		{Temperature, 400},
		{Temperature, -327.68},
		{Humidity, -5},
		{Pressure, 7000},
		{Battery, 700},
	}

	for _, tt := range tests {
		layout := NewLayout([]FieldKind{tt.kind}, false)
		snap := snapshot(map[FieldKind]float64{tt.kind: tt.value, Battery: 3.3})
		if tt.kind == Battery {
			snap.Set(Battery, tt.value)
		}
		d, err := Decode(layout, Marshal(snap, layout))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if _, ok := d.Value(tt.kind); ok {
			t.Errorf("%s=%v decoded as valid", tt.kind, tt.value)
		}
	}
}

func TestEncode_BufferTooSmall(t *testing.T) {
	layout := NewLayout([]FieldKind{Temperature, Humidity, Pressure}, true)
	buf := make([]byte, layout.Size()-1)

	n, err := Encode(NewSnapshot(), layout, buf)
	if n != 0 {
		t.Fatalf("n = %d, want 0", n)
	}
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("err = %v, want ErrBufferTooSmall", err)
	}
}

func TestEncode_SizeInvariant(t *testing.T) {
	layouts := []Layout{
		NewLayout(nil, false),
		NewLayout(nil, true),
		NewLayout([]FieldKind{Temperature}, false),
		NewLayout([]FieldKind{Distance, Temperature, Humidity, Pressure}, true),
	}
	snaps := []Snapshot{
		NewSnapshot(),
		snapshot(map[FieldKind]float64{Temperature: 21.5, Humidity: 40, Pressure: 1013.2, Distance: 120.5, Battery: 3.9}),
		snapshot(map[FieldKind]float64{Temperature: -999, Humidity: -1, Battery: -1}),
	}

	for _, l := range layouts {
		for _, s := range snaps {
			buf := make([]byte, 32)
			n, err := Encode(s, l, buf)
			if err != nil {
				t.Fatalf("%s: %v", l, err)
			}
			if n != l.Size() {
				t.Fatalf("%s: wrote %d bytes, Size() = %d", l, n, l.Size())
			}
		}
	}
}

func TestLayout_CanonicalOrder(t *testing.T) {
	l := NewLayout([]FieldKind{Distance, Battery, Temperature, Distance, Pressure}, true)

	want := []FieldKind{Temperature, Pressure, Distance, Battery}
	got := l.Fields()
	if len(got) != len(want) {
		t.Fatalf("Fields() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Fields() = %v, want %v", got, want)
		}
	}
	if l.Size() != 9 {
		t.Fatalf("Size() = %d, want 9", l.Size())
	}
}

func TestRoundTrip(t *testing.T) {
	layout := NewLayout([]FieldKind{Temperature, Humidity, Pressure, Distance}, true)

	for temp := -40.0; temp <= 85; temp += 3.37 {
		for _, hum := range []float64{0, 12.34, 55.55, 99.99} {
			snap := snapshot(map[FieldKind]float64{
				Temperature: temp,
				Humidity:    hum,
				Pressure:    987.65,
				Distance:    250.01,
				Battery:     3.61,
			})
			snap.SolarCharging = hum > 50

			d, err := Decode(layout, Marshal(snap, layout))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			for _, k := range layout.Fields() {
				got, ok := d.Value(k)
				if !ok {
					t.Fatalf("%s decoded invalid", k)
				}
				tolerance := 0.5/FieldFor(k).Scale + 1e-9
				if math.Abs(got-snap.Value(k)) > tolerance {
					t.Errorf("%s: got %v, want %v ±%v", k, got, snap.Value(k), tolerance)
				}
			}
			if d.SolarCharging != snap.SolarCharging {
				t.Errorf("solar flag = %v, want %v", d.SolarCharging, snap.SolarCharging)
			}
		}
	}
}

func TestDecode_LengthMismatch(t *testing.T) {
	layout := NewLayout([]FieldKind{Temperature}, false)
	if _, err := Decode(layout, []byte{0x01, 0x02}); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("err = %v, want ErrLengthMismatch", err)
	}
}

func TestParseFieldKind(t *testing.T) {
	k, err := ParseFieldKind(" Pressure ")
	if err != nil || k != Pressure {
		t.Fatalf("ParseFieldKind = %v, %v", k, err)
	}
	if _, err := ParseFieldKind("lux"); err == nil {
		t.Fatal("expected error for unknown field")
	}
}
