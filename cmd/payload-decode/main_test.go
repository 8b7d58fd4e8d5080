package main

import (
	"testing"

	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

func TestParseLayout(t *testing.T) {
	l, err := parseLayout("humidity, temperature,,", true)
	if err != nil {
		t.Fatalf("parseLayout: %v", err)
	}
	want := payload.NewLayout([]payload.FieldKind{payload.Temperature, payload.Humidity}, true)
	if l.String() != want.String() {
		t.Fatalf("layout = %s, want %s", l, want)
	}
	if l.Size() != 7 {
		t.Fatalf("Size() = %d, want 7", l.Size())
	}

	if _, err := parseLayout("temperature,lux", false); err == nil {
		t.Fatal("expected error for unknown field")
	}
}
