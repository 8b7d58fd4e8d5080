package power

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeSleeper struct {
	deep  []time.Duration
	light []time.Duration
}

func (f *fakeSleeper) DeepSleep(ctx context.Context, d time.Duration) error {
	f.deep = append(f.deep, d)
	return nil
}

func (f *fakeSleeper) LightSleep(ctx context.Context, d time.Duration) error {
	f.light = append(f.light, d)
	return nil
}

type fakeDisplay struct {
	offs int
}

func (f *fakeDisplay) Off() { f.offs++ }

func TestEnterPostTransmissionSleep(t *testing.T) {
	s := &fakeSleeper{}
	d := &fakeDisplay{}
	c := NewController(s, d)

	err := c.EnterPostTransmissionSleep(context.Background(), 60*time.Second)
	if !errors.Is(err, ErrDeepSleep) {
		t.Fatalf("err = %v, want ErrDeepSleep", err)
	}
	if len(s.deep) != 1 || s.deep[0] != 60*time.Second {
		t.Fatalf("deep sleeps = %v", s.deep)
	}
	if d.offs != 1 {
		t.Fatalf("display Off called %d times, want 1", d.offs)
	}
}

func TestEnterBackoffSleep_BelowThresholdDefers(t *testing.T) {
	s := &fakeSleeper{}
	d := &fakeDisplay{}
	c := NewController(s, d)

	out, err := c.EnterBackoffSleep(context.Background(), 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if out != BackoffDeferred {
		t.Fatalf("outcome = %v, want deferred", out)
	}
	if len(s.light)+len(s.deep) != 0 {
		t.Fatal("slept below threshold")
	}
	if d.offs != 0 {
		t.Fatal("display blanked without sleeping")
	}
}

func TestEnterBackoffSleep_AtThresholdLightSleeps(t *testing.T) {
	s := &fakeSleeper{}
	d := &fakeDisplay{}
	c := NewController(s, d)

	out, err := c.EnterBackoffSleep(context.Background(), 600*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if out != BackoffSlept {
		t.Fatalf("outcome = %v, want slept", out)
	}
	if len(s.light) != 1 || s.light[0] != 600*time.Second {
		t.Fatalf("light sleeps = %v", s.light)
	}
	if len(s.deep) != 0 {
		t.Fatal("backoff must never deep sleep")
	}
	if d.offs != 1 {
		t.Fatalf("display Off called %d times, want 1", d.offs)
	}
}

type trace []string

type tracingSleeper struct{ log *trace }

func (s tracingSleeper) DeepSleep(ctx context.Context, d time.Duration) error {
	*s.log = append(*s.log, "deep")
	return nil
}

func (s tracingSleeper) LightSleep(ctx context.Context, d time.Duration) error {
	*s.log = append(*s.log, "light")
	return ctx.Err()
}

type tracingWatchdog struct{ log *trace }

func (w tracingWatchdog) Pause()  { *w.log = append(*w.log, "pause") }
func (w tracingWatchdog) Resume() { *w.log = append(*w.log, "resume") }

func TestController_PausesWatchdogAroundSleep(t *testing.T) {
	var log trace
	c := NewController(tracingSleeper{&log}, nil)
	c.SetWatchdog(tracingWatchdog{&log})

	if _, err := c.EnterBackoffSleep(context.Background(), 600*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := c.EnterPostTransmissionSleep(context.Background(), time.Minute); !errors.Is(err, ErrDeepSleep) {
		t.Fatalf("err = %v, want ErrDeepSleep", err)
	}
	// deferred backoff does not sleep and leaves the watchdog alone
	if _, err := c.EnterBackoffSleep(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}

	want := []string{"pause", "light", "resume", "pause", "deep", "resume"}
	if len(log) != len(want) {
		t.Fatalf("trace = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("trace = %v, want %v", log, want)
		}
	}
}

func TestController_ResumesWatchdogOnInterruptedSleep(t *testing.T) {
	var log trace
	c := NewController(tracingSleeper{&log}, nil)
	c.SetWatchdog(tracingWatchdog{&log})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.EnterBackoffSleep(ctx, 600*time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(log) != 3 || log[2] != "resume" {
		t.Fatalf("trace = %v, want pause, light, resume", log)
	}
}

func TestHostSleeper_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := HostSleeper{}.LightSleep(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func writeSupply(t *testing.T, root, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for f, v := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(v+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSysfsMonitor(t *testing.T) {
	root := t.TempDir()
	writeSupply(t, root, "BAT0", map[string]string{
		"type":        "Battery",
		"voltage_now": "3870000",
		"status":      "Charging",
	})
	writeSupply(t, root, "usb", map[string]string{
		"type":   "USB",
		"online": "1",
	})

	m := NewSysfsMonitor(root)
	if v := m.BatteryVoltage(); v < 3.869 || v > 3.871 {
		t.Fatalf("BatteryVoltage = %v, want 3.87", v)
	}
	if !m.SolarCharging() {
		t.Fatal("SolarCharging = false, want true")
	}
}

func TestSysfsMonitor_NoVbus(t *testing.T) {
	root := t.TempDir()
	writeSupply(t, root, "BAT0", map[string]string{
		"type":        "Battery",
		"voltage_now": "3700000",
		"status":      "Charging",
	})

	m := NewSysfsMonitor(root)
	if m.SolarCharging() {
		t.Fatal("charging without VBUS")
	}
}

func TestSysfsMonitor_MissingBattery(t *testing.T) {
	m := NewSysfsMonitor(t.TempDir())
	if v := m.BatteryVoltage(); v != -1 {
		t.Fatalf("BatteryVoltage = %v, want -1", v)
	}
}
