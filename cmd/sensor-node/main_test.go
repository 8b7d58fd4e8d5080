package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/lorawan-server/lorawan-sensor-node/internal/config"
	"github.com/lorawan-server/lorawan-sensor-node/internal/models"
	"github.com/lorawan-server/lorawan-sensor-node/internal/node"
	"github.com/lorawan-server/lorawan-sensor-node/internal/storage"
)

const testConfig = `
device:
  dev_eui: "0004A30B001A2B3C"
  join_eui: "70B3D57ED0000001"
  app_key: "2B7E151628AED2A6ABF7158809CF4F3C"
  confirmed: true
radio:
  transport: sim
storage:
  driver: memory
watchdog:
  enabled: true
`

// fastConfig shrinks every wait so a whole cycle runs in milliseconds.
// Confirmed uplinks let the simulated server ACK at once instead of
// waiting out the RX2 window.
func fastConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	cfg.Schedule.FirstSendDelay = 10 * time.Millisecond
	cfg.Schedule.LoopInterval = 5 * time.Millisecond
	cfg.Schedule.SleepScale = 0.0001
	cfg.Radio.RXWindowMargin = 10 * time.Millisecond
	return cfg
}

func TestBuildCycle_SimJoins(t *testing.T) {
	cfg := fastConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewMemoryStore()
	defer store.Close()

	c, err := buildCycle(cfg, store, 1, cancel)
	if err != nil {
		t.Fatalf("buildCycle() err=%v", err)
	}
	defer c.close()

	if c.watchdog == nil {
		t.Fatal("watchdog enabled in config but not built")
	}

	now := time.Now()
	for i := 0; i < 5 && c.node.Session().JoinState != node.Joined; i++ {
		if err := c.node.Step(ctx, now.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("Step() err=%v", err)
		}
	}
	if got := c.node.Session().JoinState; got != node.Joined {
		t.Fatalf("state = %v, want joined", got)
	}
}

func TestBuildCycle_RejectsUnknownSensor(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Sensors[0].Type = "modbus"
	cfg.Sensors[0].Registers = []config.RegisterConfig{{Field: "lux"}}

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := buildCycle(cfg, storage.NewMemoryStore(), 1, cancel); err == nil {
		t.Fatal("expected error for unknown register field")
	}
}

func TestRunCycle_CompletesAndJournals(t *testing.T) {
	cfg := fastConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := storage.NewMemoryStore()
	defer store.Close()

	for cycle := 1; cycle <= 2; cycle++ {
		if err := runCycle(ctx, cfg, store, cycle); err != nil {
			t.Fatalf("cycle %d: runCycle() err=%v", cycle, err)
		}
	}

	devEUI, _, _, err := cfg.Device.Keys()
	if err != nil {
		t.Fatal(err)
	}
	uplinks, err := store.ListUplinks(ctx, models.EUI64(devEUI), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(uplinks) != 2 {
		t.Fatalf("uplinks = %d, want one per cycle", len(uplinks))
	}
	if !uplinks[0].Confirmed || uplinks[0].FPort != 1 {
		t.Fatalf("uplink = %+v", uplinks[0])
	}

	joins, err := store.ListJoinAttempts(ctx, models.EUI64(devEUI), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(joins) != 2 || !joins[0].Accepted {
		t.Fatalf("joins = %+v", joins)
	}

	// each cycle joined with a fresh DevNonce
	next, err := store.NextDevNonce(ctx, models.EUI64(devEUI))
	if err != nil {
		t.Fatal(err)
	}
	if next < 2 {
		t.Fatalf("next DevNonce = %d, want at least 2", next)
	}
}

func TestRunCycle_WatchdogExpiryAbortsCycle(t *testing.T) {
	cfg := fastConfig(t)
	// unconfirmed uplinks wait out RX2, far longer than the watchdog
	cfg.Device.Confirmed = false
	cfg.Watchdog.Timeout = time.Millisecond
	cfg.Schedule.LoopInterval = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := runCycle(ctx, cfg, storage.NewMemoryStore(), 1)
	if err == nil || !strings.Contains(err.Error(), "watchdog expired") {
		t.Fatalf("err = %v, want watchdog expired", err)
	}
	if ctx.Err() != nil {
		t.Fatal("parent context cancelled by the cycle watchdog")
	}
}

func TestSleepCtx(t *testing.T) {
	if !sleepCtx(context.Background(), time.Millisecond) {
		t.Fatal("sleepCtx returned false without cancellation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, time.Hour) {
		t.Fatal("sleepCtx returned true after cancellation")
	}
}
