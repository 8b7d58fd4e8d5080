package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lorawan-server/lorawan-sensor-node/internal/display"
	"github.com/lorawan-server/lorawan-sensor-node/internal/models"
	"github.com/lorawan-server/lorawan-sensor-node/internal/power"
	"github.com/lorawan-server/lorawan-sensor-node/internal/radio"
	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

type fakeRadio struct {
	events  []radio.Event
	joins   int
	resets  int
	sends   [][]byte
	sendErr error
}

func (r *fakeRadio) StartJoin() error {
	r.joins++
	r.events = append(r.events, radio.Event{Kind: radio.JoinStarted})
	return nil
}

func (r *fakeRadio) Send(p []byte, port uint8, confirmed bool) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sends = append(r.sends, p)
	return nil
}

func (r *fakeRadio) Reset() { r.resets++ }

func (r *fakeRadio) Poll(now time.Time) []radio.Event {
	out := r.events
	r.events = nil
	return out
}

func (r *fakeRadio) Close() error { return nil }

func (r *fakeRadio) raise(k radio.EventKind) {
	r.events = append(r.events, radio.Event{Kind: k})
}

type fakeSource struct {
	layout payload.Layout
	snap   payload.Snapshot
	fail   bool
}

func (s *fakeSource) Layout() payload.Layout { return s.layout }

func (s *fakeSource) Collect(ctx context.Context, buf []byte) (int, payload.Snapshot, bool) {
	if s.fail {
		return 0, s.snap, false
	}
	n, err := payload.Encode(s.snap, s.layout, buf)
	if err != nil {
		return 0, s.snap, false
	}
	ok := false
	for _, k := range s.layout.SensorFields() {
		ok = ok || s.snap.Valid(k)
	}
	return n, s.snap, ok
}

type fakePower struct {
	deep    []time.Duration
	backoff []time.Duration
}

func (p *fakePower) EnterPostTransmissionSleep(ctx context.Context, d time.Duration) error {
	p.deep = append(p.deep, d)
	return power.ErrDeepSleep
}

func (p *fakePower) EnterBackoffSleep(ctx context.Context, d time.Duration) (power.BackoffOutcome, error) {
	p.backoff = append(p.backoff, d)
	if d < power.Threshold {
		return power.BackoffDeferred, nil
	}
	return power.BackoffSlept, nil
}

type note struct {
	kind display.Kind
	text string
}

type fakeNotifier struct {
	notes []note
}

func (n *fakeNotifier) Notify(k display.Kind, text string, d time.Duration) {
	n.notes = append(n.notes, note{k, text})
}

func (n *fakeNotifier) Off() {}

func (n *fakeNotifier) has(k display.Kind, text string) bool {
	for _, x := range n.notes {
		if x.kind == k && x.text == text {
			return true
		}
	}
	return false
}

type fakeJournal struct {
	uplinks []*models.Uplink
	joins   []*models.JoinAttempt
}

func (j *fakeJournal) SaveUplink(ctx context.Context, u *models.Uplink) error {
	j.uplinks = append(j.uplinks, u)
	return nil
}

func (j *fakeJournal) SaveJoinAttempt(ctx context.Context, a *models.JoinAttempt) error {
	j.joins = append(j.joins, a)
	return nil
}

type countingWatchdog struct{ feeds int }

func (w *countingWatchdog) Feed() { w.feeds++ }

type harness struct {
	node     *Node
	radio    *fakeRadio
	source   *fakeSource
	power    *fakePower
	notifier *fakeNotifier
	journal  *fakeJournal
	watchdog *countingWatchdog
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	snap := payload.NewSnapshot()
	snap.Set(payload.Temperature, 23.45)
	snap.Set(payload.Humidity, 60.2)
	snap.Set(payload.Battery, 3.87)

	h := &harness{
		radio:    &fakeRadio{},
		source:   &fakeSource{layout: payload.NewLayout([]payload.FieldKind{payload.Temperature, payload.Humidity}, false), snap: snap},
		power:    &fakePower{},
		notifier: &fakeNotifier{},
		journal:  &fakeJournal{},
		watchdog: &countingWatchdog{},
	}

	n, err := New(Options{
		DevEUI:   models.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		Policy:   DefaultPolicy(),
		Radio:    h.radio,
		Source:   h.source,
		Notifier: h.notifier,
		Power:    h.power,
		Watchdog: h.watchdog,
		Journal:  h.journal,
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	h.node = n
	return h
}

func TestNode_FullCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	if err := h.node.Step(ctx, t0); err != nil {
		t.Fatal(err)
	}
	if h.radio.joins != 1 {
		t.Fatalf("StartJoin called %d times, want 1", h.radio.joins)
	}
	if !h.notifier.has(display.Info, "System started") || !h.notifier.has(display.Info, "Joining OTAA...") {
		t.Fatalf("notes = %+v", h.notifier.notes)
	}
	if _, _, ok := h.node.Scheduler().Pending(); ok {
		t.Fatal("boot send should be cancelled by JoinStarted")
	}

	h.radio.raise(radio.JoinSucceeded)
	if err := h.node.Step(ctx, t0.Add(5*time.Second)); err != nil {
		t.Fatal(err)
	}
	if h.node.Session().JoinState != Joined {
		t.Fatalf("state = %v", h.node.Session().JoinState)
	}
	job, at, ok := h.node.Scheduler().Pending()
	if !ok || job != JobSend || !at.Equal(t0.Add(7*time.Second)) {
		t.Fatalf("pending = %v %v %v", job, at, ok)
	}

	if err := h.node.Step(ctx, t0.Add(7*time.Second)); err != nil {
		t.Fatal(err)
	}
	if len(h.radio.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(h.radio.sends))
	}
	want := []byte{0x09, 0x29, 0x17, 0x84, 0x01, 0x83}
	if string(h.radio.sends[0]) != string(want) {
		t.Fatalf("payload = % x, want % x", h.radio.sends[0], want)
	}
	if !h.notifier.has(display.SensorData, "T:23.4C H:60.2% B:3.87V") {
		t.Fatalf("notes = %+v", h.notifier.notes)
	}

	h.radio.raise(radio.TransmitComplete)
	err := h.node.Step(ctx, t0.Add(9*time.Second))
	if !errors.Is(err, power.ErrDeepSleep) {
		t.Fatalf("err = %v, want ErrDeepSleep", err)
	}
	if len(h.power.deep) != 1 || h.power.deep[0] != 300*time.Second {
		t.Fatalf("deep sleeps = %v", h.power.deep)
	}
	if len(h.journal.uplinks) != 1 || h.journal.uplinks[0].FPort != 1 {
		t.Fatalf("uplinks = %+v", h.journal.uplinks)
	}
	if len(h.journal.joins) != 1 || !h.journal.joins[0].Accepted {
		t.Fatalf("joins = %+v", h.journal.joins)
	}
	if h.watchdog.feeds == 0 {
		t.Fatal("watchdog never fed")
	}
}

func TestNode_JoinFailureLightSleepsAndRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	if err := h.node.Step(ctx, t0); err != nil {
		t.Fatal(err)
	}

	// third failure maps to 600s
	for i := 0; i < 3; i++ {
		h.radio.raise(radio.JoinFailed)
		if err := h.node.Step(ctx, t0.Add(time.Duration(i+1)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	if len(h.power.backoff) != 3 || h.power.backoff[2] != 600*time.Second {
		t.Fatalf("backoff sleeps = %v", h.power.backoff)
	}
	if len(h.power.deep) != 0 {
		t.Fatal("join failure entered deep sleep")
	}
	if got := h.node.Session().ConsecutiveJoinFailures; got != 3 {
		t.Fatalf("failures = %d, want 3 after light sleep", got)
	}
	if h.radio.resets != 3 || h.radio.joins != 4 {
		t.Fatalf("resets = %d joins = %d, want 3 and 4", h.radio.resets, h.radio.joins)
	}
	if h.node.Session().JoinState != Joining {
		t.Fatalf("state = %v, want joining", h.node.Session().JoinState)
	}
	if len(h.journal.joins) != 3 || h.journal.joins[2].Failures != 3 {
		t.Fatalf("joins = %+v", h.journal.joins)
	}
}

func TestNode_SendWhilePendingSendsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	h.node.Step(ctx, t0)
	h.radio.raise(radio.JoinSucceeded)
	h.node.Step(ctx, t0)
	h.node.Step(ctx, t0.Add(2*time.Second))

	h.node.Scheduler().Schedule(JobSend, t0.Add(3*time.Second))
	if err := h.node.Step(ctx, t0.Add(3*time.Second)); err != nil {
		t.Fatal(err)
	}
	if len(h.radio.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(h.radio.sends))
	}
}

func TestNode_PayloadFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.source.fail = true
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	h.node.Step(ctx, t0)
	h.radio.raise(radio.JoinSucceeded)
	h.node.Step(ctx, t0)
	h.node.Step(ctx, t0.Add(2*time.Second))

	if len(h.radio.sends) != 0 {
		t.Fatal("sent without payload")
	}
	if !h.notifier.has(display.Error, "Payload error") {
		t.Fatalf("notes = %+v", h.notifier.notes)
	}
	job, at, ok := h.node.Scheduler().Pending()
	if !ok || job != JobSend || !at.Equal(t0.Add(12*time.Second)) {
		t.Fatalf("pending = %v %v %v", job, at, ok)
	}

	h.source.fail = false
	h.node.Step(ctx, t0.Add(12*time.Second))
	if len(h.radio.sends) != 1 {
		t.Fatalf("sends = %d after recovery, want 1", len(h.radio.sends))
	}
}

func TestNode_SensorFailureSendsBatteryOnly(t *testing.T) {
	h := newHarness(t)
	h.source.layout = payload.NewLayout([]payload.FieldKind{payload.Temperature}, false)
	snap := payload.NewSnapshot()
	snap.Set(payload.Temperature, -999)
	snap.Set(payload.Battery, 3.70)
	h.source.snap = snap

	n, err := New(Options{Radio: h.radio, Source: h.source, Notifier: h.notifier, Power: h.power, Policy: DefaultPolicy()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	n.Step(ctx, t0)
	h.radio.raise(radio.JoinSucceeded)
	n.Step(ctx, t0)
	n.Step(ctx, t0.Add(2*time.Second))

	if len(h.radio.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(h.radio.sends))
	}
	if got := h.radio.sends[0]; string(got) != string([]byte{0x80, 0x00, 0x01, 0x72}) {
		t.Fatalf("payload = % x", got)
	}
	if !h.notifier.has(display.Warning, "Battery only") {
		t.Fatalf("notes = %+v", h.notifier.notes)
	}
}

func TestNode_RadioErrorRetries(t *testing.T) {
	h := newHarness(t)
	h.radio.sendErr = errors.New("transport down")
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	h.node.Step(ctx, t0)
	h.radio.raise(radio.JoinSucceeded)
	h.node.Step(ctx, t0)
	h.node.Step(ctx, t0.Add(2*time.Second))

	if h.node.Session().TxPending {
		t.Fatal("TxPending left set after radio error")
	}
	if !h.notifier.has(display.Error, "Send failed") {
		t.Fatalf("notes = %+v", h.notifier.notes)
	}
	if job, _, ok := h.node.Scheduler().Pending(); !ok || job != JobSend {
		t.Fatal("send not rescheduled")
	}
}

type autoRadio struct {
	fakeRadio
}

func (r *autoRadio) StartJoin() error {
	r.joins++
	r.raise(radio.JoinStarted)
	r.raise(radio.JoinSucceeded)
	return nil
}

func (r *autoRadio) Send(p []byte, port uint8, confirmed bool) error {
	r.sends = append(r.sends, p)
	r.raise(radio.TransmitComplete)
	return nil
}

func TestNode_RunReturnsNilOnDeepSleep(t *testing.T) {
	h := newHarness(t)
	r := &autoRadio{}

	p := DefaultPolicy()
	p.FirstSendDelay = time.Millisecond

	n, err := New(Options{
		Radio:        r,
		Source:       h.source,
		Power:        h.power,
		LoopInterval: time.Millisecond,
		Policy:       p,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.Run(ctx); err != nil {
		t.Fatalf("Run err = %v, want nil", err)
	}
	if len(r.sends) != 1 || len(h.power.deep) != 1 {
		t.Fatalf("sends = %d deep sleeps = %d", len(r.sends), len(h.power.deep))
	}
}

func TestNode_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	n, err := New(Options{Radio: h.radio, Source: h.source, Power: h.power, LoopInterval: time.Millisecond, Policy: DefaultPolicy()})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := n.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run err = %v, want deadline exceeded", err)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without radio")
	}
}
