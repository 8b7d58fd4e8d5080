package display

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

type recordingScreen struct {
	shown   []Message
	cleared int
}

func (s *recordingScreen) Show(m Message) { s.shown = append(s.shown, m) }
func (s *recordingScreen) Clear()         { s.cleared++ }

func TestQueue_ShowsInOrderForDuration(t *testing.T) {
	screen := &recordingScreen{}
	q := NewQueue(screen)
	t0 := time.Unix(1000, 0)

	q.Notify(Info, "first", time.Second)
	q.Notify(Success, "second", time.Second)

	q.Update(t0)
	if len(screen.shown) != 1 || screen.shown[0].Text != "first" {
		t.Fatalf("shown = %+v", screen.shown)
	}

	q.Update(t0.Add(500 * time.Millisecond))
	if len(screen.shown) != 1 {
		t.Fatal("message replaced before its duration elapsed")
	}

	q.Update(t0.Add(time.Second))
	if len(screen.shown) != 2 || screen.shown[1].Text != "second" {
		t.Fatalf("shown = %+v", screen.shown)
	}

	q.Update(t0.Add(3 * time.Second))
	if _, ok := q.Current(); ok {
		t.Fatal("queue still showing after last message expired")
	}
	if screen.cleared != 1 {
		t.Fatalf("cleared = %d, want 1", screen.cleared)
	}
}

func TestQueue_ZeroDurationStaysUntilNext(t *testing.T) {
	screen := &recordingScreen{}
	q := NewQueue(screen)
	t0 := time.Unix(1000, 0)

	q.Notify(Info, "Joining OTAA...", 0)
	q.Update(t0)
	q.Update(t0.Add(time.Hour))
	if m, ok := q.Current(); !ok || m.Text != "Joining OTAA..." {
		t.Fatalf("current = %+v, %v", m, ok)
	}

	q.Notify(Success, "Joined!", 3*time.Second)
	q.Update(t0.Add(time.Hour + time.Millisecond))
	if m, _ := q.Current(); m.Text != "Joined!" {
		t.Fatalf("current = %q, want Joined!", m.Text)
	}
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := NewQueue(&recordingScreen{})
	for i := 0; i < MaxQueue+3; i++ {
		q.Notify(Info, fmt.Sprintf("m%d", i), time.Second)
	}

	if q.Len() != MaxQueue {
		t.Fatalf("Len = %d, want %d", q.Len(), MaxQueue)
	}
	if q.Dropped() != 3 {
		t.Fatalf("Dropped = %d, want 3", q.Dropped())
	}

	q.Update(time.Unix(0, 0))
	if m, _ := q.Current(); m.Text != "m3" {
		t.Fatalf("head = %q, want m3", m.Text)
	}
}

func TestQueue_Off(t *testing.T) {
	screen := &recordingScreen{}
	q := NewQueue(screen)
	q.Notify(Info, "a", time.Second)
	q.Update(time.Unix(0, 0))
	q.Notify(Info, "b", time.Second)

	q.Off()
	if q.Len() != 0 {
		t.Fatal("queue not emptied")
	}
	if _, ok := q.Current(); ok {
		t.Fatal("message still current after Off")
	}
	if screen.cleared != 1 {
		t.Fatalf("cleared = %d, want 1", screen.cleared)
	}
}

func TestFormatSensorData(t *testing.T) {
	snap := payload.NewSnapshot()
	snap.Set(payload.Temperature, 23.4)
	snap.Set(payload.Humidity, 60.2)
	snap.Set(payload.Battery, 3.87)

	got := FormatSensorData(snap, []payload.FieldKind{payload.Temperature, payload.Humidity, payload.Battery})
	if want := "T:23.4C H:60.2% B:3.87V"; got != want {
		t.Fatalf("FormatSensorData = %q, want %q", got, want)
	}

	snap.Set(payload.Temperature, math.NaN())
	got = FormatSensorData(snap, []payload.FieldKind{payload.Temperature, payload.Battery})
	if want := "T:-- B:3.87V"; got != want {
		t.Fatalf("FormatSensorData = %q, want %q", got, want)
	}
}

type countingNotifier struct {
	notes, offs, updates int
}

func (c *countingNotifier) Notify(Kind, string, time.Duration) { c.notes++ }
func (c *countingNotifier) Off()                               { c.offs++ }
func (c *countingNotifier) Update(time.Time)                   { c.updates++ }

func TestFanout(t *testing.T) {
	a, b := &countingNotifier{}, &countingNotifier{}
	f := Fanout{a, b, Disabled{}}

	f.Notify(Info, "x", 0)
	f.Off()
	f.Update(time.Now())

	for _, c := range []*countingNotifier{a, b} {
		if c.notes != 1 || c.offs != 1 || c.updates != 1 {
			t.Fatalf("notifier saw %+v", *c)
		}
	}
}

type fakeClient struct {
	mqtt.Client
	connected bool
	topic     string
	payload   []byte
}

func (f *fakeClient) IsConnected() bool { return f.connected }

func (f *fakeClient) Publish(topic string, qos byte, retained bool, p interface{}) mqtt.Token {
	f.topic = topic
	f.payload = p.([]byte)
	return nil
}

func TestMQTT_PublishesNotice(t *testing.T) {
	c := &fakeClient{connected: true}
	m := newMQTT(c, "farm", "0102030405060708", 0)

	m.Notify(Warning, "Battery only", 4*time.Second)

	if c.topic != "farm/0102030405060708/status" {
		t.Fatalf("topic = %q", c.topic)
	}
	var n struct {
		DevEUI     string `json:"devEUI"`
		Kind       string `json:"kind"`
		Text       string `json:"text"`
		DurationMs int64  `json:"durationMs"`
	}
	if err := json.Unmarshal(c.payload, &n); err != nil {
		t.Fatal(err)
	}
	if n.Kind != "warning" || n.Text != "Battery only" || n.DurationMs != 4000 {
		t.Fatalf("notice = %+v", n)
	}
}

func TestMQTT_DisconnectedDrops(t *testing.T) {
	c := &fakeClient{}
	m := newMQTT(c, "", "aa", 0)
	m.Notify(Info, "x", 0)
	if c.topic != "" {
		t.Fatal("published while disconnected")
	}
}
