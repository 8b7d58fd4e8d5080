// Package node is the sensor node's control core: the session state
// machine, its single-slot job scheduler and the runner that executes the
// state machine's decisions against the radio, sensors, display and power
// collaborators.
package node

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-sensor-node/internal/backoff"
	"github.com/lorawan-server/lorawan-sensor-node/internal/display"
	"github.com/lorawan-server/lorawan-sensor-node/internal/power"
)

// JoinState is the device's relationship to the network
type JoinState int

const (
	Idle JoinState = iota
	Joining
	Joined
)

func (s JoinState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session lives for exactly one wake cycle. Only HandleEvent mutates it.
type Session struct {
	CycleID                 uuid.UUID
	JoinState               JoinState
	ConsecutiveJoinFailures uint
	// InBackoff is set while a join retry is pending
	InBackoff bool
	// TxPending is the Sending state
	TxPending bool
	// Done is set once the cycle's transmission completed
	Done bool

	lastRequest TransmissionRequest
}

// NewSession starts a cold session
func NewSession() *Session {
	return &Session{CycleID: uuid.New()}
}

// TransmissionRequest is one uplink attempt
type TransmissionRequest struct {
	Payload   []byte
	Port      uint8
	Confirmed bool
}

// Policy holds the timing constants of the cycle
type Policy struct {
	// SendInterval is the deep sleep after a completed transmission
	SendInterval time.Duration
	// FirstSendDelay gives the display time to show the join result
	FirstSendDelay time.Duration
	// NotJoinedRetry reschedules a send requested while still joining
	NotJoinedRetry time.Duration
	// PayloadRetry reschedules a send after a payload or radio failure
	PayloadRetry time.Duration
	// LightSleepThreshold routes join backoffs at or above it to light sleep
	LightSleepThreshold time.Duration
	Port                uint8
	Confirmed           bool
	// Backoff maps the failure count to a delay, backoff.NextDelay if nil
	Backoff func(failures uint) time.Duration
}

// DefaultPolicy returns the field-deployment timings
func DefaultPolicy() Policy {
	return Policy{
		SendInterval:        300 * time.Second,
		FirstSendDelay:      2 * time.Second,
		NotJoinedRetry:      30 * time.Second,
		PayloadRetry:        10 * time.Second,
		LightSleepThreshold: power.Threshold,
		Port:                1,
		Backoff:             backoff.NextDelay,
	}
}

func (p Policy) nextDelay(failures uint) time.Duration {
	if p.Backoff != nil {
		return p.Backoff(failures)
	}
	return backoff.NextDelay(failures)
}

// EventKind is the closed set of inputs to HandleEvent
type EventKind int

const (
	EventJoinStarted EventKind = iota
	EventJoinSucceeded
	EventJoinFailed
	EventTransmitComplete
	EventDownlinkReceived
	EventLinkDead
	EventLinkAlive

	EventSendRequested
	EventPayloadReady
	EventPayloadFailed
	EventTransmitFailed
	EventRetryJoin
	EventBackoffElapsed
)

var eventKindNames = [...]string{
	EventJoinStarted:      "join_started",
	EventJoinSucceeded:    "join_succeeded",
	EventJoinFailed:       "join_failed",
	EventTransmitComplete: "transmit_complete",
	EventDownlinkReceived: "downlink_received",
	EventLinkDead:         "link_dead",
	EventLinkAlive:        "link_alive",
	EventSendRequested:    "send_requested",
	EventPayloadReady:     "payload_ready",
	EventPayloadFailed:    "payload_failed",
	EventTransmitFailed:   "transmit_failed",
	EventRetryJoin:        "retry_join",
	EventBackoffElapsed:   "backoff_elapsed",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one input to the state machine
type Event struct {
	Kind EventKind
	// Payload is the encoded uplink (PayloadReady) or downlink data
	Payload []byte
	// SensorsOK is false when only the battery could be read
	SensorsOK bool
	// Summary is the rendered sensor reading for the display
	Summary string
	// Reason carries the failure cause of JoinFailed or TransmitFailed
	Reason string
}

// ActionKind enumerates side effects requested by HandleEvent
type ActionKind int

const (
	ActionNotify ActionKind = iota
	ActionScheduleSend
	ActionScheduleJoinRetry
	ActionCancelSchedule
	ActionCollectPayload
	ActionTransmit
	ActionBackoffSleep
	ActionRestartJoin
	ActionDeepSleep
	ActionFeedWatchdog
	ActionJournal
)

var actionKindNames = [...]string{
	ActionNotify:            "notify",
	ActionScheduleSend:      "schedule_send",
	ActionScheduleJoinRetry: "schedule_join_retry",
	ActionCancelSchedule:    "cancel_schedule",
	ActionCollectPayload:    "collect_payload",
	ActionTransmit:          "transmit",
	ActionBackoffSleep:      "backoff_sleep",
	ActionRestartJoin:       "restart_join",
	ActionDeepSleep:         "deep_sleep",
	ActionFeedWatchdog:      "feed_watchdog",
	ActionJournal:           "journal",
}

func (k ActionKind) String() string {
	if k >= 0 && int(k) < len(actionKindNames) {
		return actionKindNames[k]
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// Notice is a display notification
type Notice struct {
	Kind     display.Kind
	Text     string
	Duration time.Duration
}

// RecordKind selects the journal table
type RecordKind int

const (
	RecordJoin RecordKind = iota
	RecordUplink
)

// Record is a journal entry requested by the state machine
type Record struct {
	Kind     RecordKind
	Accepted bool
	Failures uint
	Reason   string
	Request  TransmissionRequest
}

// Action is one side effect for the runner to perform
type Action struct {
	Kind    ActionKind
	Notice  Notice
	Delay   time.Duration
	Request TransmissionRequest
	Record  Record
}

// retryIn renders d rounded up, in seconds below one minute
func retryIn(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d s", int((d+time.Second-1)/time.Second))
	}
	return fmt.Sprintf("%d min", int((d+time.Minute-1)/time.Minute))
}

func notify(kind display.Kind, text string, d time.Duration) Action {
	return Action{Kind: ActionNotify, Notice: Notice{Kind: kind, Text: text, Duration: d}}
}

// HandleEvent advances the session for ev and returns the side effects to
// perform, in order. It never performs I/O.
func HandleEvent(ev Event, s *Session, p Policy) []Action {
	if s.Done {
		return nil
	}

	switch ev.Kind {
	case EventJoinStarted:
		s.JoinState = Joining
		// the cancel below drops any pending join retry
		s.InBackoff = false
		return []Action{
			{Kind: ActionFeedWatchdog},
			notify(display.Info, "Joining OTAA...", 0),
			{Kind: ActionCancelSchedule},
		}

	case EventJoinSucceeded:
		if s.JoinState != Joining {
			return nil
		}
		s.JoinState = Joined
		failures := s.ConsecutiveJoinFailures
		s.ConsecutiveJoinFailures = 0
		s.InBackoff = false
		return []Action{
			notify(display.Success, "Joined!", 3*time.Second),
			{Kind: ActionJournal, Record: Record{Kind: RecordJoin, Accepted: true, Failures: failures}},
			{Kind: ActionScheduleSend, Delay: p.FirstSendDelay},
		}

	case EventJoinFailed:
		if s.JoinState != Joining {
			return nil
		}
		s.ConsecutiveJoinFailures++
		d := p.nextDelay(s.ConsecutiveJoinFailures)
		s.InBackoff = true

		acts := []Action{
			notify(display.Warning, "Join failed, retry in "+retryIn(d), 4*time.Second),
			{Kind: ActionJournal, Record: Record{Kind: RecordJoin, Failures: s.ConsecutiveJoinFailures, Reason: ev.Reason}},
		}
		if d < p.LightSleepThreshold {
			return append(acts, Action{Kind: ActionScheduleJoinRetry, Delay: d})
		}
		return append(acts, Action{Kind: ActionBackoffSleep, Delay: d})

	case EventRetryJoin, EventBackoffElapsed:
		if !s.InBackoff || s.JoinState == Joined {
			return nil
		}
		s.InBackoff = false
		return []Action{{Kind: ActionRestartJoin}}

	case EventSendRequested:
		if s.TxPending {
			return nil
		}
		if s.JoinState != Joined {
			return []Action{{Kind: ActionScheduleSend, Delay: p.NotJoinedRetry}}
		}
		return []Action{
			{Kind: ActionFeedWatchdog},
			{Kind: ActionCollectPayload},
		}

	case EventPayloadFailed:
		if s.JoinState != Joined || s.TxPending {
			return nil
		}
		return []Action{
			notify(display.Error, "Payload error", 5*time.Second),
			{Kind: ActionScheduleSend, Delay: p.PayloadRetry},
		}

	case EventPayloadReady:
		if s.JoinState != Joined || s.TxPending {
			return nil
		}
		s.TxPending = true
		req := TransmissionRequest{Payload: ev.Payload, Port: p.Port, Confirmed: p.Confirmed}
		s.lastRequest = req

		acts := []Action{{Kind: ActionTransmit, Request: req}}
		if ev.SensorsOK {
			return append(acts, notify(display.SensorData, ev.Summary, 5*time.Second))
		}
		return append(acts, notify(display.Warning, "Battery only", 4*time.Second))

	case EventTransmitFailed:
		if !s.TxPending {
			return nil
		}
		s.TxPending = false
		return []Action{
			notify(display.Error, "Send failed", 5*time.Second),
			{Kind: ActionScheduleSend, Delay: p.PayloadRetry},
		}

	case EventTransmitComplete:
		if !s.TxPending {
			return nil
		}
		s.TxPending = false
		s.Done = true
		return []Action{
			notify(display.Success, "Data sent!", 2*time.Second),
			{Kind: ActionJournal, Record: Record{Kind: RecordUplink, Accepted: true, Request: s.lastRequest}},
			{Kind: ActionDeepSleep, Delay: p.SendInterval},
		}

	case EventDownlinkReceived:
		return []Action{notify(display.Info, fmt.Sprintf("Downlink: %d bytes", len(ev.Payload)), 3*time.Second)}

	case EventLinkDead:
		return []Action{notify(display.Warning, "Link lost", 4*time.Second)}

	case EventLinkAlive:
		return []Action{notify(display.Info, "Link restored", 3*time.Second)}
	}

	return nil
}
