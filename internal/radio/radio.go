// Package radio is the LoRaWAN MAC collaborator of the sensor node: a
// device-side OTAA implementation and the transports that carry its frames
// to a network server.
package radio

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTxPending is returned by Send while an uplink is still in flight
	ErrTxPending = errors.New("transmission already pending")
	// ErrNotJoined is returned by Send before the join handshake completed
	ErrNotJoined = errors.New("device not joined")
	// ErrJoinPending is returned by StartJoin while a join is in flight
	ErrJoinPending = errors.New("join already in progress")
)

// EventKind enumerates what the MAC reports to the node
type EventKind int

const (
	JoinStarted EventKind = iota
	JoinSucceeded
	JoinFailed
	TransmitComplete
	DownlinkReceived
	LinkDead
	LinkAlive
)

var eventNames = map[EventKind]string{
	JoinStarted:      "join_started",
	JoinSucceeded:    "join_succeeded",
	JoinFailed:       "join_failed",
	TransmitComplete: "transmit_complete",
	DownlinkReceived: "downlink_received",
	LinkDead:         "link_dead",
	LinkAlive:        "link_alive",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one MAC notification
type Event struct {
	Kind EventKind
	At   time.Time
	// Port and Payload are set for DownlinkReceived
	Port    uint8
	Payload []byte
	// Reason explains JoinFailed
	Reason string
}

// Radio is the join/send/event surface the node drives
type Radio interface {
	StartJoin() error
	Send(payload []byte, port uint8, confirmed bool) error
	// Reset drops the MAC session, as after a light sleep
	Reset()
	// Poll runs the MAC once and returns the events raised since the last call
	Poll(now time.Time) []Event
	Close() error
}
