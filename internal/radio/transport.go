package radio

import (
	"context"
	"time"
)

// Uplink is one frame handed to a transport together with its radio
// parameters
type Uplink struct {
	// Frequency in Hz
	Frequency uint32
	// DataRate as in the packet forwarder JSON, e.g. "SF7BW125"
	DataRate   string
	CodingRate string
	Data       []byte
	Time       time.Time
}

// Transport carries PHY frames between the MAC and a network server.
// Downlinks are delivered on a buffered channel that the MAC drains from
// its Poll; implementations may fill it from their own goroutines.
type Transport interface {
	Send(ctx context.Context, up Uplink) error
	Downlinks() <-chan []byte
	// Connected reports whether the path to the network server is up
	Connected() bool
	Close() error
}

// DownlinkBuffer is the capacity of every transport's downlink channel
const DownlinkBuffer = 16

// offer delivers a downlink without blocking, dropping it when the MAC
// has fallen behind
func offer(ch chan []byte, frame []byte) bool {
	select {
	case ch <- frame:
		return true
	default:
		return false
	}
}
