package radio

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sensor-node/internal/models"
	"github.com/lorawan-server/lorawan-sensor-node/pkg/lorawan"
)

// DefaultRXWindowMargin is added to every receive window wait to absorb
// transport latency
const DefaultRXWindowMargin = 2 * time.Second

// NonceStore hands out strictly increasing DevNonces that survive deep
// sleep
type NonceStore interface {
	NextDevNonce(ctx context.Context, devEUI models.EUI64) (uint16, error)
}

// MACConfig holds the OTAA identity and radio parameters
type MACConfig struct {
	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64
	AppKey  lorawan.AES128Key

	Region   *lorawan.RegionConfiguration
	DataRate int
	// RXWindowMargin defaults to DefaultRXWindowMargin
	RXWindowMargin time.Duration
	Seed           int64
}

type macState int

const (
	macIdle macState = iota
	macJoining
	macJoined
)

// MAC is a device-side LoRaWAN 1.0.x class A MAC. All state changes
// happen inside the calls of the single control loop; the transport only
// fills its downlink channel.
type MAC struct {
	mu sync.Mutex

	cfg       MACConfig
	dataRate  string
	transport Transport
	nonces    NonceStore
	rng       *rand.Rand

	state    macState
	request  lorawan.JoinRequestPayload
	session  *lorawan.DeviceSession
	deadline time.Time
	waiting  bool

	txPending   bool
	txConfirmed bool

	linkUp bool
	events []Event
}

// NewMAC creates a MAC on top of transport
func NewMAC(cfg MACConfig, transport Transport, nonces NonceStore) (*MAC, error) {
	if transport == nil || nonces == nil {
		return nil, errors.New("mac: transport and nonce store are required")
	}
	if cfg.Region == nil {
		region, err := lorawan.GetRegionConfiguration("")
		if err != nil {
			return nil, err
		}
		cfg.Region = region
	}
	dr, err := cfg.Region.DataRate(cfg.DataRate)
	if err != nil {
		return nil, fmt.Errorf("mac: %w", err)
	}
	if cfg.RXWindowMargin <= 0 {
		cfg.RXWindowMargin = DefaultRXWindowMargin
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &MAC{
		cfg:       cfg,
		dataRate:  dr.String(),
		transport: transport,
		nonces:    nonces,
		rng:       rand.New(rand.NewSource(seed)),
		linkUp:    true,
	}, nil
}

// Session returns the active session, nil before a join succeeded
func (m *MAC) Session() *lorawan.DeviceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// StartJoin sends a JoinRequest with a fresh DevNonce
func (m *MAC) StartJoin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == macJoining {
		return ErrJoinPending
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nonce, err := m.nonces.NextDevNonce(ctx, models.EUI64(m.cfg.DevEUI))
	if err != nil {
		return fmt.Errorf("next DevNonce: %w", err)
	}

	phy, err := lorawan.NewJoinRequest(m.cfg.JoinEUI, m.cfg.DevEUI, nonce, m.cfg.AppKey)
	if err != nil {
		return fmt.Errorf("build JoinRequest: %w", err)
	}
	frame, err := phy.MarshalBinary()
	if err != nil {
		return err
	}
	var jr lorawan.JoinRequestPayload
	if err := jr.UnmarshalBinary(phy.MACPayload); err != nil {
		return err
	}

	m.drainStale()
	if err := m.transport.Send(ctx, m.uplink(frame)); err != nil {
		return fmt.Errorf("send JoinRequest: %w", err)
	}

	m.state = macJoining
	m.session = nil
	m.request = jr
	m.arm()
	m.raise(Event{Kind: JoinStarted})

	log.Info().
		Str("devEUI", m.cfg.DevEUI.String()).
		Uint16("devNonce", nonce).
		Msg("JoinRequest sent")
	return nil
}

// Send encrypts payload and transmits it as a data uplink
func (m *MAC) Send(payload []byte, port uint8, confirmed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != macJoined {
		return ErrNotJoined
	}
	if m.txPending {
		return ErrTxPending
	}
	if max := m.cfg.Region.MaxPayloadSize(m.cfg.DataRate); max > 0 && len(payload) > max {
		return fmt.Errorf("payload of %d bytes exceeds %d for DR%d", len(payload), max, m.cfg.DataRate)
	}

	frame, err := m.session.BuildUplink(port, payload, confirmed)
	if err != nil {
		return fmt.Errorf("build uplink: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.drainStale()
	if err := m.transport.Send(ctx, m.uplink(frame)); err != nil {
		return fmt.Errorf("send uplink: %w", err)
	}

	m.txPending = true
	m.txConfirmed = confirmed
	m.arm()

	log.Debug().
		Uint32("fCnt", m.session.FCntUp-1).
		Uint8("fPort", port).
		Int("size", len(payload)).
		Bool("confirmed", confirmed).
		Msg("uplink sent")
	return nil
}

// Reset drops the session and anything in flight
func (m *MAC) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = macIdle
	m.session = nil
	m.txPending = false
	m.waiting = false
	m.events = nil
	m.drainStale()
}

// Poll processes received downlinks and expired receive windows
func (m *MAC) Poll(now time.Time) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkLink()

	if m.waiting && m.deadline.IsZero() {
		m.deadline = now.Add(m.windowWait())
	}

drain:
	for m.waiting {
		select {
		case frame := <-m.transport.Downlinks():
			m.handleDownlink(frame)
		default:
			break drain
		}
	}

	if m.waiting && !now.Before(m.deadline) {
		m.expire()
	}

	events := m.events
	m.events = nil
	for i := range events {
		if events[i].At.IsZero() {
			events[i].At = now
		}
	}
	return events
}

// Close closes the transport
func (m *MAC) Close() error {
	return m.transport.Close()
}

func (m *MAC) uplink(frame []byte) Uplink {
	ch := m.cfg.Region.DefaultChannels[m.rng.Intn(len(m.cfg.Region.DefaultChannels))]
	return Uplink{
		Frequency:  ch.Frequency,
		DataRate:   m.dataRate,
		CodingRate: "4/5",
		Data:       frame,
		Time:       time.Now(),
	}
}

// arm opens the receive window; the deadline is fixed at the next Poll
func (m *MAC) arm() {
	m.waiting = true
	m.deadline = time.Time{}
}

func (m *MAC) windowWait() time.Duration {
	if m.state == macJoining {
		return lorawan.JoinAcceptDelay2 + m.cfg.RXWindowMargin
	}
	return lorawan.ReceiveDelay2 + m.cfg.RXWindowMargin
}

func (m *MAC) raise(ev Event) {
	m.events = append(m.events, ev)
}

// drainStale discards frames that arrived outside a receive window
func (m *MAC) drainStale() {
	for {
		select {
		case <-m.transport.Downlinks():
		default:
			return
		}
	}
}

func (m *MAC) checkLink() {
	up := m.transport.Connected()
	if up == m.linkUp {
		return
	}
	m.linkUp = up
	if up {
		log.Info().Msg("network link restored")
		m.raise(Event{Kind: LinkAlive})
	} else {
		log.Warn().Msg("network link lost")
		m.raise(Event{Kind: LinkDead})
	}
}

func (m *MAC) handleDownlink(frame []byte) {
	if m.state == macJoining {
		m.handleJoinAccept(frame)
		return
	}
	if m.state == macJoined && m.txPending {
		m.handleDataDownlink(frame)
	}
}

func (m *MAC) handleJoinAccept(frame []byte) {
	if len(frame) == 0 || lorawan.MType(frame[0]>>5) != lorawan.JoinAccept {
		return
	}

	session, err := lorawan.AcceptJoin(frame, m.request, m.cfg.AppKey)
	if err != nil {
		log.Warn().Err(err).Msg("JoinAccept rejected")
		m.waiting = false
		m.state = macIdle
		m.raise(Event{Kind: JoinFailed, Reason: err.Error()})
		return
	}

	m.waiting = false
	m.state = macJoined
	m.session = session
	m.raise(Event{Kind: JoinSucceeded})

	log.Info().
		Str("devAddr", session.DevAddr.String()).
		Hex("netID", session.NetID[:]).
		Msg("joined")
}

func (m *MAC) handleDataDownlink(frame []byte) {
	dl, ok, err := m.session.ParseDownlink(frame)
	if err != nil {
		log.Warn().Err(err).Msg("downlink dropped")
		return
	}
	if !ok {
		return
	}

	for _, cmd := range dl.Commands {
		log.Debug().Str("command", cmd.String()).Msg("MAC command received")
	}
	if m.txConfirmed && !dl.ACK {
		log.Warn().Uint32("fCnt", dl.FCnt).Msg("confirmed uplink not acknowledged")
	}

	if dl.FPort != nil && *dl.FPort > 0 {
		m.raise(Event{Kind: DownlinkReceived, Port: *dl.FPort, Payload: dl.Payload})
	}
	m.finishTx()
}

func (m *MAC) expire() {
	switch {
	case m.state == macJoining:
		m.waiting = false
		m.state = macIdle
		m.raise(Event{Kind: JoinFailed, Reason: "join accept timeout"})
		log.Warn().Msg("no JoinAccept received")
	case m.txPending:
		if m.txConfirmed {
			log.Warn().Msg("confirmed uplink not acknowledged")
		}
		m.finishTx()
	default:
		m.waiting = false
	}
}

func (m *MAC) finishTx() {
	m.waiting = false
	m.txPending = false
	m.raise(Event{Kind: TransmitComplete})
}
