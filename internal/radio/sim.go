package radio

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sensor-node/pkg/lorawan"
)

// SimConfig configures the in-process network server
type SimConfig struct {
	AppKey lorawan.AES128Key
	NetID  [3]byte
	// AcceptProbability is the chance a valid JoinRequest is answered;
	// zero or below is treated as 1
	AcceptProbability float64
	Seed              int64
}

// DefaultNetID is used when SimConfig.NetID is zero
var DefaultNetID = [3]byte{0x01, 0xa6, 0xdb}

// SimTransport is a transport with a network server behind it. It
// authenticates joins and uplinks the way a real server would and answers
// synchronously through the downlink channel.
type SimTransport struct {
	mu        sync.Mutex
	cfg       SimConfig
	rng       *rand.Rand
	connected bool
	closed    bool

	lastNonce map[lorawan.EUI64]uint16
	joinNonce uint32
	sessions  map[lorawan.DevAddr]*lorawan.DeviceSession
	uplinks   []lorawan.Uplink
	queued    map[lorawan.DevAddr][]simDownlink

	downlinks chan []byte
}

type simDownlink struct {
	port    uint8
	payload []byte
}

// NewSimTransport creates a simulated network server
func NewSimTransport(cfg SimConfig) *SimTransport {
	if cfg.AcceptProbability <= 0 {
		cfg.AcceptProbability = 1
	}
	if cfg.NetID == [3]byte{} {
		cfg.NetID = DefaultNetID
	}
	return &SimTransport{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		connected: true,
		lastNonce: make(map[lorawan.EUI64]uint16),
		sessions:  make(map[lorawan.DevAddr]*lorawan.DeviceSession),
		queued:    make(map[lorawan.DevAddr][]simDownlink),
		downlinks: make(chan []byte, DownlinkBuffer),
	}
}

// Send hands a frame to the simulated server
func (s *SimTransport) Send(_ context.Context, up Uplink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("sim transport closed")
	}
	if !s.connected {
		return errors.New("sim transport disconnected")
	}
	if len(up.Data) == 0 {
		return errors.New("empty frame")
	}

	switch lorawan.MType(up.Data[0] >> 5) {
	case lorawan.JoinRequest:
		s.handleJoin(up.Data)
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		s.handleData(up.Data)
	default:
		log.Warn().Hex("mhdr", up.Data[:1]).Msg("sim: unexpected frame type")
	}
	return nil
}

func (s *SimTransport) handleJoin(frame []byte) {
	jr, err := lorawan.ParseJoinRequest(frame, s.cfg.AppKey)
	if err != nil {
		log.Warn().Err(err).Msg("sim: JoinRequest dropped")
		return
	}

	nonce := jr.DevNonceValue()
	if last, seen := s.lastNonce[jr.DevEUI]; seen && nonce <= last {
		log.Warn().
			Uint16("devNonce", nonce).
			Uint16("last", last).
			Msg("sim: DevNonce replay")
		return
	}
	s.lastNonce[jr.DevEUI] = nonce

	if s.rng.Float64() >= s.cfg.AcceptProbability {
		log.Debug().Str("devEUI", jr.DevEUI.String()).Msg("sim: join ignored")
		return
	}

	s.joinNonce++
	ja := lorawan.JoinAcceptPayload{
		JoinNonce: [3]byte{byte(s.joinNonce), byte(s.joinNonce >> 8), byte(s.joinNonce >> 16)},
		NetID:     s.cfg.NetID,
		DevAddr:   s.newDevAddr(),
		RxDelay:   1,
	}
	accept, err := lorawan.EncodeJoinAccept(ja, s.cfg.AppKey)
	if err != nil {
		log.Error().Err(err).Msg("sim: encode JoinAccept")
		return
	}

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(s.cfg.AppKey, ja.JoinNonce, ja.NetID, jr.DevNonce)
	if err != nil {
		log.Error().Err(err).Msg("sim: derive session keys")
		return
	}
	s.sessions[ja.DevAddr] = &lorawan.DeviceSession{
		DevEUI:  jr.DevEUI,
		JoinEUI: jr.JoinEUI,
		DevAddr: ja.DevAddr,
		NetID:   ja.NetID,
		NwkSKey: nwkSKey,
		AppSKey: appSKey,
	}

	offer(s.downlinks, accept)
	log.Debug().
		Str("devEUI", jr.DevEUI.String()).
		Str("devAddr", ja.DevAddr.String()).
		Msg("sim: JoinAccept sent")
}

// newDevAddr picks a free address carrying the NwkID of the NetID
func (s *SimTransport) newDevAddr() lorawan.DevAddr {
	for {
		var addr lorawan.DevAddr
		s.rng.Read(addr[:])
		addr[0] = s.cfg.NetID[2]<<1 | addr[0]&0x01
		if _, used := s.sessions[addr]; !used {
			return addr
		}
	}
}

func (s *SimTransport) handleData(frame []byte) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(frame); err != nil {
		log.Warn().Err(err).Msg("sim: malformed uplink")
		return
	}
	var mac lorawan.MACPayload
	if err := mac.UnmarshalBinary(phy.MACPayload, true); err != nil {
		log.Warn().Err(err).Msg("sim: malformed uplink")
		return
	}

	session, ok := s.sessions[mac.FHDR.DevAddr]
	if !ok {
		log.Warn().Str("devAddr", mac.FHDR.DevAddr.String()).Msg("sim: unknown device")
		return
	}
	up, err := session.ParseUplink(frame)
	if err != nil {
		log.Warn().Err(err).Msg("sim: uplink rejected")
		return
	}
	s.uplinks = append(s.uplinks, *up)

	queue := s.queued[up.DevAddr]
	if len(queue) == 0 && !up.Confirmed {
		return
	}

	var port *uint8
	var payload []byte
	if len(queue) > 0 {
		port, payload = &queue[0].port, queue[0].payload
		s.queued[up.DevAddr] = queue[1:]
	}
	dl, err := session.BuildDownlink(port, payload, up.Confirmed, nil)
	if err != nil {
		log.Error().Err(err).Msg("sim: build downlink")
		return
	}
	offer(s.downlinks, dl)
}

// QueueDownlink schedules payload for the next uplink of devAddr
func (s *SimTransport) QueueDownlink(devAddr lorawan.DevAddr, port uint8, payload []byte) error {
	if port == 0 {
		return fmt.Errorf("FPort 0 is reserved")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[devAddr] = append(s.queued[devAddr], simDownlink{port: port, payload: payload})
	return nil
}

// Session returns the server-side session of devAddr
func (s *SimTransport) Session(devAddr lorawan.DevAddr) (lorawan.DeviceSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[devAddr]
	if !ok {
		return lorawan.DeviceSession{}, false
	}
	return *session, true
}

// Uplinks returns every authenticated uplink received so far
func (s *SimTransport) Uplinks() []lorawan.Uplink {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]lorawan.Uplink, len(s.uplinks))
	copy(out, s.uplinks)
	return out
}

// SetConnected simulates a link outage
func (s *SimTransport) SetConnected(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = up
}

// Downlinks returns the server's answers
func (s *SimTransport) Downlinks() <-chan []byte {
	return s.downlinks
}

// Connected reports the simulated link state
func (s *SimTransport) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}

// Close marks the transport closed
func (s *SimTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
