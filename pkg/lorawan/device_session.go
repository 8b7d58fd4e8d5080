package lorawan

import "fmt"

// DeviceSession is the device-side state established by an OTAA join
type DeviceSession struct {
	DevEUI  EUI64
	JoinEUI EUI64
	DevAddr DevAddr
	NetID   [3]byte

	NwkSKey AES128Key
	AppSKey AES128Key

	FCntUp   uint32
	FCntDown uint32

	RX1Delay    uint8
	RX1DROffset uint8
	RX2DR       uint8
}

// NewJoinRequest builds the JoinRequest PHYPayload for devNonce
func NewJoinRequest(joinEUI, devEUI EUI64, devNonce uint16, appKey AES128Key) (*PHYPayload, error) {
	jr := JoinRequestPayload{
		JoinEUI:  joinEUI,
		DevEUI:   devEUI,
		DevNonce: [2]byte{byte(devNonce), byte(devNonce >> 8)},
	}
	mac, err := jr.MarshalBinary()
	if err != nil {
		return nil, err
	}

	phy := &PHYPayload{
		MHDR:       MHDR{MType: JoinRequest, Major: LoRaWANR1},
		MACPayload: mac,
	}
	if err := phy.SetUplinkJoinMIC(appKey); err != nil {
		return nil, err
	}
	return phy, nil
}

// AcceptJoin decrypts and authenticates a JoinAccept answering the
// JoinRequest jr and derives the session
func AcceptJoin(frame []byte, jr JoinRequestPayload, appKey AES128Key) (*DeviceSession, error) {
	var phy PHYPayload
	if err := phy.UnmarshalBinary(frame); err != nil {
		return nil, err
	}
	if phy.MHDR.MType != JoinAccept {
		return nil, fmt.Errorf("unexpected %s, want JoinAccept", phy.MHDR.MType)
	}
	if err := phy.DecryptJoinAcceptPayload(appKey); err != nil {
		return nil, err
	}

	ok, err := phy.ValidateJoinAcceptMIC(appKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidMIC
	}

	var ja JoinAcceptPayload
	if err := ja.UnmarshalBinary(phy.MACPayload); err != nil {
		return nil, err
	}

	nwkSKey, appSKey, err := DeriveSessionKeys10(appKey, ja.JoinNonce, ja.NetID, jr.DevNonce)
	if err != nil {
		return nil, fmt.Errorf("derive session keys: %w", err)
	}

	rx1Delay := ja.RxDelay & 0x0F
	if rx1Delay == 0 {
		rx1Delay = 1
	}

	return &DeviceSession{
		DevEUI:      jr.DevEUI,
		JoinEUI:     jr.JoinEUI,
		DevAddr:     ja.DevAddr,
		NetID:       ja.NetID,
		NwkSKey:     nwkSKey,
		AppSKey:     appSKey,
		RX1Delay:    rx1Delay,
		RX1DROffset: ja.DLSettings.RX1DROffset,
		RX2DR:       ja.DLSettings.RX2DataRate,
	}, nil
}

// BuildUplink encrypts payload and frames an unconfirmed (or confirmed)
// data uplink with the next FCntUp
func (s *DeviceSession) BuildUplink(port uint8, payload []byte, confirmed bool) ([]byte, error) {
	if port == 0 {
		return nil, fmt.Errorf("FPort 0 is reserved for MAC commands")
	}

	enc, err := EncryptFRMPayload(s.AppSKey, s.DevAddr, s.FCntUp, true, payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt FRMPayload: %w", err)
	}

	mac := MACPayload{
		FHDR:       FHDR{DevAddr: s.DevAddr, FCnt: uint16(s.FCntUp)},
		FPort:      &port,
		FRMPayload: enc,
	}
	macBytes, err := mac.MarshalBinary(true)
	if err != nil {
		return nil, err
	}

	mtype := UnconfirmedDataUp
	if confirmed {
		mtype = ConfirmedDataUp
	}
	phy := PHYPayload{MHDR: MHDR{MType: mtype, Major: LoRaWANR1}, MACPayload: macBytes}
	if err := phy.SetUplinkDataMIC(s.FCntUp, s.NwkSKey); err != nil {
		return nil, err
	}

	s.FCntUp++
	return phy.MarshalBinary()
}

// Downlink is an authenticated, decrypted downlink
type Downlink struct {
	FCnt     uint32
	FPort    *uint8
	Payload  []byte
	ACK      bool
	Commands []MACCommand
}

// ParseDownlink authenticates a data downlink addressed to this session.
// Frames for another DevAddr return ok=false without error.
func (s *DeviceSession) ParseDownlink(frame []byte) (dl *Downlink, ok bool, err error) {
	var phy PHYPayload
	if err := phy.UnmarshalBinary(frame); err != nil {
		return nil, false, err
	}
	if phy.MHDR.MType != UnconfirmedDataDown && phy.MHDR.MType != ConfirmedDataDown {
		return nil, false, nil
	}

	var mac MACPayload
	if err := mac.UnmarshalBinary(phy.MACPayload, false); err != nil {
		return nil, false, err
	}
	if mac.FHDR.DevAddr != s.DevAddr {
		return nil, false, nil
	}

	fCnt := GetFullFCnt(s.FCntDown, mac.FHDR.FCnt)
	valid, err := phy.ValidateDownlinkDataMIC(fCnt, s.NwkSKey)
	if err != nil {
		return nil, false, err
	}
	if !valid {
		return nil, false, ErrInvalidMIC
	}
	s.FCntDown = fCnt + 1

	dl = &Downlink{FCnt: fCnt, FPort: mac.FPort, ACK: mac.FHDR.FCtrl.ACK}

	cmds := mac.FHDR.FOpts
	if mac.FPort != nil {
		key := s.AppSKey
		if *mac.FPort == 0 {
			key = s.NwkSKey
		}
		plain, err := EncryptFRMPayload(key, s.DevAddr, fCnt, false, mac.FRMPayload)
		if err != nil {
			return nil, false, err
		}
		if *mac.FPort == 0 {
			cmds = plain
		} else {
			dl.Payload = plain
		}
	}

	if len(cmds) > 0 {
		dl.Commands, err = ParseMACCommands(false, cmds)
		if err != nil {
			return nil, false, fmt.Errorf("parse MAC commands: %w", err)
		}
	}
	return dl, true, nil
}
