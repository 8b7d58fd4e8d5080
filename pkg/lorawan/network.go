package lorawan

import "fmt"

// Network-side counterparts of the device operations, used by the
// simulated network server and by tests.

// ParseJoinRequest authenticates a JoinRequest frame with appKey
func ParseJoinRequest(frame []byte, appKey AES128Key) (JoinRequestPayload, error) {
	var jr JoinRequestPayload

	var phy PHYPayload
	if err := phy.UnmarshalBinary(frame); err != nil {
		return jr, err
	}
	if phy.MHDR.MType != JoinRequest {
		return jr, fmt.Errorf("unexpected %s, want JoinRequest", phy.MHDR.MType)
	}
	if err := jr.UnmarshalBinary(phy.MACPayload); err != nil {
		return jr, err
	}

	ok, err := phy.ValidateUplinkJoinMIC(appKey)
	if err != nil {
		return jr, err
	}
	if !ok {
		return jr, ErrInvalidMIC
	}
	return jr, nil
}

// EncodeJoinAccept signs and encrypts a JoinAccept for the air
func EncodeJoinAccept(ja JoinAcceptPayload, appKey AES128Key) ([]byte, error) {
	mac, err := ja.MarshalBinary()
	if err != nil {
		return nil, err
	}

	phy := PHYPayload{MHDR: MHDR{MType: JoinAccept, Major: LoRaWANR1}, MACPayload: mac}
	if err := phy.SetJoinAcceptMIC(appKey); err != nil {
		return nil, err
	}
	if err := phy.EncryptJoinAcceptPayload(appKey); err != nil {
		return nil, err
	}
	return phy.MarshalBinary()
}

// Uplink is an authenticated, decrypted data uplink
type Uplink struct {
	DevAddr   DevAddr
	FCnt      uint32
	FPort     *uint8
	Payload   []byte
	Confirmed bool
}

// ParseUplink authenticates and decrypts a data uplink of this session
// and advances FCntUp past it
func (s *DeviceSession) ParseUplink(frame []byte) (*Uplink, error) {
	var phy PHYPayload
	if err := phy.UnmarshalBinary(frame); err != nil {
		return nil, err
	}
	if phy.MHDR.MType != UnconfirmedDataUp && phy.MHDR.MType != ConfirmedDataUp {
		return nil, fmt.Errorf("unexpected %s, want data uplink", phy.MHDR.MType)
	}

	var mac MACPayload
	if err := mac.UnmarshalBinary(phy.MACPayload, true); err != nil {
		return nil, err
	}
	if mac.FHDR.DevAddr != s.DevAddr {
		return nil, fmt.Errorf("unknown DevAddr %s", mac.FHDR.DevAddr)
	}

	fCnt := GetFullFCnt(s.FCntUp, mac.FHDR.FCnt)
	ok, err := phy.ValidateUplinkDataMIC(fCnt, s.NwkSKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidMIC
	}

	up := &Uplink{
		DevAddr:   mac.FHDR.DevAddr,
		FCnt:      fCnt,
		FPort:     mac.FPort,
		Confirmed: phy.MHDR.MType == ConfirmedDataUp,
	}
	if mac.FPort != nil && *mac.FPort != 0 {
		up.Payload, err = EncryptFRMPayload(s.AppSKey, s.DevAddr, fCnt, true, mac.FRMPayload)
		if err != nil {
			return nil, err
		}
	}

	s.FCntUp = fCnt + 1
	return up, nil
}

// BuildDownlink frames an unconfirmed data downlink with the next FCntDown.
// A nil port sends only FOpts.
func (s *DeviceSession) BuildDownlink(port *uint8, payload []byte, ack bool, fOpts []byte) ([]byte, error) {
	mac := MACPayload{
		FHDR: FHDR{
			DevAddr: s.DevAddr,
			FCtrl:   FCtrl{ACK: ack},
			FCnt:    uint16(s.FCntDown),
			FOpts:   fOpts,
		},
		FPort: port,
	}
	if port != nil {
		key := s.AppSKey
		if *port == 0 {
			key = s.NwkSKey
		}
		enc, err := EncryptFRMPayload(key, s.DevAddr, s.FCntDown, false, payload)
		if err != nil {
			return nil, err
		}
		mac.FRMPayload = enc
	}

	macBytes, err := mac.MarshalBinary(false)
	if err != nil {
		return nil, err
	}

	phy := PHYPayload{MHDR: MHDR{MType: UnconfirmedDataDown, Major: LoRaWANR1}, MACPayload: macBytes}
	if err := phy.SetDownlinkDataMIC(s.FCntDown, s.NwkSKey); err != nil {
		return nil, err
	}

	s.FCntDown++
	return phy.MarshalBinary()
}
