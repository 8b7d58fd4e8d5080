package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidMIC is returned when a frame fails authentication
var ErrInvalidMIC = errors.New("invalid MIC")

// MarshalBinary marshals PHYPayload to binary. A JoinAccept must already
// be encrypted, its MIC travels inside MACPayload.
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 1+len(p.MACPayload)+4)
	data = append(data, p.MHDR.Byte())
	data = append(data, p.MACPayload...)
	if p.MHDR.MType != JoinAccept {
		data = append(data, p.MIC[:]...)
	}
	return data, nil
}

// UnmarshalBinary unmarshals PHYPayload from binary
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("PHYPayload too short: %d bytes", len(data))
	}

	p.MHDR = parseMHDR(data[0])
	if p.MHDR.MType == JoinAccept {
		p.MACPayload = append([]byte(nil), data[1:]...)
		p.MIC = [4]byte{}
		return nil
	}

	p.MACPayload = append([]byte(nil), data[1:len(data)-4]...)
	copy(p.MIC[:], data[len(data)-4:])
	return nil
}

func (p *PHYPayload) micInput() []byte {
	data := make([]byte, 0, 1+len(p.MACPayload))
	data = append(data, p.MHDR.Byte())
	return append(data, p.MACPayload...)
}

// dataMIC computes the data frame MIC over B0 | MHDR | MACPayload
func (p *PHYPayload) dataMIC(key AES128Key, uplink bool, fCnt uint32) ([4]byte, error) {
	var mac MACPayload
	if err := mac.UnmarshalBinary(p.MACPayload, uplink); err != nil {
		return [4]byte{}, fmt.Errorf("unmarshal MAC payload: %w", err)
	}

	b0 := make([]byte, 16)
	b0[0] = 0x49
	if !uplink {
		b0[5] = 0x01
	}
	copy(b0[6:10], reversed(mac.FHDR.DevAddr[:]))
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(1 + len(p.MACPayload))

	return CalculateMIC(key, append(b0, p.micInput()...))
}

// SetUplinkDataMIC sets the MIC of a data uplink
func (p *PHYPayload) SetUplinkDataMIC(fCnt uint32, nwkSKey AES128Key) error {
	mic, err := p.dataMIC(nwkSKey, true, fCnt)
	if err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// ValidateUplinkDataMIC checks the MIC of a data uplink
func (p *PHYPayload) ValidateUplinkDataMIC(fCnt uint32, nwkSKey AES128Key) (bool, error) {
	mic, err := p.dataMIC(nwkSKey, true, fCnt)
	if err != nil {
		return false, err
	}
	return mic == p.MIC, nil
}

// SetDownlinkDataMIC sets the MIC of a data downlink
func (p *PHYPayload) SetDownlinkDataMIC(fCnt uint32, nwkSKey AES128Key) error {
	mic, err := p.dataMIC(nwkSKey, false, fCnt)
	if err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// ValidateDownlinkDataMIC checks the MIC of a data downlink
func (p *PHYPayload) ValidateDownlinkDataMIC(fCnt uint32, nwkSKey AES128Key) (bool, error) {
	mic, err := p.dataMIC(nwkSKey, false, fCnt)
	if err != nil {
		return false, err
	}
	return mic == p.MIC, nil
}

// SetUplinkJoinMIC sets MIC = aes128_cmac(AppKey, MHDR | JoinEUI | DevEUI | DevNonce)
func (p *PHYPayload) SetUplinkJoinMIC(appKey AES128Key) error {
	mic, err := CalculateMIC(appKey, p.micInput())
	if err != nil {
		return fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// ValidateUplinkJoinMIC validates JOIN REQUEST MIC
func (p *PHYPayload) ValidateUplinkJoinMIC(appKey AES128Key) (bool, error) {
	mic, err := CalculateMIC(appKey, p.micInput())
	if err != nil {
		return false, fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}
	return mic == p.MIC, nil
}

// SetJoinAcceptMIC sets MIC = aes128_cmac(AppKey, MHDR | JoinAccept) on a
// plaintext JoinAccept
func (p *PHYPayload) SetJoinAcceptMIC(appKey AES128Key) error {
	mic, err := CalculateMIC(appKey, p.micInput())
	if err != nil {
		return fmt.Errorf("calculate JOIN ACCEPT MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// EncryptJoinAcceptPayload encrypts JoinAccept | MIC in place
func (p *PHYPayload) EncryptJoinAcceptPayload(appKey AES128Key) error {
	plain := make([]byte, 0, len(p.MACPayload)+4)
	plain = append(plain, p.MACPayload...)
	plain = append(plain, p.MIC[:]...)

	// 使用 AES DECRYPT 操作来加密
	cipherText, err := aesECB(appKey, plain, true)
	if err != nil {
		return fmt.Errorf("encrypt JOIN ACCEPT: %w", err)
	}
	p.MACPayload = cipherText
	p.MIC = [4]byte{}
	return nil
}

// DecryptJoinAcceptPayload reverses EncryptJoinAcceptPayload and splits
// the MIC off again
func (p *PHYPayload) DecryptJoinAcceptPayload(appKey AES128Key) error {
	if len(p.MACPayload) != 16 && len(p.MACPayload) != 32 {
		return fmt.Errorf("invalid JoinAccept length: %d", len(p.MACPayload))
	}

	plain, err := aesECB(appKey, p.MACPayload, false)
	if err != nil {
		return fmt.Errorf("decrypt JOIN ACCEPT: %w", err)
	}
	n := len(plain) - 4
	p.MACPayload = plain[:n]
	copy(p.MIC[:], plain[n:])
	return nil
}

// ValidateJoinAcceptMIC checks the MIC of a decrypted JoinAccept
func (p *PHYPayload) ValidateJoinAcceptMIC(appKey AES128Key) (bool, error) {
	mic, err := CalculateMIC(appKey, p.micInput())
	if err != nil {
		return false, fmt.Errorf("calculate JOIN ACCEPT MIC: %w", err)
	}
	return mic == p.MIC, nil
}

// GetFullFCnt gets full frame counter from 16-bit value
func GetFullFCnt(last uint32, fCnt uint16) uint32 {
	upper := last & 0xFFFF0000
	if uint16(last) > fCnt && uint16(last)-fCnt > 0x8000 {
		upper += 0x10000
	}
	return upper | uint32(fCnt)
}

// EncryptFRMPayload encrypts or decrypts FRMPayload; the operation is its
// own inverse
func EncryptFRMPayload(key AES128Key, devAddr DevAddr, fCnt uint32, uplink bool, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	a := make([]byte, 16)
	a[0] = 0x01
	if !uplink {
		a[5] = 0x01
	}
	copy(a[6:10], reversed(devAddr[:]))
	binary.LittleEndian.PutUint32(a[10:14], fCnt)

	out := make([]byte, len(payload))
	s := make([]byte, 16)
	for i := 0; i < len(payload); i += 16 {
		a[15] = byte(i/16 + 1)
		block.Encrypt(s, a)
		for j := i; j < len(payload) && j < i+16; j++ {
			out[j] = payload[j] ^ s[j-i]
		}
	}
	return out, nil
}

// MarshalBinary marshals MACPayload
func (m *MACPayload) MarshalBinary(uplink bool) ([]byte, error) {
	if len(m.FHDR.FOpts) > 15 {
		return nil, fmt.Errorf("FOpts too long: %d bytes", len(m.FHDR.FOpts))
	}

	data := make([]byte, 0, 8+len(m.FHDR.FOpts)+len(m.FRMPayload))
	data = append(data, reversed(m.FHDR.DevAddr[:])...)

	var fctrl byte
	if m.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if m.FHDR.FCtrl.ACK {
		fctrl |= 0x20
	}
	if uplink {
		if m.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
		if m.FHDR.FCtrl.ClassB {
			fctrl |= 0x10
		}
	} else if m.FHDR.FCtrl.FPending {
		fctrl |= 0x10
	}
	fctrl |= byte(len(m.FHDR.FOpts))
	data = append(data, fctrl)

	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))
	data = append(data, m.FHDR.FOpts...)

	// FRMPayload only present if FPort is present
	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}
	return data, nil
}

// UnmarshalBinary unmarshals MACPayload
func (m *MACPayload) UnmarshalBinary(data []byte, uplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("MACPayload too short: %d bytes", len(data))
	}

	copy(m.FHDR.DevAddr[:], reversed(data[0:4]))

	fctrl := data[4]
	m.FHDR.FCtrl = FCtrl{
		ADR: fctrl&0x80 != 0,
		ACK: fctrl&0x20 != 0,
	}
	if uplink {
		m.FHDR.FCtrl.ADRACKReq = fctrl&0x40 != 0
		m.FHDR.FCtrl.ClassB = fctrl&0x10 != 0
	} else {
		m.FHDR.FCtrl.FPending = fctrl&0x10 != 0
	}

	m.FHDR.FCnt = binary.LittleEndian.Uint16(data[5:7])

	pos := 7
	foptsLen := int(fctrl & 0x0F)
	if pos+foptsLen > len(data) {
		return fmt.Errorf("invalid FOpts length")
	}
	m.FHDR.FOpts = nil
	if foptsLen > 0 {
		m.FHDR.FOpts = data[pos : pos+foptsLen]
	}
	pos += foptsLen

	m.FPort = nil
	m.FRMPayload = nil
	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		m.FRMPayload = data[pos+1:]
	}
	return nil
}

// MarshalBinary encodes JoinEUI | DevEUI | DevNonce, EUIs little-endian
// on the wire
func (j *JoinRequestPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 18)
	copy(data[0:8], reversed(j.JoinEUI[:]))
	copy(data[8:16], reversed(j.DevEUI[:]))
	copy(data[16:18], j.DevNonce[:])
	return data, nil
}

// UnmarshalBinary decodes a JoinRequest MACPayload
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("invalid JoinRequest length: expected 18, got %d", len(data))
	}

	copy(j.JoinEUI[:], reversed(data[0:8]))
	copy(j.DevEUI[:], reversed(data[8:16]))
	copy(j.DevNonce[:], data[16:18])
	return nil
}

// DevNonceValue returns the DevNonce as a counter value
func (j *JoinRequestPayload) DevNonceValue() uint16 {
	return binary.LittleEndian.Uint16(j.DevNonce[:])
}

// MarshalBinary encodes a plaintext JoinAccept MACPayload
func (j *JoinAcceptPayload) MarshalBinary() ([]byte, error) {
	if len(j.CFList) != 0 && len(j.CFList) != 16 {
		return nil, fmt.Errorf("invalid CFList length: %d", len(j.CFList))
	}

	data := make([]byte, 12, 12+len(j.CFList))
	copy(data[0:3], j.JoinNonce[:])
	copy(data[3:6], j.NetID[:])
	copy(data[6:10], reversed(j.DevAddr[:]))
	data[10] = (j.DLSettings.RX1DROffset&0x07)<<4 | j.DLSettings.RX2DataRate&0x0F
	data[11] = j.RxDelay
	return append(data, j.CFList...), nil
}

// UnmarshalBinary decodes a plaintext JoinAccept MACPayload
func (j *JoinAcceptPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 12 && len(data) != 28 {
		return fmt.Errorf("invalid JoinAccept length: expected 12 or 28, got %d", len(data))
	}

	copy(j.JoinNonce[:], data[0:3])
	copy(j.NetID[:], data[3:6])
	copy(j.DevAddr[:], reversed(data[6:10]))
	j.DLSettings.RX1DROffset = (data[10] >> 4) & 0x07
	j.DLSettings.RX2DataRate = data[10] & 0x0F
	j.RxDelay = data[11]

	j.CFList = nil
	if len(data) > 12 {
		j.CFList = append([]byte(nil), data[12:]...)
	}
	return nil
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
