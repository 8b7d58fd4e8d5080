// Package lorawan implements the LoRaWAN 1.0.x frame codec used by the
// sensor node: PHYPayload framing, MIC computation, payload encryption,
// OTAA session key derivation and the regional channel tables.
package lorawan

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EUI64 is a DevEUI or JoinEUI, stored MSB first
type EUI64 [8]byte

// String returns the EUI as 16 hex digits
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalText implements encoding.TextMarshaler
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EUI64) UnmarshalText(text []byte) error {
	return decodeHex(e[:], string(text), "EUI64")
}

// DevAddr is the network address assigned at join, MSB first
type DevAddr [4]byte

// String returns the address as 8 hex digits
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// AES128Key is an AppKey, NwkSKey or AppSKey
type AES128Key [16]byte

// String returns the key as hex. Only used in debug output.
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AES128Key) UnmarshalText(text []byte) error {
	return decodeHex(k[:], string(text), "AES128Key")
}

// ParseAES128Key parses 32 hex digits
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key
	err := k.UnmarshalText([]byte(s))
	return k, err
}

// ParseEUI64 parses 16 hex digits, '-' and ':' separators are ignored
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	err := e.UnmarshalText([]byte(s))
	return e, err
}

func decodeHex(dst []byte, s, what string) error {
	clean := strings.NewReplacer("-", "", ":", "", " ", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", what, s, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid %s length: expected %d bytes, got %d", what, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// MType is the 3-bit frame type of the MHDR
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

func (m MType) String() string {
	switch m {
	case JoinRequest:
		return "JoinRequest"
	case JoinAccept:
		return "JoinAccept"
	case UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case ConfirmedDataUp:
		return "ConfirmedDataUp"
	case ConfirmedDataDown:
		return "ConfirmedDataDown"
	case Proprietary:
		return "Proprietary"
	default:
		return "RFU"
	}
}

// Uplink reports whether frames of this type travel device to network
func (m MType) Uplink() bool {
	return m == JoinRequest || m == UnconfirmedDataUp || m == ConfirmedDataUp
}

// Major is the data message format, always R1
type Major byte

const (
	LoRaWANR1 Major = 0
)

// MHDR is the one-byte header in front of every frame
type MHDR struct {
	MType MType
	Major Major
}

// Byte encodes the header
func (h MHDR) Byte() byte {
	return byte(h.MType)<<5 | byte(h.Major)&0x03
}

func parseMHDR(b byte) MHDR {
	return MHDR{MType: MType(b >> 5), Major: Major(b & 0x03)}
}

// PHYPayload is a whole radio frame. For a JoinAccept on the
// wire MACPayload holds the encrypted JoinAccept||MIC and MIC is unused.
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// MACPayload is the body of a data frame
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// FHDR carries the address, counter and piggybacked MAC commands
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// FCtrl holds the flag bits, FOptsLen is derived on encode
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
}

// JoinRequestPayload is sent in clear, only MIC protected
type JoinRequestPayload struct {
	JoinEUI  EUI64
	DevEUI   EUI64
	DevNonce [2]byte
}

// JoinAcceptPayload is the decrypted JoinAccept body
type JoinAcceptPayload struct {
	JoinNonce  [3]byte
	NetID      [3]byte
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte
}

// DLSettings packs RX1DROffset and RX2DataRate
type DLSettings struct {
	RX1DROffset uint8
	RX2DataRate uint8
}
