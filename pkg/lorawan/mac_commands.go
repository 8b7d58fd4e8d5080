package lorawan

import "fmt"

// MACCommand represents a MAC command
type MACCommand struct {
	CID     byte
	Payload []byte
}

// MAC command identifiers
const (
	LinkCheck     byte = 0x02
	LinkADR       byte = 0x03
	DutyCycle     byte = 0x04
	RXParamSetup  byte = 0x05
	DevStatus     byte = 0x06
	NewChannel    byte = 0x07
	RXTimingSetup byte = 0x08
	TxParamSetup  byte = 0x09
	DlChannel     byte = 0x0A
	DeviceTime    byte = 0x0D
)

var macCommandNames = map[byte]string{
	LinkCheck:     "LinkCheck",
	LinkADR:       "LinkADR",
	DutyCycle:     "DutyCycle",
	RXParamSetup:  "RXParamSetup",
	DevStatus:     "DevStatus",
	NewChannel:    "NewChannel",
	RXTimingSetup: "RXTimingSetup",
	TxParamSetup:  "TxParamSetup",
	DlChannel:     "DlChannel",
	DeviceTime:    "DeviceTime",
}

func (c MACCommand) String() string {
	name, ok := macCommandNames[c.CID]
	if !ok {
		name = fmt.Sprintf("0x%02x", c.CID)
	}
	return fmt.Sprintf("%s(%x)", name, c.Payload)
}

// ParseMACCommands parses MAC commands from bytes
func ParseMACCommands(uplink bool, data []byte) ([]MACCommand, error) {
	var commands []MACCommand

	for i := 0; i < len(data); {
		cid := data[i]
		i++

		n := macCommandPayloadLength(uplink, cid)
		if n < 0 {
			return commands, fmt.Errorf("unknown MAC command: %02x", cid)
		}
		if i+n > len(data) {
			return commands, fmt.Errorf("insufficient data for MAC command %02x", cid)
		}

		commands = append(commands, MACCommand{CID: cid, Payload: data[i : i+n]})
		i += n
	}

	return commands, nil
}

// macCommandPayloadLength returns the payload length of a command, -1
// when unknown
func macCommandPayloadLength(uplink bool, cid byte) int {
	if uplink {
		switch cid {
		case LinkCheck, DutyCycle, RXTimingSetup, TxParamSetup, DeviceTime:
			return 0
		case LinkADR, RXParamSetup, NewChannel, DlChannel:
			return 1
		case DevStatus:
			return 2
		}
		return -1
	}

	switch cid {
	case LinkCheck:
		return 2
	case LinkADR:
		return 4
	case DutyCycle, RXTimingSetup, TxParamSetup:
		return 1
	case RXParamSetup, DlChannel:
		return 4
	case DevStatus:
		return 0
	case NewChannel:
		return 5
	case DeviceTime:
		return 5
	}
	return -1
}
