package sensor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

// Register locates one channel in the device's register map
type Register struct {
	Field   payload.FieldKind
	Address uint16
	// Input selects FC4 instead of FC3
	Input  bool
	Signed bool
	// Divisor converts the raw register to engineering units
	Divisor float64
}

// RegisterReader is the subset of modbus.Client used here
type RegisterReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

// ModbusConfig selects a TCP endpoint or an RTU serial line
type ModbusConfig struct {
	Name      string
	Endpoint  string
	Serial    string
	BaudRate  int
	SlaveID   byte
	Timeout   time.Duration
	Registers []Register
}

// Modbus reads a Modbus environmental transmitter
type Modbus struct {
	cfg     ModbusConfig
	client  RegisterReader
	closeFn func() error
}

// NewModbus creates an unconnected Modbus source, Init connects
func NewModbus(cfg ModbusConfig) (*Modbus, error) {
	if cfg.Endpoint == "" && cfg.Serial == "" {
		return nil, errors.New("sensor modbus: endpoint or serial required")
	}
	if len(cfg.Registers) == 0 {
		return nil, errors.New("sensor modbus: no registers configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "modbus"
	}
	return &Modbus{cfg: cfg}, nil
}

func newModbusWithReader(cfg ModbusConfig, r RegisterReader) *Modbus {
	return &Modbus{cfg: cfg, client: r}
}

func (m *Modbus) Name() string { return m.cfg.Name }

func (m *Modbus) Fields() []payload.FieldKind {
	out := make([]payload.FieldKind, 0, len(m.cfg.Registers))
	for _, r := range m.cfg.Registers {
		out = append(out, r.Field)
	}
	return out
}

// Init opens the TCP connection or serial port
func (m *Modbus) Init(ctx context.Context) error {
	if m.client != nil {
		return nil
	}

	if m.cfg.Serial != "" {
		h := modbus.NewRTUClientHandler(m.cfg.Serial)
		h.BaudRate = m.cfg.BaudRate
		if h.BaudRate == 0 {
			h.BaudRate = 9600
		}
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.SlaveId = m.cfg.SlaveID
		h.Timeout = m.cfg.Timeout

		if err := h.Connect(); err != nil {
			return fmt.Errorf("open %s: %w", m.cfg.Serial, err)
		}
		m.client = modbus.NewClient(h)
		m.closeFn = h.Close
		return nil
	}

	h := modbus.NewTCPClientHandler(m.cfg.Endpoint)
	h.SlaveId = m.cfg.SlaveID
	h.Timeout = m.cfg.Timeout

	if err := h.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", m.cfg.Endpoint, err)
	}
	m.client = modbus.NewClient(h)
	m.closeFn = h.Close
	return nil
}

// Read fetches every configured register. Failed registers yield the
// field's error value.
func (m *Modbus) Read(ctx context.Context) (Reading, error) {
	if m.client == nil {
		return nil, errors.New("sensor modbus: not initialized")
	}

	r := Reading{}
	var firstErr error
	for _, reg := range m.cfg.Registers {
		v, err := m.readRegister(reg)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("read %s at %d: %w", reg.Field, reg.Address, err)
			}
			r[reg.Field] = payload.ErrorValue(reg.Field)
			continue
		}
		r[reg.Field] = v
	}
	return r, firstErr
}

func (m *Modbus) readRegister(reg Register) (float64, error) {
	var (
		data []byte
		err  error
	)
	if reg.Input {
		data, err = m.client.ReadInputRegisters(reg.Address, 1)
	} else {
		data, err = m.client.ReadHoldingRegisters(reg.Address, 1)
	}
	if err != nil {
		return 0, err
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("short response: %d bytes", len(data))
	}

	raw := binary.BigEndian.Uint16(data[:2])
	div := reg.Divisor
	if div == 0 {
		div = 1
	}
	if reg.Signed {
		return float64(int16(raw)) / div, nil
	}
	return float64(raw) / div, nil
}

// Close releases the connection
func (m *Modbus) Close() error {
	if m.closeFn == nil {
		return nil
	}
	err := m.closeFn()
	m.closeFn = nil
	m.client = nil
	return err
}
