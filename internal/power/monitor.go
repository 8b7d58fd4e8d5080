package power

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

// Monitor reports the node's energy state
type Monitor interface {
	BatteryVoltage() float64
	SolarCharging() bool
}

// StaticMonitor reports fixed values
type StaticMonitor struct {
	Voltage  float64
	Charging bool
}

// BatteryVoltage implements Monitor
func (m StaticMonitor) BatteryVoltage() float64 { return m.Voltage }

// SolarCharging implements Monitor
func (m StaticMonitor) SolarCharging() bool { return m.Charging }

// DefaultSysfsRoot is where Linux exposes power supplies
const DefaultSysfsRoot = "/sys/class/power_supply"

// SysfsMonitor reads the Linux power_supply class. The solar panel shows up
// as a mains/USB supply feeding the charger.
type SysfsMonitor struct {
	Root string
}

// NewSysfsMonitor creates a monitor rooted at root (DefaultSysfsRoot if empty)
func NewSysfsMonitor(root string) *SysfsMonitor {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &SysfsMonitor{Root: root}
}

// BatteryVoltage returns the first battery's voltage in volts, or the
// battery error value when none can be read.
func (m *SysfsMonitor) BatteryVoltage() float64 {
	bat, ok := m.find("Battery")
	if !ok {
		return payload.ErrorValue(payload.Battery)
	}

	raw, err := readTrimmed(filepath.Join(bat, "voltage_now"))
	if err != nil {
		log.Debug().Err(err).Str("supply", bat).Msg("read battery voltage failed")
		return payload.ErrorValue(payload.Battery)
	}

	microvolts, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return payload.ErrorValue(payload.Battery)
	}
	return microvolts / 1e6
}

// SolarCharging is true when an external supply is online and the battery
// reports that it is charging.
func (m *SysfsMonitor) SolarCharging() bool {
	if !m.vbusPresent() {
		return false
	}
	bat, ok := m.find("Battery")
	if !ok {
		return false
	}
	status, err := readTrimmed(filepath.Join(bat, "status"))
	if err != nil {
		return false
	}
	return strings.EqualFold(status, "Charging")
}

func (m *SysfsMonitor) vbusPresent() bool {
	for _, typ := range []string{"Mains", "USB"} {
		for _, dir := range m.all(typ) {
			online, err := readTrimmed(filepath.Join(dir, "online"))
			if err == nil && online == "1" {
				return true
			}
		}
	}
	return false
}

func (m *SysfsMonitor) find(typ string) (string, bool) {
	dirs := m.all(typ)
	if len(dirs) == 0 {
		return "", false
	}
	return dirs[0], true
}

func (m *SysfsMonitor) all(typ string) []string {
	entries, err := os.ReadDir(m.Root)
	if err != nil {
		return nil
	}

	var out []string
	for _, e := range entries {
		dir := filepath.Join(m.Root, e.Name())
		t, err := readTrimmed(filepath.Join(dir, "type"))
		if err == nil && t == typ {
			out = append(out, dir)
		}
	}
	return out
}

func readTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
