// Package display 节点状态提示
package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

// Kind 消息类型
type Kind int

const (
	Info Kind = iota
	Warning
	Error
	Success
	SensorData
)

func (k Kind) String() string {
	switch k {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Success:
		return "success"
	case SensorData:
		return "sensor_data"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// DefaultDuration 每种消息的默认显示时长
func DefaultDuration(k Kind) time.Duration {
	switch k {
	case Warning:
		return 4 * time.Second
	case Error:
		return 5 * time.Second
	case Success:
		return 2 * time.Second
	case SensorData:
		return 5 * time.Second
	default:
		return 3 * time.Second
	}
}

// Notifier 显示通知接口，调用方不关心结果
type Notifier interface {
	Notify(kind Kind, text string, d time.Duration)
	Off()
}

// Disabled 丢弃所有通知
type Disabled struct{}

func (Disabled) Notify(Kind, string, time.Duration) {}
func (Disabled) Off()                               {}

// Fanout 把通知转发给多个 Notifier
type Fanout []Notifier

func (f Fanout) Notify(kind Kind, text string, d time.Duration) {
	for _, n := range f {
		n.Notify(kind, text, d)
	}
}

func (f Fanout) Off() {
	for _, n := range f {
		n.Off()
	}
}

// Update 驱动需要定时刷新的 Notifier
func (f Fanout) Update(now time.Time) {
	for _, n := range f {
		if u, ok := n.(interface{ Update(time.Time) }); ok {
			u.Update(now)
		}
	}
}

var units = map[payload.FieldKind]struct {
	label, unit string
	prec        int
}{
	payload.Temperature: {"T", "C", 1},
	payload.Humidity:    {"H", "%", 1},
	payload.Pressure:    {"P", "hPa", 1},
	payload.Distance:    {"D", "cm", 1},
	payload.Battery:     {"B", "V", 2},
}

// FormatSensorData 格式化传感器数据，例如 "T:23.4C H:60.2% B:3.87V"
func FormatSensorData(snap payload.Snapshot, fields []payload.FieldKind) string {
	parts := make([]string, 0, len(fields))
	for _, k := range fields {
		u, ok := units[k]
		if !ok {
			continue
		}
		if !snap.Valid(k) {
			parts = append(parts, u.label+":--")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%.*f%s", u.label, u.prec, snap.Value(k), u.unit))
	}
	if snap.SolarCharging {
		parts = append(parts, "SOL")
	}
	return strings.Join(parts, " ")
}
