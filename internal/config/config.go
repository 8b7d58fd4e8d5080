package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-sensor-node/pkg/lorawan"
	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

// Config represents the sensor node configuration
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Payload  PayloadConfig  `yaml:"payload"`
	Radio    RadioConfig    `yaml:"radio"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Display  DisplayConfig  `yaml:"display"`
	Sensors  []SensorConfig `yaml:"sensors"`
	Power    PowerConfig    `yaml:"power"`
	Storage  StorageConfig  `yaml:"storage"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Log      LogConfig      `yaml:"log"`
}

// DeviceConfig holds the OTAA identity
type DeviceConfig struct {
	DevEUI    string `yaml:"dev_eui"`
	JoinEUI   string `yaml:"join_eui"`
	AppKey    string `yaml:"app_key"`
	Port      uint8  `yaml:"port"`
	Confirmed bool   `yaml:"confirmed"`
}

// ScheduleConfig represents the cycle timings
type ScheduleConfig struct {
	SendInterval   time.Duration `yaml:"send_interval"`
	FirstSendDelay time.Duration `yaml:"first_send_delay"`
	PayloadRetry   time.Duration `yaml:"payload_retry"`
	NotJoinedRetry time.Duration `yaml:"not_joined_retry"`
	LoopInterval   time.Duration `yaml:"loop_interval"`
	// SleepScale shortens host sleeps for demos; 1 sleeps for real
	SleepScale float64 `yaml:"sleep_scale"`
}

// PayloadConfig selects the uplink layout
type PayloadConfig struct {
	Fields []string `yaml:"fields"`
	Solar  bool     `yaml:"solar"`
}

// RadioConfig represents the MAC and its transport
type RadioConfig struct {
	Transport      string        `yaml:"transport"` // sim | nats | udp
	Region         string        `yaml:"region"`
	DataRate       int           `yaml:"data_rate"`
	GatewayID      string        `yaml:"gateway_id"`
	RXWindowMargin time.Duration `yaml:"rx_window_margin"`
	UDPServer      string        `yaml:"udp_server"`
	PullInterval   time.Duration `yaml:"pull_interval"`
	Sim            SimConfig     `yaml:"sim"`
}

// SimConfig configures the in-process network server
type SimConfig struct {
	AcceptProbability float64 `yaml:"accept_probability"`
	Seed              int64   `yaml:"seed"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents the remote status display
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// DisplayConfig represents the local status screen
type DisplayConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SensorConfig describes one sensor source
type SensorConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // simulated | modbus

	// simulated
	Base        map[string]float64 `yaml:"base"`
	Jitter      float64            `yaml:"jitter"`
	FailureRate float64            `yaml:"failure_rate"`
	Seed        int64              `yaml:"seed"`

	// modbus
	Endpoint  string           `yaml:"endpoint"`
	Serial    string           `yaml:"serial"`
	BaudRate  int              `yaml:"baud_rate"`
	SlaveID   byte             `yaml:"slave_id"`
	Timeout   time.Duration    `yaml:"timeout"`
	Registers []RegisterConfig `yaml:"registers"`

	// PowerRail is a GPIO value file switched around each read
	PowerRail     string        `yaml:"power_rail"`
	Stabilization time.Duration `yaml:"stabilization"`
}

// RegisterConfig maps a Modbus register to a payload field
type RegisterConfig struct {
	Field   string  `yaml:"field"`
	Address uint16  `yaml:"address"`
	Input   bool    `yaml:"input"`
	Signed  bool    `yaml:"signed"`
	Divisor float64 `yaml:"divisor"`
}

// PowerConfig represents the battery monitor and sleep behaviour
type PowerConfig struct {
	Monitor        string  `yaml:"monitor"` // static | sysfs
	BatteryVoltage float64 `yaml:"battery_voltage"`
	SolarCharging  bool    `yaml:"solar_charging"`
	SysfsRoot      string  `yaml:"sysfs_root"`
}

// StorageConfig represents the persistent store
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite3 | postgres | memory
	DSN    string `yaml:"dsn"`
}

// WatchdogConfig represents the software watchdog
type WatchdogConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML, applies environment overrides and defaults and
// validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if devEUI := os.Getenv("NODE_DEV_EUI"); devEUI != "" {
		c.Device.DevEUI = devEUI
	}

	if appKey := os.Getenv("NODE_APP_KEY"); appKey != "" {
		c.Device.AppKey = appKey
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		c.Storage.DSN = dsn
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.Device.Port == 0 {
		c.Device.Port = 1
	}

	s := &c.Schedule
	if s.SendInterval == 0 {
		s.SendInterval = 300 * time.Second
	}
	if s.FirstSendDelay == 0 {
		s.FirstSendDelay = 2 * time.Second
	}
	if s.PayloadRetry == 0 {
		s.PayloadRetry = 10 * time.Second
	}
	if s.NotJoinedRetry == 0 {
		s.NotJoinedRetry = 30 * time.Second
	}
	if s.LoopInterval == 0 {
		s.LoopInterval = 100 * time.Millisecond
	}
	if s.SleepScale == 0 {
		s.SleepScale = 1
	}

	if len(c.Payload.Fields) == 0 {
		c.Payload.Fields = []string{"temperature", "humidity"}
	}

	r := &c.Radio
	if r.Transport == "" {
		r.Transport = "sim"
	}
	if r.Region == "" {
		r.Region = "EU868"
	}
	if r.DataRate == 0 {
		r.DataRate = 5 // SF7BW125
	}
	if r.GatewayID == "" {
		r.GatewayID = "0016c001ff10a235"
	}
	if r.UDPServer == "" {
		r.UDPServer = "localhost:1700"
	}
	if r.PullInterval == 0 {
		r.PullInterval = 10 * time.Second
	}
	if r.Sim.AcceptProbability == 0 {
		r.Sim.AcceptProbability = 1
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "sensor-node"
	}

	if len(c.Sensors) == 0 {
		c.Sensors = []SensorConfig{{
			Name: "dht22",
			Type: "simulated",
			Base: map[string]float64{"temperature": 21.5, "humidity": 55},
		}}
	}
	for i := range c.Sensors {
		if c.Sensors[i].Type == "" {
			c.Sensors[i].Type = "simulated"
		}
	}

	if c.Power.Monitor == "" {
		c.Power.Monitor = "static"
	}
	if c.Power.Monitor == "static" && c.Power.BatteryVoltage == 0 {
		c.Power.BatteryVoltage = 3.9
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite3"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite3" {
		c.Storage.DSN = "sensor-node.db"
	}

	if c.Watchdog.Timeout == 0 {
		c.Watchdog.Timeout = 5 * time.Minute
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate 校验配置的一致性
func (c *Config) Validate() error {
	var errs []error

	if _, _, _, err := c.Device.Keys(); err != nil {
		errs = append(errs, err)
	}

	if c.Schedule.SendInterval < time.Second {
		errs = append(errs, fmt.Errorf("schedule.send_interval %s is too short", c.Schedule.SendInterval))
	}
	if c.Schedule.SleepScale < 0 || c.Schedule.SleepScale > 1 {
		errs = append(errs, fmt.Errorf("schedule.sleep_scale must be within (0,1]"))
	}

	if _, err := c.Payload.Layout(); err != nil {
		errs = append(errs, err)
	}

	switch c.Radio.Transport {
	case "sim", "nats", "udp":
	default:
		errs = append(errs, fmt.Errorf("unknown radio.transport %q", c.Radio.Transport))
	}
	region, err := lorawan.GetRegionConfiguration(c.Radio.Region)
	if err != nil {
		errs = append(errs, err)
	} else if _, err := region.DataRate(c.Radio.DataRate); err != nil {
		errs = append(errs, err)
	}
	if c.Radio.Transport == "udp" {
		if _, err := c.Radio.GatewayEUI(); err != nil {
			errs = append(errs, err)
		}
	}
	if p := c.Radio.Sim.AcceptProbability; p < 0 || p > 1 {
		errs = append(errs, fmt.Errorf("radio.sim.accept_probability must be within [0,1]"))
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, fmt.Errorf("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2"))
	}

	for i, s := range c.Sensors {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("sensors[%d]: %w", i, err))
		}
	}

	switch c.Power.Monitor {
	case "static", "sysfs":
	default:
		errs = append(errs, fmt.Errorf("unknown power.monitor %q", c.Power.Monitor))
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite3", "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for %s", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	return errors.Join(errs...)
}

func (s SensorConfig) validate() error {
	switch s.Type {
	case "simulated":
		if _, err := s.BaseValues(); err != nil {
			return err
		}
		if s.FailureRate < 0 || s.FailureRate > 1 {
			return fmt.Errorf("failure_rate must be within [0,1]")
		}
	case "modbus":
		if s.Endpoint == "" && s.Serial == "" {
			return fmt.Errorf("modbus sensor %q needs endpoint or serial", s.Name)
		}
		if len(s.Registers) == 0 {
			return fmt.Errorf("modbus sensor %q has no registers", s.Name)
		}
		for _, r := range s.Registers {
			if _, err := payload.ParseFieldKind(r.Field); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown sensor type %q", s.Type)
	}
	return nil
}

// Keys parses the OTAA identity
func (d DeviceConfig) Keys() (devEUI, joinEUI lorawan.EUI64, appKey lorawan.AES128Key, err error) {
	if devEUI, err = lorawan.ParseEUI64(d.DevEUI); err != nil {
		return devEUI, joinEUI, appKey, fmt.Errorf("device.dev_eui: %w", err)
	}
	if joinEUI, err = lorawan.ParseEUI64(d.JoinEUI); err != nil {
		return devEUI, joinEUI, appKey, fmt.Errorf("device.join_eui: %w", err)
	}
	if appKey, err = lorawan.ParseAES128Key(d.AppKey); err != nil {
		return devEUI, joinEUI, appKey, fmt.Errorf("device.app_key: %w", err)
	}
	return devEUI, joinEUI, appKey, nil
}

// Layout builds the payload layout from the configured field names
func (p PayloadConfig) Layout() (payload.Layout, error) {
	kinds := make([]payload.FieldKind, 0, len(p.Fields))
	for _, name := range p.Fields {
		k, err := payload.ParseFieldKind(name)
		if err != nil {
			return payload.Layout{}, fmt.Errorf("payload.fields: %w", err)
		}
		kinds = append(kinds, k)
	}
	return payload.NewLayout(kinds, p.Solar), nil
}

// GatewayEUI parses the gateway id used in Semtech packets
func (r RadioConfig) GatewayEUI() ([8]byte, error) {
	eui, err := lorawan.ParseEUI64(r.GatewayID)
	if err != nil {
		return [8]byte{}, fmt.Errorf("radio.gateway_id: %w", err)
	}
	return eui, nil
}

// BaseValues parses the simulated base readings
func (s SensorConfig) BaseValues() (map[payload.FieldKind]float64, error) {
	out := make(map[payload.FieldKind]float64, len(s.Base))
	for name, v := range s.Base {
		k, err := payload.ParseFieldKind(name)
		if err != nil {
			return nil, fmt.Errorf("sensor %q: %w", s.Name, err)
		}
		out[k] = v
	}
	return out, nil
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== LoRaWAN Sensor Node Configuration ===\n")
	fmt.Printf("DevEUI: %s  JoinEUI: %s\n", c.Device.DevEUI, c.Device.JoinEUI)
	fmt.Printf("AppKey: %s\n", maskSecret(c.Device.AppKey))
	fmt.Printf("FPort: %d  Confirmed: %v\n", c.Device.Port, c.Device.Confirmed)

	fmt.Printf("Send Interval: %s  First Send: %s  Payload Retry: %s\n",
		c.Schedule.SendInterval, c.Schedule.FirstSendDelay, c.Schedule.PayloadRetry)
	if c.Schedule.SleepScale != 1 {
		fmt.Printf("Sleep Scale: %.3f\n", c.Schedule.SleepScale)
	}

	if layout, err := c.Payload.Layout(); err == nil {
		fmt.Printf("Payload: %s (%d bytes)\n", layout, layout.Size())
	}

	fmt.Printf("Radio: %s, %s DR%d\n", c.Radio.Transport, c.Radio.Region, c.Radio.DataRate)
	switch c.Radio.Transport {
	case "nats":
		fmt.Printf("  NATS: %s (gateway %s)\n", c.NATS.URL, c.Radio.GatewayID)
	case "udp":
		fmt.Printf("  UDP: %s (gateway %s, pull every %s)\n",
			c.Radio.UDPServer, c.Radio.GatewayID, c.Radio.PullInterval)
	case "sim":
		fmt.Printf("  Join accept probability: %.2f\n", c.Radio.Sim.AcceptProbability)
	}

	names := make([]string, 0, len(c.Sensors))
	for _, s := range c.Sensors {
		names = append(names, s.Name+"("+s.Type+")")
	}
	fmt.Printf("Sensors: %s\n", strings.Join(names, ", "))
	fmt.Printf("Power Monitor: %s\n", c.Power.Monitor)
	fmt.Printf("Storage: %s\n", c.Storage.Driver)
	if c.MQTT.Enabled {
		fmt.Printf("MQTT Display: %s/%s\n", c.MQTT.Broker, c.MQTT.TopicPrefix)
	}
	fmt.Printf("Watchdog: %v (%s)\n", c.Watchdog.Enabled, c.Watchdog.Timeout)
	fmt.Printf("==========================================\n")
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}
