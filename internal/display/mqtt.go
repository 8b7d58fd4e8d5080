package display

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// MQTTConfig MQTT 通知配置
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// notice MQTT 消息体
type notice struct {
	DevEUI     string    `json:"devEUI"`
	Kind       Kind      `json:"kind"`
	Text       string    `json:"text"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// MQTT 把状态通知发布到 <prefix>/<devEUI>/status
type MQTT struct {
	client mqtt.Client
	topic  string
	devEUI string
	qos    byte
}

// NewMQTT 连接 broker 并创建通知器
func NewMQTT(cfg MQTTConfig, devEUI string) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("sensor-node-%s", devEUI)
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().
			Err(err).
			Str("broker", cfg.BrokerURL).
			Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.BrokerURL, err)
	}

	return newMQTT(client, cfg.TopicPrefix, devEUI, cfg.QoS), nil
}

func newMQTT(client mqtt.Client, prefix, devEUI string, qos byte) *MQTT {
	if prefix == "" {
		prefix = "sensor-node"
	}
	return &MQTT{
		client: client,
		topic:  fmt.Sprintf("%s/%s/status", prefix, devEUI),
		devEUI: devEUI,
		qos:    qos,
	}
}

// Notify 发布通知，不等待确认
func (m *MQTT) Notify(kind Kind, text string, d time.Duration) {
	if !m.client.IsConnected() {
		return
	}

	data, err := json.Marshal(notice{
		DevEUI:     m.devEUI,
		Kind:       kind,
		Text:       text,
		DurationMs: d.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return
	}

	m.client.Publish(m.topic, m.qos, false, data)
}

// Off 屏幕熄灭对 MQTT 无意义
func (m *MQTT) Off() {}

// Close 断开连接
func (m *MQTT) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}
