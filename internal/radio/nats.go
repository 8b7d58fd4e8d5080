package radio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig 描述网关桥接所用的 NATS 连接
type NATSConfig struct {
	URL           string
	Username      string
	Password      string
	GatewayID     string
	MaxReconnects int
	ReconnectWait time.Duration
}

// rxMessage 与网关桥发布到 gateway.<id>.rx 的消息格式一致
type rxMessage struct {
	GatewayID string `json:"gatewayID"`
	RXPK      RXPK   `json:"rxpk"`
	Context   string `json:"context"`
	Timestamp int64  `json:"timestamp"`
}

// txMessage 是 gateway.<id>.tx 上的下行消息
type txMessage struct {
	GatewayID string `json:"gatewayID"`
	TXPK      TXPK   `json:"txpk"`
	Context   string `json:"context,omitempty"`
}

// NATSTransport 扮演一个网关：上行发布到 gateway.<id>.rx，
// 从 gateway.<id>.tx 接收下行
type NATSTransport struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	gatewayID string
	started   time.Time
	downlinks chan []byte
}

// NewNATSTransport 连接 NATS 并订阅本网关的下行主题
func NewNATSTransport(cfg NATSConfig) (*NATSTransport, error) {
	if cfg.GatewayID == "" {
		return nil, fmt.Errorf("nats transport: gateway id is required")
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("lorawan-sensor-node"),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS 连接断开")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS 已重连")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	t := newNATSTransport(nc, cfg.GatewayID)

	subject := fmt.Sprintf("gateway.%s.tx", cfg.GatewayID)
	t.sub, err = nc.Subscribe(subject, t.handleDownlink)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	log.Info().
		Str("gateway", cfg.GatewayID).
		Str("subject", subject).
		Msg("已连接到 NATS")

	return t, nil
}

func newNATSTransport(nc *nats.Conn, gatewayID string) *NATSTransport {
	return &NATSTransport{
		nc:        nc,
		gatewayID: gatewayID,
		started:   time.Now(),
		downlinks: make(chan []byte, DownlinkBuffer),
	}
}

// Send 按网关桥的格式发布上行
func (t *NATSTransport) Send(_ context.Context, up Uplink) error {
	tmst := uint32(time.Since(t.started).Microseconds())
	data, err := encodeRXMessage(t.gatewayID, up, tmst)
	if err != nil {
		return fmt.Errorf("marshal rx message: %w", err)
	}

	subject := fmt.Sprintf("gateway.%s.rx", t.gatewayID)
	if err := t.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Uint32("freq", up.Frequency).
		Str("datr", up.DataRate).
		Int("size", len(up.Data)).
		Msg("上行已发布")
	return nil
}

func (t *NATSTransport) handleDownlink(msg *nats.Msg) {
	frame, err := decodeTXMessage(msg.Data)
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("解析下行消息失败")
		return
	}
	if !offer(t.downlinks, frame) {
		log.Warn().Str("subject", msg.Subject).Msg("下行缓冲已满，丢弃")
	}
}

// Downlinks 返回下行帧通道
func (t *NATSTransport) Downlinks() <-chan []byte {
	return t.downlinks
}

// Connected 报告 NATS 连接状态
func (t *NATSTransport) Connected() bool {
	return t.nc.IsConnected()
}

// Close 取消订阅并关闭连接
func (t *NATSTransport) Close() error {
	if t.sub != nil {
		t.sub.Unsubscribe()
	}
	t.nc.Close()
	return nil
}

// encodeRXMessage 生成 gateway.<id>.rx 消息；context 携带网关 id 和 tmst，
// 下行据此计算发送时间
func encodeRXMessage(gatewayID string, up Uplink, tmst uint32) ([]byte, error) {
	ctxBytes, err := json.Marshal(map[string]interface{}{
		"gateway_id": gatewayID,
		"tmst":       float64(tmst),
	})
	if err != nil {
		return nil, err
	}

	at := up.Time
	if at.IsZero() {
		at = time.Now()
	}
	return json.Marshal(rxMessage{
		GatewayID: gatewayID,
		RXPK:      newRXPK(up, tmst),
		Context:   base64.StdEncoding.EncodeToString(ctxBytes),
		Timestamp: at.Unix(),
	})
}

func decodeTXMessage(data []byte) ([]byte, error) {
	var msg txMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.TXPK.Data == "" {
		return nil, fmt.Errorf("txpk without data")
	}
	return msg.TXPK.frame()
}
