package radio

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// UDPConfig 描述 Semtech UDP packet forwarder 客户端
type UDPConfig struct {
	// Server 是网关桥的 UDP 地址，例如 "localhost:1700"
	Server       string
	GatewayEUI   [8]byte
	PullInterval time.Duration
}

// UDPTransport 实现 packet forwarder 的网关端：上行走 PUSH_DATA，
// 定期 PULL_DATA 保活，PULL_RESP 中的 txpk 作为下行交给 MAC
type UDPTransport struct {
	conn         *net.UDPConn
	gatewayEUI   [8]byte
	pullInterval time.Duration
	started      time.Time
	downlinks    chan []byte

	lastAck atomic.Int64
	token   atomic.Uint32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDPTransport 连接到网关桥并启动接收和保活 goroutine
func NewUDPTransport(cfg UDPConfig) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Server, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Server, err)
	}

	if cfg.PullInterval <= 0 {
		cfg.PullInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:         conn,
		gatewayEUI:   cfg.GatewayEUI,
		pullInterval: cfg.PullInterval,
		started:      time.Now(),
		downlinks:    make(chan []byte, DownlinkBuffer),
		cancel:       cancel,
	}
	t.token.Store(uint32(rand.Intn(0xffff)))

	t.wg.Add(2)
	go t.readLoop()
	go t.pullLoop(ctx)

	log.Info().
		Str("server", addr.String()).
		Hex("gateway", cfg.GatewayEUI[:]).
		Msg("UDP packet forwarder 客户端启动")

	return t, nil
}

func (t *UDPTransport) nextToken() uint16 {
	return uint16(t.token.Add(1))
}

// Send 以 PUSH_DATA 上报一个上行
func (t *UDPTransport) Send(_ context.Context, up Uplink) error {
	tmst := uint32(time.Since(t.started).Microseconds())
	pkt, err := encodePushData(t.nextToken(), t.gatewayEUI, newRXPK(up, tmst))
	if err != nil {
		return fmt.Errorf("encode PUSH_DATA: %w", err)
	}
	if _, err := t.conn.Write(pkt); err != nil {
		return fmt.Errorf("send PUSH_DATA: %w", err)
	}
	return nil
}

// Downlinks 返回下行帧通道
func (t *UDPTransport) Downlinks() <-chan []byte {
	return t.downlinks
}

// Connected 在最近三个保活周期内收到过 ACK 时为真；启动后的宽限期内也为真
func (t *UDPTransport) Connected() bool {
	window := 3 * t.pullInterval
	last := t.lastAck.Load()
	if last == 0 {
		return time.Since(t.started) < window
	}
	return time.Since(time.Unix(0, last)) < window
}

// Close 停止 goroutine 并关闭 socket
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *UDPTransport) pullLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.pullInterval)
	defer ticker.Stop()

	t.sendPull()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sendPull()
		}
	}
}

func (t *UDPTransport) sendPull() {
	if _, err := t.conn.Write(encodePullData(t.nextToken(), t.gatewayEUI)); err != nil {
		log.Warn().Err(err).Msg("发送 PULL_DATA 失败")
	}
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, 65507)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Msg("读取 UDP 包错误")
			continue
		}
		t.handlePacket(append([]byte(nil), buf[:n]...))
	}
}

func (t *UDPTransport) handlePacket(data []byte) {
	hdr, err := parseHeader(data)
	if err != nil {
		return
	}
	if hdr.Version != ProtocolVersion {
		log.Warn().Uint8("version", hdr.Version).Msg("不支持的协议版本")
		return
	}

	switch hdr.Identifier {
	case PushAck, PullAck:
		t.lastAck.Store(time.Now().UnixNano())
	case PullResp:
		t.lastAck.Store(time.Now().UnixNano())
		t.handlePullResp(hdr.Token, data)
	default:
		log.Warn().Uint8("type", hdr.Identifier).Msg("未知的包类型")
	}
}

func (t *UDPTransport) handlePullResp(token uint16, data []byte) {
	txpk, err := decodePullResp(data)
	if err == nil {
		var frame []byte
		frame, err = txpk.frame()
		if err == nil && !offer(t.downlinks, frame) {
			log.Warn().Msg("下行缓冲已满，丢弃")
		}
	}

	errCode := ""
	if err != nil {
		log.Error().Err(err).Msg("处理 PULL_RESP 失败")
		errCode = "TX_FREQ"
	}
	if _, werr := t.conn.Write(encodeTxAck(token, t.gatewayEUI, errCode)); werr != nil {
		log.Warn().Err(werr).Msg("发送 TX_ACK 失败")
	}
}
