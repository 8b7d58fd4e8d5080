package radio

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Semtech UDP 协议常量
const (
	ProtocolVersion = 2

	// 消息类型
	PushData = 0x00
	PushAck  = 0x01
	PullData = 0x02
	PullResp = 0x03
	PullAck  = 0x04
	TxAck    = 0x05
)

var errShortPacket = errors.New("semtech packet too short")

// RXPK 是 packet forwarder 上报的接收包
type RXPK struct {
	Time string  `json:"time,omitempty"`
	Tmst uint32  `json:"tmst"`
	Chan int     `json:"chan"`
	RFCh int     `json:"rfch"`
	Freq float64 `json:"freq"`
	Stat int     `json:"stat"`
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr"`
	RSSI int     `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// TXPK 是网络服务器下发的发送包
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst uint32  `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	RFCh int     `json:"rfch"`
	Powe int     `json:"powe"`
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr"`
	IPol bool    `json:"ipol"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// newRXPK 把一个上行帧包装成 rxpk，信号质量取固定的近距离值
func newRXPK(up Uplink, tmst uint32) RXPK {
	at := up.Time
	if at.IsZero() {
		at = time.Now()
	}
	codr := up.CodingRate
	if codr == "" {
		codr = "4/5"
	}
	return RXPK{
		Time: at.UTC().Format(time.RFC3339Nano),
		Tmst: tmst,
		Freq: float64(up.Frequency) / 1e6,
		Stat: 1,
		Modu: "LORA",
		DatR: up.DataRate,
		CodR: codr,
		RSSI: -60,
		LSNR: 9.5,
		Size: len(up.Data),
		Data: base64.StdEncoding.EncodeToString(up.Data),
	}
}

// frame 解码 txpk 中的 PHYPayload
func (t TXPK) frame() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(t.Data)
	if err != nil {
		return nil, fmt.Errorf("decode txpk data: %w", err)
	}
	return data, nil
}

// packetHeader 是所有 Semtech 包共有的前 4 字节
type packetHeader struct {
	Version    uint8
	Token      uint16
	Identifier uint8
}

func parseHeader(data []byte) (packetHeader, error) {
	if len(data) < 4 {
		return packetHeader{}, errShortPacket
	}
	return packetHeader{
		Version:    data[0],
		Token:      binary.BigEndian.Uint16(data[1:3]),
		Identifier: data[3],
	}, nil
}

func appendHeader(buf []byte, token uint16, identifier uint8) []byte {
	buf = append(buf, ProtocolVersion, byte(token>>8), byte(token), identifier)
	return buf
}

// encodePushData 构建 PUSH_DATA: header | gateway EUI | {"rxpk":[...]}
func encodePushData(token uint16, gatewayEUI [8]byte, pk RXPK) ([]byte, error) {
	body, err := json.Marshal(struct {
		RXPK []RXPK `json:"rxpk"`
	}{RXPK: []RXPK{pk}})
	if err != nil {
		return nil, err
	}
	buf := appendHeader(make([]byte, 0, 12+len(body)), token, PushData)
	buf = append(buf, gatewayEUI[:]...)
	return append(buf, body...), nil
}

// encodePullData 构建 PULL_DATA 心跳
func encodePullData(token uint16, gatewayEUI [8]byte) []byte {
	buf := appendHeader(make([]byte, 0, 12), token, PullData)
	return append(buf, gatewayEUI[:]...)
}

// encodeTxAck 构建 TX_ACK，errCode 为空表示发送成功
func encodeTxAck(token uint16, gatewayEUI [8]byte, errCode string) []byte {
	if errCode == "" {
		errCode = "NONE"
	}
	body, _ := json.Marshal(map[string]interface{}{
		"txpk_ack": map[string]string{"error": errCode},
	})
	buf := appendHeader(make([]byte, 0, 12+len(body)), token, TxAck)
	buf = append(buf, gatewayEUI[:]...)
	return append(buf, body...)
}

// decodePullResp 解析 PULL_RESP 中的 txpk
func decodePullResp(data []byte) (TXPK, error) {
	var msg struct {
		TXPK TXPK `json:"txpk"`
	}
	if len(data) < 4 {
		return msg.TXPK, errShortPacket
	}
	if err := json.Unmarshal(data[4:], &msg); err != nil {
		return msg.TXPK, fmt.Errorf("parse PULL_RESP json: %w", err)
	}
	return msg.TXPK, nil
}
