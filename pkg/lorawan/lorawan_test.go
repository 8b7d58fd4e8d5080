package lorawan

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAESCMAC_RFC4493(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	msg := mustHex(t, "6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411")

	tests := []struct {
		n    int
		want string
	}{
		{0, "bb1d6929e95937287fa37d129b756746"},
		{16, "070a16b46b4d4144f79bdd9dd04a287c"},
		{40, "dfa66747de9ae63030ca32611497c827"},
	}
	for _, tt := range tests {
		got, err := aesCMAC(key, msg[:tt.n])
		if err != nil {
			t.Fatal(err)
		}
		if hex.EncodeToString(got) != tt.want {
			t.Errorf("CMAC(len %d) = %x, want %s", tt.n, got, tt.want)
		}
	}
}

func testKeys(t *testing.T) (EUI64, EUI64, AES128Key) {
	joinEUI, err := ParseEUI64("70B3D57ED0000001")
	if err != nil {
		t.Fatal(err)
	}
	devEUI, err := ParseEUI64("00-04-A3-0B-00-1A-2B-3C")
	if err != nil {
		t.Fatal(err)
	}
	appKey, err := ParseAES128Key("2B7E151628AED2A6ABF7158809CF4F3C")
	if err != nil {
		t.Fatal(err)
	}
	return joinEUI, devEUI, appKey
}

func join(t *testing.T) (*DeviceSession, *DeviceSession) {
	t.Helper()
	joinEUI, devEUI, appKey := testKeys(t)

	phy, err := NewJoinRequest(joinEUI, devEUI, 7, appKey)
	if err != nil {
		t.Fatal(err)
	}
	frame, _ := phy.MarshalBinary()
	if len(frame) != 23 {
		t.Fatalf("JoinRequest length = %d, want 23", len(frame))
	}

	jr, err := ParseJoinRequest(frame, appKey)
	if err != nil {
		t.Fatalf("ParseJoinRequest: %v", err)
	}
	if jr.DevEUI != devEUI || jr.JoinEUI != joinEUI || jr.DevNonceValue() != 7 {
		t.Fatalf("JoinRequest = %+v", jr)
	}

	ja := JoinAcceptPayload{
		JoinNonce: [3]byte{0x01, 0x02, 0x03},
		NetID:     [3]byte{0x01, 0xa6, 0xdb},
		DevAddr:   DevAddr{0x26, 0x01, 0x1b, 0xda},
		RxDelay:   1,
	}
	accept, err := EncodeJoinAccept(ja, appKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(accept) != 17 {
		t.Fatalf("JoinAccept length = %d, want 17", len(accept))
	}

	dev, err := AcceptJoin(accept, jr, appKey)
	if err != nil {
		t.Fatalf("AcceptJoin: %v", err)
	}

	nwk, app, err := DeriveSessionKeys10(appKey, ja.JoinNonce, ja.NetID, jr.DevNonce)
	if err != nil {
		t.Fatal(err)
	}
	srv := &DeviceSession{DevAddr: ja.DevAddr, NwkSKey: nwk, AppSKey: app}
	return dev, srv
}

func TestJoin_DeviceAndNetworkAgree(t *testing.T) {
	dev, srv := join(t)

	if dev.DevAddr != srv.DevAddr {
		t.Fatalf("DevAddr = %s, want %s", dev.DevAddr, srv.DevAddr)
	}
	if dev.NwkSKey != srv.NwkSKey || dev.AppSKey != srv.AppSKey {
		t.Fatal("session keys differ between device and network")
	}
	if dev.NwkSKey == dev.AppSKey {
		t.Fatal("NwkSKey equals AppSKey")
	}
}

func TestJoin_WrongKeyRejected(t *testing.T) {
	joinEUI, devEUI, appKey := testKeys(t)
	phy, _ := NewJoinRequest(joinEUI, devEUI, 1, appKey)
	frame, _ := phy.MarshalBinary()

	other := appKey
	other[0] ^= 0xff
	if _, err := ParseJoinRequest(frame, other); !errors.Is(err, ErrInvalidMIC) {
		t.Fatalf("err = %v, want ErrInvalidMIC", err)
	}

	jr, _ := ParseJoinRequest(frame, appKey)
	accept, _ := EncodeJoinAccept(JoinAcceptPayload{DevAddr: DevAddr{1, 2, 3, 4}}, other)
	if _, err := AcceptJoin(accept, jr, appKey); !errors.Is(err, ErrInvalidMIC) {
		t.Fatalf("err = %v, want ErrInvalidMIC", err)
	}
}

func TestUplinkRoundTrip(t *testing.T) {
	dev, srv := join(t)
	data := []byte{0x09, 0x29, 0x17, 0x84, 0x01, 0x83}

	for i := 0; i < 3; i++ {
		frame, err := dev.BuildUplink(1, data, false)
		if err != nil {
			t.Fatal(err)
		}
		up, err := srv.ParseUplink(frame)
		if err != nil {
			t.Fatalf("ParseUplink: %v", err)
		}
		if up.FCnt != uint32(i) || *up.FPort != 1 || !bytes.Equal(up.Payload, data) {
			t.Fatalf("uplink = %+v", up)
		}
	}

	frame, _ := dev.BuildUplink(1, data, false)
	frame[len(frame)-1] ^= 0x01
	if _, err := srv.ParseUplink(frame); !errors.Is(err, ErrInvalidMIC) {
		t.Fatalf("err = %v, want ErrInvalidMIC", err)
	}
}

func TestDownlinkRoundTrip(t *testing.T) {
	dev, srv := join(t)
	port := uint8(10)

	frame, err := srv.BuildDownlink(&port, []byte("cfg"), true, []byte{DevStatus})
	if err != nil {
		t.Fatal(err)
	}
	dl, ok, err := dev.ParseDownlink(frame)
	if err != nil || !ok {
		t.Fatalf("ParseDownlink = %v, %v", ok, err)
	}
	if string(dl.Payload) != "cfg" || !dl.ACK || *dl.FPort != 10 {
		t.Fatalf("downlink = %+v", dl)
	}
	if len(dl.Commands) != 1 || dl.Commands[0].CID != DevStatus {
		t.Fatalf("commands = %v", dl.Commands)
	}

	other := *dev
	other.DevAddr = DevAddr{9, 9, 9, 9}
	if _, ok, err := other.ParseDownlink(frame); ok || err != nil {
		t.Fatalf("foreign downlink accepted: %v %v", ok, err)
	}
}

func TestMACPayload_FOptsLength(t *testing.T) {
	m := MACPayload{FHDR: FHDR{FOpts: make([]byte, 16)}}
	if _, err := m.MarshalBinary(true); err == nil {
		t.Fatal("expected error for 16 bytes of FOpts")
	}
}

func TestParseMACCommands(t *testing.T) {
	cmds, err := ParseMACCommands(false, []byte{LinkCheck, 0x0a, 0x02, DevStatus})
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 2 || cmds[0].CID != LinkCheck || len(cmds[0].Payload) != 2 {
		t.Fatalf("commands = %v", cmds)
	}
	if _, err := ParseMACCommands(false, []byte{0x7f}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestRegion(t *testing.T) {
	r, err := GetRegionConfiguration("eu868")
	if err != nil {
		t.Fatal(err)
	}
	dr, err := r.DataRate(5)
	if err != nil || dr.String() != "SF7BW125" {
		t.Fatalf("DR5 = %v, %v", dr, err)
	}
	if _, err := GetRegionConfiguration("AS923"); err == nil {
		t.Fatal("expected error for unsupported region")
	}
	cn, _ := GetRegionConfiguration("CN470")
	if len(cn.DefaultChannels) != 8 || cn.DefaultChannels[7].Frequency != 471700000 {
		t.Fatalf("CN470 channels = %+v", cn.DefaultChannels)
	}
}
