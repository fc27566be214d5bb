package transport

import (
	"encoding/binary"
	"testing"
)

func TestDongleFrameRoundTrip(t *testing.T) {
	f := &dongleFrame{Type: dongleRequest, TSN: 0x7E, Cmd: dongleCmdOpenLock, Payload: []byte{0x7D, 0x01}}
	encoded := f.encode()
	data, err := hdlcDecode(encoded[1 : len(encoded)-1])
	if err != nil {
		t.Fatalf("hdlc decode: %v", err)
	}
	got, err := decodeDongleFrame(data)
	if err != nil {
		t.Fatalf("frame decode: %v", err)
	}
	if got.Type != f.Type || got.TSN != f.TSN || got.Cmd != f.Cmd {
		t.Errorf("header: got %+v, want %+v", got, f)
	}
	if string(got.Payload) != string(f.Payload) {
		t.Errorf("payload: got %X, want %X", got.Payload, f.Payload)
	}
}

func TestDecodeDongleFrameTooShort(t *testing.T) {
	if _, err := decodeDongleFrame([]byte{0x01, 0x02}); err == nil {
		t.Error("expected error for 2-byte frame")
	}
}

func TestBuildLockPayload(t *testing.T) {
	a := LockAction{
		Device:          DiscoveredDevice{MAC: "AA:BB:CC:DD:EE:FF"},
		AESKey:          "k3y",
		AuthCode:        "1234",
		KeyGroupID:      0x01020304,
		ProtocolVersion: 2,
	}
	p, err := buildLockPayload(a)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p[0] != 0xAA || p[5] != 0xFF {
		t.Errorf("mac bytes: %X", p[0:6])
	}
	if binary.LittleEndian.Uint32(p[6:10]) != 0x01020304 {
		t.Errorf("key group: %X", p[6:10])
	}
	if p[10] != 2 {
		t.Errorf("protocol version: got %d, want 2", p[10])
	}

	back, err := parseLockPayload(p)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back.Device.MAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("mac: got %q", back.Device.MAC)
	}
	if back.AESKey != "k3y" || back.AuthCode != "1234" {
		t.Errorf("secrets: key=%q code=%q", back.AESKey, back.AuthCode)
	}
	if back.KeyGroupID != a.KeyGroupID || back.ProtocolVersion != a.ProtocolVersion {
		t.Errorf("ids: %+v", back)
	}
}

func TestBuildLockPayloadBadMAC(t *testing.T) {
	_, err := buildLockPayload(LockAction{Device: DiscoveredDevice{MAC: "not-a-mac"}})
	if err == nil {
		t.Error("expected error for bad mac")
	}
}

func TestParseResponse(t *testing.T) {
	resp, err := parseResponse([]byte{dongleStatusRejected, 'n', 'o'})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Successful {
		t.Error("rejected response reported as successful")
	}
	if resp.Message != "no" {
		t.Errorf("message: got %q", resp.Message)
	}
	if _, err := parseResponse(nil); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestScanResultsRoundTrip(t *testing.T) {
	devs := []DiscoveredDevice{
		{MAC: "aa:bb:cc:dd:ee:01", Name: "Front door", RSSI: -60},
		{MAC: "aa:bb:cc:dd:ee:02", RSSI: -91},
	}
	p, err := buildScanResults(devs)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got, err := parseScanResults(p)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(got))
	}
	for i := range devs {
		if got[i] != devs[i] {
			t.Errorf("device %d: got %+v, want %+v", i, got[i], devs[i])
		}
	}
}

func TestParseScanResultsTruncated(t *testing.T) {
	p, _ := buildScanResults([]DiscoveredDevice{
		{MAC: "aa:bb:cc:dd:ee:01", Name: "A"},
		{MAC: "aa:bb:cc:dd:ee:02", Name: "B"},
	})
	got, err := parseScanResults(p[:len(p)-3])
	if err == nil {
		t.Fatal("expected truncation error")
	}
	if len(got) != 1 {
		t.Errorf("expected the complete first record, got %d", len(got))
	}
}
