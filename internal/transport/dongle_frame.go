package transport

// Dongle serial protocol: frame codec, command IDs, payload builders.
// Inner frame (inside HDLC): type(1) + tsn(1) + cmd(1) + payload.

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	dongleRequest    uint8 = 0x00
	dongleResponse   uint8 = 0x01
	dongleIndication uint8 = 0x02
)

const (
	dongleCmdGetVersion uint8 = 0x01
	dongleCmdScanStart  uint8 = 0x10
	dongleCmdScanStop   uint8 = 0x11
	dongleCmdOpenLock   uint8 = 0x20
	dongleCmdCloseLock  uint8 = 0x21

	dongleIndScanResult uint8 = 0x80
	dongleIndScanDone   uint8 = 0x81
)

// Response status codes.
const (
	dongleStatusOK         uint8 = 0x00
	dongleStatusRejected   uint8 = 0x01 // lock answered, command refused
	dongleStatusAuthFailed uint8 = 0x02 // lock answered, credentials refused
	dongleStatusBusy       uint8 = 0x10
	dongleStatusNoLink     uint8 = 0x11 // could not connect to the lock
	dongleStatusError      uint8 = 0xFF
)

func dongleCmdName(cmd uint8) string {
	switch cmd {
	case dongleCmdGetVersion:
		return "GetVersion"
	case dongleCmdScanStart:
		return "ScanStart"
	case dongleCmdScanStop:
		return "ScanStop"
	case dongleCmdOpenLock:
		return "OpenLock"
	case dongleCmdCloseLock:
		return "CloseLock"
	case dongleIndScanResult:
		return "ScanResult"
	case dongleIndScanDone:
		return "ScanDone"
	default:
		return fmt.Sprintf("0x%02X", cmd)
	}
}

func dongleStatusName(status uint8) string {
	switch status {
	case dongleStatusOK:
		return "ok"
	case dongleStatusRejected:
		return "rejected"
	case dongleStatusAuthFailed:
		return "auth_failed"
	case dongleStatusBusy:
		return "busy"
	case dongleStatusNoLink:
		return "no_link"
	case dongleStatusError:
		return "error"
	default:
		return fmt.Sprintf("0x%02X", status)
	}
}

// isLockAnswer reports whether a status came from the lock itself (as opposed
// to the dongle failing to deliver the command).
func isLockAnswer(status uint8) bool {
	return status == dongleStatusOK || status == dongleStatusRejected || status == dongleStatusAuthFailed
}

type dongleFrame struct {
	Type    uint8
	TSN     uint8
	Cmd     uint8
	Payload []byte
}

func (f *dongleFrame) encode() []byte {
	data := make([]byte, 0, 3+len(f.Payload))
	data = append(data, f.Type, f.TSN, f.Cmd)
	data = append(data, f.Payload...)
	return hdlcEncode(data)
}

func decodeDongleFrame(data []byte) (*dongleFrame, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("dongle frame too short: %d bytes", len(data))
	}
	f := &dongleFrame{Type: data[0], TSN: data[1], Cmd: data[2]}
	if len(data) > 3 {
		f.Payload = append([]byte(nil), data[3:]...)
	}
	return f, nil
}

// --- Payload builders ---

func encodeMAC(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("parse mac %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("mac %q: want 6 bytes, got %d", mac, len(hw))
	}
	return hw, nil
}

func decodeMAC(b []byte) string {
	return net.HardwareAddr(b).String()
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > 255 {
		return nil, fmt.Errorf("field too long: %d bytes", len(s))
	}
	buf = append(buf, uint8(len(s)))
	return append(buf, s...), nil
}

// buildLockPayload: mac(6) + key_group_id(4 LE) + protocol_ver(1) +
// aes_key(len-prefixed) + auth_code(len-prefixed).
func buildLockPayload(a LockAction) ([]byte, error) {
	mac, err := encodeMAC(a.Device.MAC)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 6+4+1+2+len(a.AESKey)+len(a.AuthCode))
	buf = append(buf, mac...)
	buf = binary.LittleEndian.AppendUint32(buf, a.KeyGroupID)
	buf = append(buf, a.ProtocolVersion)
	if buf, err = appendString(buf, a.AESKey); err != nil {
		return nil, fmt.Errorf("aes key: %w", err)
	}
	if buf, err = appendString(buf, a.AuthCode); err != nil {
		return nil, fmt.Errorf("auth code: %w", err)
	}
	return buf, nil
}

// parseLockPayload is the inverse of buildLockPayload.
func parseLockPayload(p []byte) (LockAction, error) {
	var a LockAction
	if len(p) < 12 {
		return a, fmt.Errorf("lock payload too short: %d bytes", len(p))
	}
	a.Device.MAC = decodeMAC(p[0:6])
	a.KeyGroupID = binary.LittleEndian.Uint32(p[6:10])
	a.ProtocolVersion = p[10]
	rest := p[11:]
	key, rest, err := readString(rest)
	if err != nil {
		return a, fmt.Errorf("aes key: %w", err)
	}
	code, _, err := readString(rest)
	if err != nil {
		return a, fmt.Errorf("auth code: %w", err)
	}
	a.AESKey, a.AuthCode = key, code
	return a, nil
}

func readString(p []byte) (string, []byte, error) {
	if len(p) < 1 {
		return "", nil, fmt.Errorf("missing length")
	}
	n := int(p[0])
	if len(p) < 1+n {
		return "", nil, fmt.Errorf("truncated: want %d bytes, have %d", n, len(p)-1)
	}
	return string(p[1 : 1+n]), p[1+n:], nil
}

// parseResponse: status(1) + message(rest).
func parseResponse(p []byte) (*Response, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("empty response payload")
	}
	return &Response{
		Successful: p[0] == dongleStatusOK,
		Status:     p[0],
		Message:    string(p[1:]),
	}, nil
}

// parseScanResults: count(1) + count * (mac(6) + rssi(1) + name_len(1) + name).
func parseScanResults(p []byte) ([]DiscoveredDevice, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("empty scan result")
	}
	count := int(p[0])
	p = p[1:]
	devices := make([]DiscoveredDevice, 0, count)
	for i := 0; i < count; i++ {
		if len(p) < 8 {
			return devices, fmt.Errorf("scan record %d truncated", i)
		}
		dev := DiscoveredDevice{
			MAC:  decodeMAC(p[0:6]),
			RSSI: int8(p[6]),
		}
		name, rest, err := readString(p[7:])
		if err != nil {
			return devices, fmt.Errorf("scan record %d name: %w", i, err)
		}
		dev.Name = name
		p = rest
		devices = append(devices, dev)
	}
	return devices, nil
}

// buildScanResults is the inverse of parseScanResults.
func buildScanResults(devs []DiscoveredDevice) ([]byte, error) {
	if len(devs) > 255 {
		return nil, fmt.Errorf("too many scan records: %d", len(devs))
	}
	buf := []byte{uint8(len(devs))}
	for _, d := range devs {
		mac, err := encodeMAC(d.MAC)
		if err != nil {
			return nil, err
		}
		buf = append(buf, mac...)
		buf = append(buf, uint8(d.RSSI))
		if buf, err = appendString(buf, d.Name); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
