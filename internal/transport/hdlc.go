package transport

// HDLC-like byte stuffing used by the dongle firmware on the serial line.
// Frame: 0x7E | escaped(data | fcs_lo | fcs_hi) | 0x7E

import (
	"bufio"
	"encoding/binary"
	"fmt"
)

const (
	hdlcFlag   = 0x7E
	hdlcEscape = 0x7D
	hdlcXor    = 0x20

	hdlcMaxFrame = 1024
)

// --- CRC-16/X.25 (reflected poly=0x8408, init=0xFFFF, xorout=0xFFFF) ---

var fcsTable [256]uint16

func init() {
	const poly = 0x8408
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		fcsTable[i] = crc
	}
}

func hdlcFCS(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ fcsTable[(crc^uint16(b))&0xFF]
	}
	return crc ^ 0xFFFF
}

// hdlcEncode appends the FCS, escapes, and wraps data in flag bytes.
func hdlcEncode(data []byte) []byte {
	raw := make([]byte, len(data), len(data)+2)
	copy(raw, data)
	raw = binary.LittleEndian.AppendUint16(raw, hdlcFCS(data))

	out := make([]byte, 0, len(raw)*2+2)
	out = append(out, hdlcFlag)
	for _, b := range raw {
		if b == hdlcFlag || b == hdlcEscape {
			out = append(out, hdlcEscape, b^hdlcXor)
			continue
		}
		out = append(out, b)
	}
	return append(out, hdlcFlag)
}

// hdlcDecode unescapes the bytes between two flags and verifies the FCS.
func hdlcDecode(inner []byte) ([]byte, error) {
	raw := make([]byte, 0, len(inner))
	for i := 0; i < len(inner); i++ {
		b := inner[i]
		if b == hdlcEscape {
			i++
			if i >= len(inner) {
				return nil, fmt.Errorf("hdlc: dangling escape")
			}
			b = inner[i] ^ hdlcXor
		}
		raw = append(raw, b)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("hdlc: frame too short (%d bytes)", len(raw))
	}
	data := raw[:len(raw)-2]
	want := binary.LittleEndian.Uint16(raw[len(raw)-2:])
	if got := hdlcFCS(data); got != want {
		return nil, fmt.Errorf("hdlc: bad fcs 0x%04X, want 0x%04X", got, want)
	}
	return data, nil
}

// readHDLCFrame reads bytes up to the next closing flag and returns the
// escaped content between the flags. Empty frames (back-to-back flags) are skipped.
func readHDLCFrame(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != hdlcFlag {
			if len(buf) >= hdlcMaxFrame {
				buf = buf[:0] // garbage on the line; resync on next flag
				continue
			}
			buf = append(buf, b)
			continue
		}
		if len(buf) == 0 {
			continue
		}
		return buf, nil
	}
}
