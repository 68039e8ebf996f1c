// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package zep encapsulates 802.15.4 frames in ZigBee Encapsulation Protocol
// version 2 datagrams, the format Wireshark decodes on UDP port 17754.
package zep

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/mbeema/zigsniff/pkg/device"
)

const (
	// Port is the UDP port Wireshark associates with ZEP.
	Port = 17754

	Version  = 2
	TypeData = 1
	TypeAck  = 2

	HeaderLenData = 32
	HeaderLenAck  = 8

	// MaxPayloadLen is the most the one-byte length field can describe.
	MaxPayloadLen = 255

	// DeviceID is the synthetic device identifier put in data headers.
	DeviceID uint16 = 0xFADE

	// LQIModeCRC marks the trailing frame bytes as FCS rather than LQI.
	LQIModeCRC = 1

	DefaultFCSLength = 2

	reservedLen = 10

	// seconds between the NTP epoch (1900) and the Unix epoch
	ntpEpochOffset = 2208988800
)

var preamble = [2]byte{'E', 'X'}

var ErrShortDatagram = errors.New("zep: short datagram")

// EncodeOptions controls payload trimming.
type EncodeOptions struct {
	// SuppressFCS drops FCSLength trailing bytes from the payload.
	SuppressFCS bool
	FCSLength   int
}

func putUint16(b []byte, off int, v uint16) int {
	binary.BigEndian.PutUint16(b[off:off+2], v)
	return off + 2
}

func putUint64(b []byte, off int, v uint64) int {
	binary.BigEndian.PutUint64(b[off:off+8], v)
	return off + 8
}

// putSeq writes the 1-byte sequence number into a 4-byte field, byte 0
// first, the rest zero.
func putSeq(b []byte, off int, dsn uint8) int {
	b[off] = dsn
	b[off+1], b[off+2], b[off+3] = 0, 0, 0
	return off + 4
}

// NTPTimestamp converts t to the 64-bit NTP format: seconds since 1900 in
// the high word and the binary fraction in the low word.
func NTPTimestamp(t time.Time) uint64 {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs<<32 | frac
}

func fromNTP(v uint64) time.Time {
	secs := int64(v>>32) - ntpEpochOffset
	nsec := int64(((v & 0xFFFFFFFF) * uint64(time.Second)) >> 32)
	return time.Unix(secs, nsec)
}

// AppendDatagram appends the ZEP encapsulation of f to dst. Ack frames
// produce the 8-byte ack header and nothing else. Every other frame
// produces the 32-byte data header followed by the payload.
func AppendDatagram(dst []byte, f device.Frame, channel uint8, ts time.Time, opts EncodeOptions) []byte {
	if f.Type() == device.FrameAck {
		start := len(dst)
		dst = append(dst, make([]byte, HeaderLenAck)...)
		b := dst[start:]
		b[0], b[1] = preamble[0], preamble[1]
		b[2] = Version
		b[3] = TypeAck
		putSeq(b, 4, f.Meta.DSN)
		return dst
	}

	payload := f.Payload
	if opts.SuppressFCS {
		n := opts.FCSLength
		if n <= 0 {
			n = DefaultFCSLength
		}
		if len(payload) >= n {
			payload = payload[:len(payload)-n]
		}
	}
	if len(payload) > MaxPayloadLen {
		payload = payload[:MaxPayloadLen]
	}

	start := len(dst)
	dst = append(dst, make([]byte, HeaderLenData)...)
	b := dst[start:]
	b[0], b[1] = preamble[0], preamble[1]
	b[2] = Version
	b[3] = TypeData
	b[4] = channel
	off := putUint16(b, 5, DeviceID)
	b[off] = LQIModeCRC
	b[off+1] = f.Meta.LQI
	off = putUint64(b, off+2, NTPTimestamp(ts))
	off = putSeq(b, off, f.Meta.DSN)
	off += reservedLen // already zero
	b[off] = uint8(len(payload))
	return append(dst, payload...)
}

// Datagram is a decoded ZEP v2 datagram.
type Datagram struct {
	Version   uint8
	Type      uint8
	Channel   uint8
	DeviceID  uint16
	LQIMode   uint8
	LQI       uint8
	Timestamp time.Time
	Seq       uint32
	Payload   []byte
}

// Decode parses a datagram built by AppendDatagram.
func Decode(b []byte) (Datagram, error) {
	if len(b) < HeaderLenAck {
		return Datagram{}, fmt.Errorf("%w: %d bytes", ErrShortDatagram, len(b))
	}
	if b[0] != preamble[0] || b[1] != preamble[1] {
		return Datagram{}, fmt.Errorf("zep: bad preamble %q", b[0:2])
	}
	d := Datagram{Version: b[2], Type: b[3]}
	switch d.Type {
	case TypeAck:
		d.Seq = binary.LittleEndian.Uint32(b[4:8])
		return d, nil
	case TypeData:
	default:
		return d, fmt.Errorf("zep: unknown type %d", d.Type)
	}

	if len(b) < HeaderLenData {
		return d, fmt.Errorf("%w: data header needs %d bytes, have %d", ErrShortDatagram, HeaderLenData, len(b))
	}
	d.Channel = b[4]
	d.DeviceID = binary.BigEndian.Uint16(b[5:7])
	d.LQIMode = b[7]
	d.LQI = b[8]
	d.Timestamp = fromNTP(binary.BigEndian.Uint64(b[9:17]))
	d.Seq = binary.LittleEndian.Uint32(b[17:21])
	n := int(b[31])
	if HeaderLenData+n > len(b) {
		return d, fmt.Errorf("%w: length byte %d, payload %d", ErrShortDatagram, n, len(b)-HeaderLenData)
	}
	d.Payload = b[HeaderLenData : HeaderLenData+n]
	return d, nil
}
