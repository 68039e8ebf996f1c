// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package tap builds IEEE 802.15.4 TAP records (LINKTYPE_IEEE802_15_4_TAP):
// a 4-byte header, a list of TLV options and the raw frame.
package tap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Option type codes from the IEEE 802.15.4 TAP definition.
const (
	OptFCSType           uint16 = 0
	OptRSS               uint16 = 1
	OptBitRate           uint16 = 2
	OptChannelAssignment uint16 = 3
	OptPHYEncoding       uint16 = 4
	OptSOFTimestamp      uint16 = 5
	OptEOFTimestamp      uint16 = 6
)

// FCS types.
const (
	FCSNone  uint8 = 0
	FCS16Bit uint8 = 1
	FCS32Bit uint8 = 2
)

const (
	// HeaderLen is version, padding and the length field.
	HeaderLen = 4

	optionHeaderLen = 4

	// EncodedHeaderLen is the header plus the four options Encode emits.
	EncodedHeaderLen = HeaderLen +
		optionHeaderLen + 4 + // FCS type, 1 byte padded
		optionHeaderLen + 4 + // RSS
		optionHeaderLen + 4 + // channel assignment, 3 bytes padded
		optionHeaderLen + 8 // EOF timestamp

	// ChannelPageOQPSK24 is the page tag used for channels 11..26.
	ChannelPageOQPSK24 uint16 = 2
)

var ErrMalformed = errors.New("tap: malformed record")

// Meta carries the per-frame values written as TAP options.
type Meta struct {
	FCSType        uint8
	SignalStrength uint32
	ChannelPage    uint16
	Channel        uint16
	EOFTimestamp   uint64
}

// Option is one decoded TLV. Value excludes alignment padding.
type Option struct {
	Type  uint16
	Value []byte
}

// Header is the fixed TAP header.
type Header struct {
	Version uint8
	Length  uint16
}

func pad4(n int) int {
	return (4 - n%4) % 4
}

// appendOption writes one TLV and zero-pads its value to 4 bytes. The
// returned slice grows by optionHeaderLen + len(value) + padding.
func appendOption(dst []byte, typ uint16, value []byte) []byte {
	var hdr [optionHeaderLen]byte
	binary.LittleEndian.PutUint16(hdr[0:2], typ)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(value)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, value...)
	return append(dst, make([]byte, pad4(len(value)))...)
}

// Append appends a TAP record for frame to dst: header, the FCS type, RSS,
// channel assignment and EOF timestamp options in that order, the frame,
// and zero padding so the record length is a multiple of 4.
//
// Readers locate options by their own length fields, so new options must be
// appended after the existing ones.
func Append(dst []byte, frame []byte, m Meta) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0) // version, padding, length

	var v [8]byte
	dst = appendOption(dst, OptFCSType, []byte{m.FCSType})

	binary.LittleEndian.PutUint32(v[:4], m.SignalStrength)
	dst = appendOption(dst, OptRSS, v[:4])

	binary.LittleEndian.PutUint16(v[0:2], m.Channel)
	binary.LittleEndian.PutUint16(v[2:4], m.ChannelPage)
	dst = appendOption(dst, OptChannelAssignment, v[:3])

	binary.LittleEndian.PutUint64(v[:8], m.EOFTimestamp)
	dst = appendOption(dst, OptEOFTimestamp, v[:8])

	binary.LittleEndian.PutUint16(dst[start+2:start+4], uint16(len(dst)-start))

	dst = append(dst, frame...)
	return append(dst, make([]byte, pad4(len(dst)-start))...)
}

// Encode returns a new TAP record for frame.
func Encode(frame []byte, m Meta) []byte {
	return Append(make([]byte, 0, EncodedHeaderLen+len(frame)+3), frame, m)
}

// Decode splits a TAP record into its header, options and the remaining
// bytes (frame plus alignment padding).
func Decode(rec []byte) (Header, []Option, []byte, error) {
	if len(rec) < HeaderLen {
		return Header{}, nil, nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(rec))
	}
	h := Header{
		Version: rec[0],
		Length:  binary.LittleEndian.Uint16(rec[2:4]),
	}
	if int(h.Length) < HeaderLen || int(h.Length) > len(rec) {
		return h, nil, nil, fmt.Errorf("%w: header length %d, record %d", ErrMalformed, h.Length, len(rec))
	}

	var opts []Option
	off := HeaderLen
	for off < int(h.Length) {
		if off+optionHeaderLen > int(h.Length) {
			return h, opts, nil, fmt.Errorf("%w: option header at %d", ErrMalformed, off)
		}
		typ := binary.LittleEndian.Uint16(rec[off : off+2])
		n := int(binary.LittleEndian.Uint16(rec[off+2 : off+4]))
		off += optionHeaderLen
		if off+n+pad4(n) > int(h.Length) {
			return h, opts, nil, fmt.Errorf("%w: option %d overruns header", ErrMalformed, typ)
		}
		opts = append(opts, Option{Type: typ, Value: rec[off : off+n]})
		off += n + pad4(n)
	}
	return h, opts, rec[h.Length:], nil
}

// Find returns the first option of the given type.
func Find(opts []Option, typ uint16) (Option, bool) {
	for _, o := range opts {
		if o.Type == typ {
			return o, true
		}
	}
	return Option{}, false
}

// ChannelOf decodes a channel assignment option into channel and page.
func ChannelOf(o Option) (channel uint16, page uint8, ok bool) {
	if o.Type != OptChannelAssignment || len(o.Value) < 3 {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint16(o.Value[0:2]), o.Value[2], true
}
