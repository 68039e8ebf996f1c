// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package pcapng serializes the three pcapng blocks a live capture needs
// (section header, interface description, enhanced packet) and walks
// existing files block by block using each block's own length prefix.
//
// All fields are little-endian, as announced by the byte-order magic in the
// section header. Every block is assembled in memory and handed to the
// underlying writer in a single Write call.
package pcapng

import (
	"encoding/binary"
	"errors"
	"io"
)

// Block type codes.
const (
	BlockTypeSHB uint32 = 0x0A0D0D0A
	BlockTypeIDB uint32 = 0x00000001
	BlockTypeEPB uint32 = 0x00000006
)

const (
	// ByteOrderMagic is written in the section header in the writer's byte order.
	ByteOrderMagic uint32 = 0x1A2B3C4D

	// LinkTypeIEEE802154TAP is LINKTYPE_IEEE802_15_4_TAP.
	LinkTypeIEEE802154TAP uint16 = 283

	// DefaultSnapLen covers the largest 802.15.4 PHY frame plus the TAP header.
	DefaultSnapLen uint32 = 256

	versionMajor uint16 = 1
	versionMinor uint16 = 0

	// unknownSectionLength tells readers to walk the section block by block.
	unknownSectionLength = ^uint64(0)
)

// Fixed block sizes in bytes.
const (
	SectionHeaderLen        = 28
	InterfaceDescriptionLen = 20
	EnhancedPacketHeaderLen = 28
	TrailerLen              = 4

	// minBlockLen is type + total length + trailer.
	minBlockLen = 12
)

var (
	// ErrTruncated reports a trailing block cut short, typically by a crash
	// in the middle of an append.
	ErrTruncated = errors.New("pcapng: truncated block")

	// ErrBadBlock reports a block whose length fields are inconsistent.
	ErrBadBlock = errors.New("pcapng: malformed block")
)

func putUint16(b []byte, off int, v uint16) int {
	binary.LittleEndian.PutUint16(b[off:off+2], v)
	return off + 2
}

func putUint32(b []byte, off int, v uint32) int {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
	return off + 4
}

func putUint64(b []byte, off int, v uint64) int {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
	return off + 8
}

// Pad4 returns the number of zero bytes needed to align n to 4.
func Pad4(n int) int {
	return (4 - n%4) % 4
}

// WriteBlock writes an assembled block. A write that accepts fewer bytes
// than the block holds is reported as io.ErrShortWrite together with the
// accepted count; it is never retried.
func WriteBlock(w io.Writer, block []byte) (int, error) {
	n, err := w.Write(block)
	if err == nil && n < len(block) {
		err = io.ErrShortWrite
	}
	return n, err
}

// AppendSectionHeader appends a section header block with an unknown
// section length.
func AppendSectionHeader(dst []byte) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, SectionHeaderLen)...)
	b := dst[start:]

	off := putUint32(b, 0, BlockTypeSHB)
	off = putUint32(b, off, SectionHeaderLen)
	off = putUint32(b, off, ByteOrderMagic)
	off = putUint16(b, off, versionMajor)
	off = putUint16(b, off, versionMinor)
	off = putUint64(b, off, unknownSectionLength)
	putUint32(b, off, SectionHeaderLen)
	return dst
}

// AppendInterfaceDescription appends an interface description block
// without options.
func AppendInterfaceDescription(dst []byte, linkType uint16, snapLen uint32) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, InterfaceDescriptionLen)...)
	b := dst[start:]

	off := putUint32(b, 0, BlockTypeIDB)
	off = putUint32(b, off, InterfaceDescriptionLen)
	off = putUint16(b, off, linkType)
	off = putUint16(b, off, 0) // reserved
	off = putUint32(b, off, snapLen)
	putUint32(b, off, InterfaceDescriptionLen)
	return dst
}

// EnhancedPacketLen returns the total length of an enhanced packet block
// carrying n body bytes.
func EnhancedPacketLen(n int) int {
	return EnhancedPacketHeaderLen + n + Pad4(n) + TrailerLen
}

// AppendEnhancedPacket appends an enhanced packet block. The captured and
// original lengths are both len(body); ts is split into its high and low
// 32-bit words.
func AppendEnhancedPacket(dst []byte, ifIndex uint32, ts uint64, body []byte) []byte {
	total := EnhancedPacketLen(len(body))
	start := len(dst)
	dst = append(dst, make([]byte, total)...)
	b := dst[start:]

	off := putUint32(b, 0, BlockTypeEPB)
	off = putUint32(b, off, uint32(total))
	off = putUint32(b, off, ifIndex)
	off = putUint32(b, off, uint32(ts>>32))
	off = putUint32(b, off, uint32(ts))
	off = putUint32(b, off, uint32(len(body)))
	off = putUint32(b, off, uint32(len(body)))
	off += copy(b[off:], body)
	off += Pad4(len(body)) // already zero
	putUint32(b, off, uint32(total))
	return dst
}

// WriteSectionHeader writes the section header block.
func WriteSectionHeader(w io.Writer) (int, error) {
	return WriteBlock(w, AppendSectionHeader(nil))
}

// WriteInterfaceDescription writes one interface description block.
func WriteInterfaceDescription(w io.Writer, linkType uint16, snapLen uint32) (int, error) {
	return WriteBlock(w, AppendInterfaceDescription(nil, linkType, snapLen))
}

// WriteEnhancedPacket writes one enhanced packet block.
func WriteEnhancedPacket(w io.Writer, ifIndex uint32, ts uint64, body []byte) (int, error) {
	return WriteBlock(w, AppendEnhancedPacket(nil, ifIndex, ts, body))
}
