// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package pcapng

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxBlockLen bounds a single block so a corrupt length cannot force a
// huge allocation.
const maxBlockLen = 16 << 20

// Block is one raw block. Body holds the bytes between the 8-byte header
// and the trailing length.
type Block struct {
	Type        uint32
	TotalLength uint32
	Offset      int64
	Body        []byte
}

// Scanner walks a pcapng stream using only each block's length prefix.
type Scanner struct {
	r      *bufio.Reader
	block  Block
	offset int64
	err    error
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Next advances to the next block. It returns false at the end of the
// stream or on error; Err distinguishes the two.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}

	var hdr [8]byte
	n, err := io.ReadFull(s.r, hdr[:])
	switch {
	case err == io.EOF && n == 0:
		return false
	case err == io.ErrUnexpectedEOF:
		s.err = fmt.Errorf("%w at offset %d", ErrTruncated, s.offset)
		return false
	case err != nil:
		s.err = err
		return false
	}

	typ := binary.LittleEndian.Uint32(hdr[0:4])
	total := binary.LittleEndian.Uint32(hdr[4:8])
	if total < minBlockLen || total%4 != 0 || total > maxBlockLen {
		s.err = fmt.Errorf("%w: length %d at offset %d", ErrBadBlock, total, s.offset)
		return false
	}

	rest := make([]byte, total-8)
	if _, err := io.ReadFull(s.r, rest); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			s.err = fmt.Errorf("%w at offset %d", ErrTruncated, s.offset)
		} else {
			s.err = err
		}
		return false
	}

	trailer := binary.LittleEndian.Uint32(rest[len(rest)-TrailerLen:])
	if trailer != total {
		s.err = fmt.Errorf("%w: trailer %d != length %d at offset %d", ErrBadBlock, trailer, total, s.offset)
		return false
	}

	if typ == BlockTypeSHB {
		if len(rest) < 8 || binary.LittleEndian.Uint32(rest[0:4]) != ByteOrderMagic {
			s.err = fmt.Errorf("%w: unsupported byte order at offset %d", ErrBadBlock, s.offset)
			return false
		}
	}

	s.block = Block{
		Type:        typ,
		TotalLength: total,
		Offset:      s.offset,
		Body:        rest[:len(rest)-TrailerLen],
	}
	s.offset += int64(total)
	return true
}

// Block returns the block read by the last successful Next.
func (s *Scanner) Block() Block {
	return s.block
}

// Offset returns the number of bytes consumed by complete blocks.
func (s *Scanner) Offset() int64 {
	return s.offset
}

// Err returns the first error met by Next, or nil at a clean end of stream.
func (s *Scanner) Err() error {
	return s.err
}

// InterfaceDescription is the fixed part of an IDB.
type InterfaceDescription struct {
	LinkType uint16
	SnapLen  uint32
}

// ParseInterfaceDescription decodes an IDB.
func ParseInterfaceDescription(b Block) (InterfaceDescription, error) {
	if b.Type != BlockTypeIDB {
		return InterfaceDescription{}, fmt.Errorf("%w: block type %#x is not an IDB", ErrBadBlock, b.Type)
	}
	if len(b.Body) < 8 {
		return InterfaceDescription{}, fmt.Errorf("%w: IDB body of %d bytes", ErrBadBlock, len(b.Body))
	}
	return InterfaceDescription{
		LinkType: binary.LittleEndian.Uint16(b.Body[0:2]),
		SnapLen:  binary.LittleEndian.Uint32(b.Body[4:8]),
	}, nil
}

// EnhancedPacket is a decoded EPB.
type EnhancedPacket struct {
	InterfaceIndex uint32
	Timestamp      uint64
	OriginalLen    uint32
	Data           []byte
}

var errNotEPB = errors.New("not an enhanced packet block")

// ParseEnhancedPacket decodes an EPB. Data aliases the block body.
func ParseEnhancedPacket(b Block) (EnhancedPacket, error) {
	if b.Type != BlockTypeEPB {
		return EnhancedPacket{}, fmt.Errorf("%w: block type %#x", errNotEPB, b.Type)
	}
	const fixed = EnhancedPacketHeaderLen - 8
	if len(b.Body) < fixed {
		return EnhancedPacket{}, fmt.Errorf("%w: EPB body of %d bytes", ErrBadBlock, len(b.Body))
	}
	capLen := binary.LittleEndian.Uint32(b.Body[12:16])
	if int(capLen) > len(b.Body)-fixed {
		return EnhancedPacket{}, fmt.Errorf("%w: captured length %d exceeds block", ErrBadBlock, capLen)
	}
	hi := binary.LittleEndian.Uint32(b.Body[4:8])
	lo := binary.LittleEndian.Uint32(b.Body[8:12])
	return EnhancedPacket{
		InterfaceIndex: binary.LittleEndian.Uint32(b.Body[0:4]),
		Timestamp:      uint64(hi)<<32 | uint64(lo),
		OriginalLen:    binary.LittleEndian.Uint32(b.Body[16:20]),
		Data:           b.Body[fixed : fixed+int(capLen)],
	}, nil
}
