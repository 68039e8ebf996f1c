// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package device

import (
	"encoding/binary"
	"fmt"
)

// Receive record layout produced by the MAC character driver, one record
// per read:
//
//	offset  size  field
//	0       2     payload length (LE)
//	2       1     data sequence number
//	3       1     link quality
//	4       8     timestamp (LE)
//	12      127   payload
const (
	MaxPHYPacketSize = 127

	recordHeaderLen = 12
	RecordSize      = recordHeaderLen + MaxPHYPacketSize
)

// EncodeRecord lays f out as a driver receive record.
func EncodeRecord(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPHYPacketSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(f.Payload), MaxPHYPacketSize)
	}
	rec := make([]byte, RecordSize)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(len(f.Payload)))
	rec[2] = f.Meta.DSN
	rec[3] = f.Meta.LQI
	binary.LittleEndian.PutUint64(rec[4:12], f.Meta.Timestamp)
	copy(rec[recordHeaderLen:], f.Payload)
	return rec, nil
}

// DecodeRecord parses a driver receive record. The payload is copied out
// so the read buffer can be reused.
func DecodeRecord(rec []byte) (Frame, error) {
	if len(rec) < recordHeaderLen {
		return Frame{}, fmt.Errorf("short record: %d bytes", len(rec))
	}
	n := int(binary.LittleEndian.Uint16(rec[0:2]))
	if n > MaxPHYPacketSize || recordHeaderLen+n > len(rec) {
		return Frame{}, fmt.Errorf("record payload length %d exceeds record of %d bytes", n, len(rec))
	}
	payload := make([]byte, n)
	copy(payload, rec[recordHeaderLen:recordHeaderLen+n])
	return Frame{
		Payload: payload,
		Meta: Meta{
			DSN:       rec[2],
			LQI:       rec[3],
			Timestamp: binary.LittleEndian.Uint64(rec[4:12]),
		},
	}, nil
}
