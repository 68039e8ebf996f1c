// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package device describes the radio capability the sniffer consumes: a
// pollable handle that can be tuned and read one frame at a time without
// blocking.
package device

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrWouldBlock is returned by ReadFrame when no frame is pending.
	ErrWouldBlock = errors.New("device: no frame available")

	// ErrUnsupported is returned by openers on platforms without the driver.
	ErrUnsupported = errors.New("device: not supported on this platform")
)

// FrameType is the coarse 802.15.4 frame class the forwarder cares about.
type FrameType uint8

const (
	FrameOther FrameType = iota
	FrameData
	FrameAck
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FrameAck:
		return "ack"
	default:
		return "other"
	}
}

// 802.15.4 frame control field.
const (
	frameCtrlTypeMask = 0x0007
	frameCtrlTypeData = 1
	frameCtrlTypeAck  = 2
)

// Meta is the per-frame metadata reported by the radio.
type Meta struct {
	DSN       uint8
	LQI       uint8
	Timestamp uint64
}

// Frame is one received MAC frame, FCS included.
type Frame struct {
	Payload []byte
	Meta    Meta
}

// Type classifies the frame from the low bits of its frame control field.
func (f Frame) Type() FrameType {
	if len(f.Payload) < 2 {
		return FrameOther
	}
	switch binary.LittleEndian.Uint16(f.Payload[0:2]) & frameCtrlTypeMask {
	case frameCtrlTypeData:
		return FrameData
	case frameCtrlTypeAck:
		return FrameAck
	default:
		return FrameOther
	}
}

// Device is an opened radio.
type Device interface {
	// Fd returns the descriptor registered with the readiness multiplexer.
	Fd() int
	SetChannel(channel uint8) error
	SetPromiscuous(on bool) error
	SetRxOnIdle(on bool) error
	// ReadFrame returns ErrWouldBlock when nothing is pending.
	ReadFrame() (Frame, error)
	Close() error
}

// Opener opens the radio for a node id.
type Opener interface {
	Open(id int) (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(id int) (Device, error)

func (f OpenerFunc) Open(id int) (Device, error) {
	return f(id)
}
