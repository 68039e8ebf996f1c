// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package device

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// CharDev is a radio character device opened with O_NONBLOCK.
type CharDev struct {
	fd     int
	path   string
	ioctls Ioctls
	buf    []byte
}

func openCharDev(path string, ioctls Ioctls) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &CharDev{
		fd:     fd,
		path:   path,
		ioctls: ioctls,
		buf:    make([]byte, RecordSize),
	}, nil
}

func (d *CharDev) Fd() int { return d.fd }

// Path returns the device node path.
func (d *CharDev) Path() string { return d.path }

func (d *CharDev) SetChannel(channel uint8) error {
	return d.set("channel", d.ioctls.SetChannel, int(channel))
}

func (d *CharDev) SetPromiscuous(on bool) error {
	return d.set("promiscuous", d.ioctls.SetPromiscuous, boolToInt(on))
}

func (d *CharDev) SetRxOnIdle(on bool) error {
	return d.set("rx-on-idle", d.ioctls.SetRxOnIdle, boolToInt(on))
}

func (d *CharDev) set(attr string, req uint, value int) error {
	if err := unix.IoctlSetPointerInt(d.fd, req, value); err != nil {
		return fmt.Errorf("%s: set %s: %w", d.path, attr, err)
	}
	return nil
}

// ReadFrame reads one receive record.
func (d *CharDev) ReadFrame() (Frame, error) {
	n, err := unix.Read(d.fd, d.buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return Frame{}, ErrWouldBlock
		}
		return Frame{}, fmt.Errorf("%s: read: %w", d.path, err)
	}
	if n == 0 {
		return Frame{}, io.EOF
	}
	return DecodeRecord(d.buf[:n])
}

func (d *CharDev) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
