// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package capture owns the pcapng archive written by the sniffer.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mbeema/zigsniff/pkg/pcapng"
	"go.uber.org/zap"
)

// DefaultPath is where the daemon archives frames when no path is given.
const DefaultPath = "/mnt/data.pcapng"

var (
	ErrClosed = errors.New("capture: writer closed")

	// ErrFailed is returned once a partial block could not be rolled back;
	// appending after it would bury the partial block mid-file.
	ErrFailed = errors.New("capture: writer failed")
)

// file is the subset of *os.File the writer needs.
type file interface {
	io.Writer
	io.Seeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Stats counts what has been committed to the file.
type Stats struct {
	Packets uint64
	Bytes   uint64
}

// Writer sequences the section header, one interface description per
// monitored node and then one enhanced packet per frame. Each frame is
// synced to stable storage before AppendFrame returns, so a crash loses
// at most the record being written. A failed append is cut back off the
// file, so only a crash can leave a partial block, and only at the end.
// A Writer has a single owner.
type Writer struct {
	path   string
	file   file
	size   int64 // end of the last complete block
	failed error
	ifaces int
	buf    []byte
	stats  Stats
	logger *zap.Logger
}

// Open creates or truncates path and writes the header blocks for ifaces
// interfaces.
func Open(path string, ifaces int, logger *zap.Logger) (*Writer, error) {
	if ifaces < 1 {
		return nil, fmt.Errorf("capture %s: need at least one interface, got %d", path, ifaces)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}

	hdr := pcapng.AppendSectionHeader(nil)
	for i := 0; i < ifaces; i++ {
		hdr = pcapng.AppendInterfaceDescription(hdr, pcapng.LinkTypeIEEE802154TAP, pcapng.DefaultSnapLen)
	}
	if _, err := pcapng.WriteBlock(f, hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("write capture header %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync capture header %s: %w", path, err)
	}

	logger.Info("capture file opened",
		zap.String("path", path),
		zap.Int("interfaces", ifaces),
	)
	return &Writer{
		path:   path,
		file:   f,
		size:   int64(len(hdr)),
		ifaces: ifaces,
		buf:    make([]byte, 0, pcapng.EnhancedPacketLen(int(pcapng.DefaultSnapLen))),
		logger: logger,
	}, nil
}

// AppendFrame writes body as one enhanced packet block for interface
// ifIndex and syncs the file. A short or failed write is reported, not
// retried, and the partial block is truncated away so the next append
// starts on a block boundary.
func (w *Writer) AppendFrame(ifIndex uint32, ts uint64, body []byte) error {
	if w.file == nil {
		return ErrClosed
	}
	if w.failed != nil {
		return fmt.Errorf("%w: %v", ErrFailed, w.failed)
	}
	if int(ifIndex) >= w.ifaces {
		return fmt.Errorf("capture %s: interface %d not described (have %d)", w.path, ifIndex, w.ifaces)
	}

	w.buf = pcapng.AppendEnhancedPacket(w.buf[:0], ifIndex, ts, body)
	n, err := pcapng.WriteBlock(w.file, w.buf)
	if err != nil {
		err = fmt.Errorf("write packet to %s (%d of %d bytes): %w", w.path, n, len(w.buf), err)
		if n > 0 {
			w.rollback()
		}
		return err
	}
	w.size += int64(n)
	w.stats.Bytes += uint64(n)
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", w.path, err)
	}
	w.stats.Packets++
	return nil
}

// rollback cuts the file back to the last complete block. If that fails
// the writer refuses further appends.
func (w *Writer) rollback() {
	err := w.file.Truncate(w.size)
	if err == nil {
		_, err = w.file.Seek(w.size, io.SeekStart)
	}
	if err != nil {
		w.failed = err
		w.logger.Error("cannot remove partial packet, capture stopped",
			zap.String("path", w.path),
			zap.Int64("offset", w.size),
			zap.Error(err),
		)
		return
	}
	w.logger.Warn("partial packet removed", zap.String("path", w.path), zap.Int64("offset", w.size))
}

// Stats returns the counters.
func (w *Writer) Stats() Stats {
	return w.stats
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// Close releases the file. It is safe to call more than once.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.logger.Info("capture file closed",
		zap.String("path", w.path),
		zap.Uint64("packets", w.stats.Packets),
		zap.Uint64("bytes", w.stats.Bytes),
	)
	return err
}
