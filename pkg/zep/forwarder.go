// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zep

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mbeema/zigsniff/pkg/device"
	"go.uber.org/zap"
)

// ErrShortSend reports a datagram the socket accepted only partially.
var ErrShortSend = errors.New("zep: short send")

// Config configures the forwarding socket.
type Config struct {
	Address     string
	Port        int
	Interface   string // bind to this interface's IPv4 address when set
	SuppressFCS bool
	FCSLength   int
}

// Conn is the subset of *net.UDPConn the forwarder uses.
type Conn interface {
	Write(b []byte) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// Forwarder sends one ZEP datagram per frame, best effort. It is owned by a
// single goroutine and is not safe for concurrent use.
type Forwarder struct {
	conn   Conn
	remote string
	opts   EncodeOptions
	now    func() time.Time
	buf    []byte
	logger *zap.Logger
}

// New dials a connectionless UDP socket towards cfg.Address:cfg.Port.
func New(cfg Config, logger *zap.Logger) (*Forwarder, error) {
	port := cfg.Port
	if port == 0 {
		port = Port
	}
	remote := net.JoinHostPort(cfg.Address, strconv.Itoa(port))
	raddr, err := net.ResolveUDPAddr("udp4", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", remote, err)
	}

	var laddr *net.UDPAddr
	if cfg.Interface != "" {
		ip, err := ResolveInterfaceAddr(cfg.Interface)
		if err != nil {
			return nil, err
		}
		laddr = &net.UDPAddr{IP: ip}
	}

	conn, err := net.DialUDP("udp4", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", remote, err)
	}

	f := newForwarder(conn, remote, cfg, logger)
	logger.Info("forwarding frames",
		zap.String("remote", remote),
		zap.String("local", conn.LocalAddr().String()),
		zap.Bool("suppress_fcs", cfg.SuppressFCS),
	)
	return f, nil
}

func newForwarder(conn Conn, remote string, cfg Config, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		conn:   conn,
		remote: remote,
		opts:   EncodeOptions{SuppressFCS: cfg.SuppressFCS, FCSLength: cfg.FCSLength},
		now:    time.Now,
		buf:    make([]byte, 0, HeaderLenData+device.MaxPHYPacketSize),
		logger: logger,
	}
}

// Send encapsulates f and sends it in one datagram. Failures are logged and
// returned; the caller is expected to carry on.
func (f *Forwarder) Send(fr device.Frame, channel uint8) error {
	f.buf = AppendDatagram(f.buf[:0], fr, channel, f.now(), f.opts)

	n, err := f.conn.Write(f.buf)
	if err != nil {
		f.logger.Error("zep send failed",
			zap.String("remote", f.remote),
			zap.Uint8("channel", channel),
			zap.Error(err),
		)
		return fmt.Errorf("send to %s: %w", f.remote, err)
	}
	if n < len(f.buf) {
		f.logger.Error("zep send did not send all bytes",
			zap.String("remote", f.remote),
			zap.Uint8("channel", channel),
			zap.Int("sent", n),
			zap.Int("want", len(f.buf)),
		)
		return fmt.Errorf("%w: %d of %d bytes", ErrShortSend, n, len(f.buf))
	}
	return nil
}

// Remote returns the destination address.
func (f *Forwarder) Remote() string {
	return f.remote
}

// Close closes the socket.
func (f *Forwarder) Close() error {
	return f.conn.Close()
}

// ResolveInterfaceAddr returns the first IPv4 address of the named
// interface.
func ResolveInterfaceAddr(name string) (net.IP, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, fmt.Errorf("interface %s addresses: %w", name, err)
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if ip4 := ipn.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("interface %s has no IPv4 address", name)
}
