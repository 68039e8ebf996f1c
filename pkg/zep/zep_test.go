// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package zep

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mbeema/zigsniff/pkg/device"
	"go.uber.org/zap"
)

func dataFrame(n int, dsn, lqi uint8) device.Frame {
	p := make([]byte, n)
	p[0], p[1] = 0x41, 0x88 // data frame, PAN id compression
	for i := 2; i < n; i++ {
		p[i] = byte(i)
	}
	return device.Frame{Payload: p, Meta: device.Meta{DSN: dsn, LQI: lqi}}
}

func TestDataDatagram(t *testing.T) {
	f := dataFrame(20, 7, 42)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 500_000_000, time.UTC)
	b := AppendDatagram(nil, f, 15, ts, EncodeOptions{})

	if len(b) != HeaderLenData+20 {
		t.Fatalf("len = %d, want %d", len(b), HeaderLenData+20)
	}
	if string(b[0:2]) != "EX" {
		t.Errorf("preamble = %q", b[0:2])
	}
	if b[2] != 2 || b[3] != 1 {
		t.Errorf("version/type = %d/%d, want 2/1", b[2], b[3])
	}
	if b[4] != 15 {
		t.Errorf("channel = %d, want 15", b[4])
	}
	if b[5] != 0xFA || b[6] != 0xDE {
		t.Errorf("device id = % x", b[5:7])
	}
	if b[7] != LQIModeCRC {
		t.Errorf("lqi mode = %d", b[7])
	}
	if b[8] != 42 {
		t.Errorf("lqi = %d, want 42", b[8])
	}
	if got := binary.BigEndian.Uint64(b[9:17]); got != NTPTimestamp(ts) {
		t.Errorf("timestamp = %#x", got)
	}
	if !bytes.Equal(b[17:21], []byte{7, 0, 0, 0}) {
		t.Errorf("seq = % x, want 07 00 00 00", b[17:21])
	}
	if !bytes.Equal(b[21:31], make([]byte, 10)) {
		t.Errorf("reserved = % x", b[21:31])
	}
	if b[31] != 20 {
		t.Errorf("length = %d, want 20", b[31])
	}
	if !bytes.Equal(b[32:], f.Payload) {
		t.Error("payload mismatch")
	}
}

func TestAckDatagram(t *testing.T) {
	f := device.Frame{Payload: []byte{0x02, 0x00, 200, 0x11, 0x22}, Meta: device.Meta{DSN: 200, LQI: 9}}
	b := AppendDatagram(nil, f, 20, time.Now(), EncodeOptions{})

	if len(b) != 8 {
		t.Fatalf("len = %d, want 8", len(b))
	}
	if string(b[0:2]) != "EX" || b[2] != 2 || b[3] != 2 {
		t.Errorf("header = % x", b[0:4])
	}
	if b[4] != 200 {
		t.Errorf("byte 4 = %d, want 200", b[4])
	}
	if b[5] != 0 || b[6] != 0 || b[7] != 0 {
		t.Errorf("bytes 5-7 = % x, want zero", b[5:8])
	}
}

func TestOtherFramesUseDataHeader(t *testing.T) {
	beacon := device.Frame{Payload: []byte{0x00, 0x80, 1, 2}}
	b := AppendDatagram(nil, beacon, 11, time.Now(), EncodeOptions{})
	if b[3] != TypeData || len(b) != HeaderLenData+4 {
		t.Errorf("type = %d len = %d", b[3], len(b))
	}
}

func TestSuppressFCS(t *testing.T) {
	f := dataFrame(10, 1, 1)
	b := AppendDatagram(nil, f, 11, time.Now(), EncodeOptions{SuppressFCS: true})
	if b[31] != 8 || len(b) != HeaderLenData+8 {
		t.Errorf("length byte = %d, datagram = %d", b[31], len(b))
	}
	if !bytes.Equal(b[32:], f.Payload[:8]) {
		t.Error("trimmed payload mismatch")
	}

	tiny := device.Frame{Payload: []byte{0x41}}
	b = AppendDatagram(nil, tiny, 11, time.Now(), EncodeOptions{SuppressFCS: true, FCSLength: 4})
	if b[31] != 1 {
		t.Errorf("frame shorter than FCS should be sent whole, length byte = %d", b[31])
	}
}

func TestOversizedPayloadIsCut(t *testing.T) {
	f := dataFrame(300, 3, 9)
	b := AppendDatagram(nil, f, 11, time.Now(), EncodeOptions{})
	if len(b) != HeaderLenData+MaxPayloadLen {
		t.Fatalf("datagram = %d bytes, want %d", len(b), HeaderLenData+MaxPayloadLen)
	}
	if b[31] != MaxPayloadLen {
		t.Errorf("length byte = %d, want %d", b[31], MaxPayloadLen)
	}
	d, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(d.Payload, f.Payload[:MaxPayloadLen]) {
		t.Error("payload is not the leading 255 bytes of the frame")
	}
}

func TestNTPRoundTrip(t *testing.T) {
	ts := time.Date(2030, 6, 1, 12, 0, 0, 250_000_000, time.UTC)
	got := fromNTP(NTPTimestamp(ts))
	if d := got.Sub(ts); d < -time.Microsecond || d > time.Microsecond {
		t.Errorf("round trip off by %v", d)
	}
	if hi := NTPTimestamp(time.Unix(0, 0)) >> 32; hi != ntpEpochOffset {
		t.Errorf("unix epoch seconds = %d", hi)
	}
}

func TestDecode(t *testing.T) {
	f := dataFrame(12, 99, 180)
	d, err := Decode(AppendDatagram(nil, f, 26, time.Now(), EncodeOptions{}))
	if err != nil {
		t.Fatal(err)
	}
	if d.Type != TypeData || d.Channel != 26 || d.LQI != 180 || d.Seq != 99 || d.DeviceID != DeviceID {
		t.Errorf("decoded %+v", d)
	}
	if !bytes.Equal(d.Payload, f.Payload) {
		t.Error("payload mismatch")
	}

	ack, err := Decode([]byte{'E', 'X', 2, 2, 5, 0, 0, 0})
	if err != nil || ack.Type != TypeAck || ack.Seq != 5 {
		t.Errorf("ack = %+v, %v", ack, err)
	}

	bad := map[string][]byte{
		"short":     {'E', 'X', 2},
		"preamble":  {'Z', 'X', 2, 2, 0, 0, 0, 0},
		"type":      {'E', 'X', 2, 9, 0, 0, 0, 0},
		"truncated": {'E', 'X', 2, 1, 0, 0, 0, 0, 0, 0},
	}
	for name, b := range bad {
		if _, err := Decode(b); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestForwarderSendsOverUDP(t *testing.T) {
	ln, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.LocalAddr().(*net.UDPAddr).Port

	fw, err := New(Config{Address: "127.0.0.1", Port: port}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Close()

	if err := fw.Send(dataFrame(20, 7, 42), 15); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 256)
	ln.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := ln.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	d, err := Decode(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if d.Channel != 15 || d.LQI != 42 || d.Seq != 7 || len(d.Payload) != 20 {
		t.Errorf("received %+v", d)
	}
}

func TestForwarderDefaultPort(t *testing.T) {
	fw, err := New(Config{Address: "127.0.0.1"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Close()
	if fw.Remote() != "127.0.0.1:17754" {
		t.Errorf("remote = %s", fw.Remote())
	}
}

type stubConn struct {
	accept int
	err    error
}

func (c *stubConn) Write(b []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.accept < len(b) {
		return c.accept, nil
	}
	return len(b), nil
}
func (c *stubConn) LocalAddr() net.Addr { return &net.UDPAddr{} }
func (c *stubConn) Close() error        { return nil }

func TestForwarderShortSend(t *testing.T) {
	fw := newForwarder(&stubConn{accept: 10}, "stub", Config{}, zap.NewNop())
	if err := fw.Send(dataFrame(20, 1, 1), 11); !errors.Is(err, ErrShortSend) {
		t.Errorf("err = %v, want ErrShortSend", err)
	}

	boom := errors.New("no route")
	fw = newForwarder(&stubConn{err: boom}, "stub", Config{}, zap.NewNop())
	if err := fw.Send(dataFrame(20, 1, 1), 11); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped socket error", err)
	}
}

func TestResolveInterfaceAddr(t *testing.T) {
	ifs, err := net.Interfaces()
	if err != nil {
		t.Skip(err)
	}
	for _, ifi := range ifs {
		if ifi.Flags&net.FlagLoopback == 0 {
			continue
		}
		ip, err := ResolveInterfaceAddr(ifi.Name)
		if err != nil {
			t.Skipf("loopback %s: %v", ifi.Name, err)
		}
		if !ip.IsLoopback() {
			t.Errorf("ip = %v, want loopback", ip)
		}
		return
	}
	t.Skip("no loopback interface")
}

func TestResolveInterfaceAddrMissing(t *testing.T) {
	if _, err := ResolveInterfaceAddr("does-not-exist0"); err == nil {
		t.Error("expected error")
	}
}
