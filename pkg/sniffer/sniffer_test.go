// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package sniffer

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mbeema/zigsniff/pkg/capture"
	"github.com/mbeema/zigsniff/pkg/device"
	"github.com/mbeema/zigsniff/pkg/node"
	"github.com/mbeema/zigsniff/pkg/pcapng"
	"github.com/mbeema/zigsniff/pkg/tap"
	"go.uber.org/zap"
)

// memDev replays queued frames, then returns err (ErrWouldBlock if nil).
type memDev struct {
	frames  []device.Frame
	err     error
	channel uint8
	closes  int
}

func (d *memDev) Fd() int                   { return -1 }
func (d *memDev) SetChannel(ch uint8) error { d.channel = ch; return nil }
func (d *memDev) SetPromiscuous(bool) error { return nil }
func (d *memDev) SetRxOnIdle(bool) error    { return nil }
func (d *memDev) Close() error              { d.closes++; return nil }
func (d *memDev) ReadFrame() (device.Frame, error) {
	if len(d.frames) == 0 {
		if d.err != nil {
			return device.Frame{}, d.err
		}
		return device.Frame{}, device.ErrWouldBlock
	}
	f := d.frames[0]
	d.frames = d.frames[1:]
	return f, nil
}

type nopPoller struct{ removed []int }

func (p *nopPoller) Add(int, int) error { return nil }
func (p *nopPoller) Remove(fd int) error {
	p.removed = append(p.removed, fd)
	return nil
}
func (p *nopPoller) Wait(_ time.Duration, dst []int) ([]int, error) { return dst, nil }
func (p *nopPoller) Close() error                                   { return nil }

type recordingForwarder struct {
	sent     []device.Frame
	channels []uint8
	err      error
}

func (f *recordingForwarder) Send(fr device.Frame, ch uint8) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, fr)
	f.channels = append(f.channels, ch)
	return nil
}

func (f *recordingForwarder) Close() error { return nil }

func dataFrame(n int, dsn, lqi uint8) device.Frame {
	p := make([]byte, n)
	p[0], p[1] = 0x41, 0x88
	for i := 2; i < n; i++ {
		p[i] = byte(i)
	}
	return device.Frame{Payload: p, Meta: device.Meta{DSN: dsn, LQI: lqi, Timestamp: 0xABCDEF}}
}

// newBareSniffer wires a Sniffer around an in-memory device on one node
// without starting the loop.
func newBareSniffer(t *testing.T, id, channel int, dev *memDev, maxDrain int) (*Sniffer, *node.Node, string) {
	t.Helper()
	reg, err := node.Build([]int{id}, []int{channel})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "out.pcapng")
	s := New(Config{Output: path, MaxDrain: maxDrain}, reg, nil, nil, zap.NewNop())
	s.poller = &nopPoller{}
	s.writer, err = capture.Open(path, 1, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.writer.Close() })

	n := reg.Slot(0)
	n.Dev = dev
	return s, n, path
}

func readPackets(t *testing.T, path string) []pcapng.EnhancedPacket {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var out []pcapng.EnhancedPacket
	sc := pcapng.NewScanner(f)
	for sc.Next() {
		b := sc.Block()
		if b.Type != pcapng.BlockTypeEPB {
			continue
		}
		epb, err := pcapng.ParseEnhancedPacket(b)
		if err != nil {
			t.Fatal(err)
		}
		epb.Data = append([]byte{}, epb.Data...)
		out = append(out, epb)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return out
}

func TestDrainIsBounded(t *testing.T) {
	dev := &memDev{frames: []device.Frame{dataFrame(5, 1, 1), dataFrame(5, 2, 1), dataFrame(5, 3, 1)}}
	s, n, path := newBareSniffer(t, 1, 11, dev, 2)

	s.service(n)
	if got := s.stats.FramesRead.Load(); got != 2 {
		t.Fatalf("frames read after first drain = %d, want 2", got)
	}
	if got := s.stats.DrainsTruncated.Load(); got != 1 {
		t.Errorf("truncated drains = %d, want 1", got)
	}

	s.service(n)
	if got := s.stats.FramesRead.Load(); got != 3 {
		t.Errorf("frames read after second drain = %d, want 3", got)
	}
	if got := len(readPackets(t, path)); got != 3 {
		t.Errorf("packets = %d, want 3", got)
	}
}

func TestDrainStopsOnReadError(t *testing.T) {
	dev := &memDev{frames: []device.Frame{dataFrame(4, 1, 1)}, err: errors.New("radio fault")}
	s, n, _ := newBareSniffer(t, 1, 11, dev, 64)

	s.service(n)
	if s.stats.FramesRead.Load() != 1 || s.stats.ReadErrors.Load() != 1 {
		t.Errorf("read=%d errors=%d, want 1/1", s.stats.FramesRead.Load(), s.stats.ReadErrors.Load())
	}
}

func TestDrainEOFDeregisters(t *testing.T) {
	dev := &memDev{err: io.EOF}
	s, n, _ := newBareSniffer(t, 1, 11, dev, 64)

	s.service(n)
	p := s.poller.(*nopPoller)
	if len(p.removed) != 1 {
		t.Errorf("removed = %v, want one deregistration", p.removed)
	}
	if s.stats.ReadErrors.Load() != 0 {
		t.Errorf("EOF counted as read error")
	}
}

func TestArchiveWritesTAPRecord(t *testing.T) {
	dev := &memDev{frames: []device.Frame{dataFrame(20, 7, 42)}}
	s, n, path := newBareSniffer(t, 3, 15, dev, 64)
	now := time.UnixMicro(1_700_000_000_123_456)
	s.now = func() time.Time { return now }

	s.service(n)

	pkts := readPackets(t, path)
	if len(pkts) != 1 {
		t.Fatalf("packets = %d, want 1", len(pkts))
	}
	p := pkts[0]
	if p.InterfaceIndex != 0 {
		t.Errorf("interface = %d, want 0", p.InterfaceIndex)
	}
	if p.Timestamp != uint64(now.UnixMicro()) {
		t.Errorf("timestamp = %d, want %d", p.Timestamp, now.UnixMicro())
	}
	if len(p.Data) != tap.EncodedHeaderLen+20 {
		t.Errorf("body = %d bytes, want %d", len(p.Data), tap.EncodedHeaderLen+20)
	}

	_, opts, rest, err := tap.Decode(p.Data)
	if err != nil {
		t.Fatal(err)
	}
	ch, _ := tap.Find(opts, tap.OptChannelAssignment)
	if c, page, _ := tap.ChannelOf(ch); c != 15 || page != 2 {
		t.Errorf("channel = %d page %d, want 15/2", c, page)
	}
	rss, _ := tap.Find(opts, tap.OptRSS)
	if got := binary.LittleEndian.Uint32(rss.Value); got != 42 {
		t.Errorf("rss = %d, want 42", got)
	}
	eof, _ := tap.Find(opts, tap.OptEOFTimestamp)
	if got := binary.LittleEndian.Uint64(eof.Value); got != 0xABCDEF {
		t.Errorf("eof timestamp = %#x", got)
	}
	if rest[0] != 0x41 || rest[1] != 0x88 {
		t.Errorf("frame = % x", rest[:2])
	}

	if s.stats.FramesWritten.Load() != 1 || s.stats.BytesWritten.Load() != int64(pcapng.EnhancedPacketLen(len(p.Data))) {
		t.Errorf("written=%d bytes=%d", s.stats.FramesWritten.Load(), s.stats.BytesWritten.Load())
	}
}

func TestSinksAreIndependent(t *testing.T) {
	t.Run("send failure still archives", func(t *testing.T) {
		dev := &memDev{frames: []device.Frame{dataFrame(8, 1, 1)}}
		s, n, path := newBareSniffer(t, 1, 11, dev, 64)
		s.fwd = &recordingForwarder{err: errors.New("network unreachable")}

		s.service(n)
		if s.stats.SendErrors.Load() != 1 {
			t.Errorf("send errors = %d, want 1", s.stats.SendErrors.Load())
		}
		if len(readPackets(t, path)) != 1 {
			t.Error("frame not archived")
		}
	})

	t.Run("write failure still forwards", func(t *testing.T) {
		dev := &memDev{frames: []device.Frame{dataFrame(8, 1, 1)}}
		s, n, _ := newBareSniffer(t, 1, 19, dev, 64)
		fwd := &recordingForwarder{}
		s.fwd = fwd
		s.writer.Close()

		s.service(n)
		if s.stats.WriteErrors.Load() != 1 {
			t.Errorf("write errors = %d, want 1", s.stats.WriteErrors.Load())
		}
		if len(fwd.sent) != 1 || fwd.channels[0] != 19 {
			t.Errorf("forwarded %d frames on %v", len(fwd.sent), fwd.channels)
		}
	})
}

func TestStopBeforeStart(t *testing.T) {
	reg, _ := node.Build([]int{1}, []int{11})
	s := New(Config{}, reg, nil, nil, zap.NewNop())
	if err := s.Stop(); err != nil {
		t.Errorf("Stop = %v", err)
	}
	if s.State() != StateInitializing {
		t.Errorf("state = %v", s.State())
	}
}

func TestPollTimeoutDefaults(t *testing.T) {
	reg, _ := node.Build([]int{1}, []int{11})
	for in, want := range map[time.Duration]time.Duration{
		0:                      DefaultPollTimeout,
		-time.Second:           DefaultPollTimeout,
		time.Microsecond:       time.Millisecond,
		999 * time.Microsecond: time.Millisecond,
		250 * time.Millisecond: 250 * time.Millisecond,
	} {
		s := New(Config{PollTimeout: in}, reg, nil, nil, zap.NewNop())
		if s.cfg.PollTimeout != want {
			t.Errorf("PollTimeout %v: got %v, want %v", in, s.cfg.PollTimeout, want)
		}
	}
}

func TestStartWithoutNodes(t *testing.T) {
	reg, _ := node.Build(nil, nil)
	s := New(Config{}, reg, nil, nil, zap.NewNop())
	if err := s.Start(context.Background()); !errors.Is(err, ErrNoNodes) {
		t.Fatalf("Start = %v, want ErrNoNodes", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %v, want stopped", s.State())
	}
	if err := s.Wait(); !errors.Is(err, ErrNoNodes) {
		t.Errorf("Wait = %v", err)
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		StateInitializing: "initializing",
		StateRunning:      "running",
		StateDraining:     "draining",
		StateStopped:      "stopped",
		State(9):          "state(9)",
	} {
		if st.String() != want {
			t.Errorf("%d = %q, want %q", st, st.String(), want)
		}
	}
}
