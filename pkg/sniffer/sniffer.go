// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package sniffer runs the capture loop: it multiplexes the radios of a
// node registry, archives every frame to the capture file and forwards it
// as a ZEP datagram.
package sniffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/zigsniff/pkg/capture"
	"github.com/mbeema/zigsniff/pkg/device"
	"github.com/mbeema/zigsniff/pkg/health"
	"github.com/mbeema/zigsniff/pkg/node"
	"github.com/mbeema/zigsniff/pkg/tap"
	"github.com/mbeema/zigsniff/pkg/zep"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is the lifecycle phase of a Sniffer.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	DefaultPollTimeout = time.Second
	DefaultMaxDrain    = 64
)

var (
	ErrNoNodes        = errors.New("sniffer: no valid nodes")
	ErrAlreadyStarted = errors.New("sniffer: already started")
)

// Config holds the loop settings.
type Config struct {
	Output      string
	PollTimeout time.Duration
	MaxDrain    int

	ForwardEnabled bool
	Forward        zep.Config
}

type forwarder interface {
	Send(f device.Frame, channel uint8) error
	Close() error
}

// Sniffer is the daemon context. All devices, the capture file and the
// forwarding socket are owned by the loop goroutine once Start returns.
type Sniffer struct {
	cfg    Config
	reg    *node.Registry
	opener device.Opener
	stats  *health.Stats
	logger *zap.Logger

	poller  poller
	writer  *capture.Writer
	fwd     forwarder
	ifIndex [node.Capacity]uint32
	tapBuf  []byte
	now     func() time.Time

	state    atomic.Int32
	stopping atomic.Bool
	started  bool
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// New creates a Sniffer for the valid nodes of reg. stats may be nil.
func New(cfg Config, reg *node.Registry, opener device.Opener, stats *health.Stats, logger *zap.Logger) *Sniffer {
	if cfg.Output == "" {
		cfg.Output = capture.DefaultPath
	}
	switch {
	case cfg.PollTimeout <= 0:
		cfg.PollTimeout = DefaultPollTimeout
	case cfg.PollTimeout < time.Millisecond:
		// epoll counts in milliseconds; zero would make the loop spin.
		cfg.PollTimeout = time.Millisecond
	}
	if cfg.MaxDrain <= 0 {
		cfg.MaxDrain = DefaultMaxDrain
	}
	if stats == nil {
		stats = health.NewStats()
	}
	return &Sniffer{
		cfg:    cfg,
		reg:    reg,
		opener: opener,
		stats:  stats,
		logger: logger,
		tapBuf: make([]byte, 0, tap.EncodedHeaderLen+device.MaxPHYPacketSize+3),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (s *Sniffer) State() State {
	return State(s.state.Load())
}

func (s *Sniffer) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug("sniffer state", zap.Stringer("state", st))
}

// Start acquires every resource and spawns the loop. On failure everything
// acquired so far is released and the Sniffer ends in StateStopped.
func (s *Sniffer) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	defer func() {
		if err == nil {
			return
		}
		if cerr := s.release(); cerr != nil {
			s.logger.Warn("cleanup after failed start", zap.Error(cerr))
		}
		s.err = err
		s.setState(StateStopped)
		close(s.done)
	}()

	nodes := s.reg.Valid()
	if len(nodes) == 0 {
		return ErrNoNodes
	}

	s.poller, err = newPoller()
	if err != nil {
		s.logger.Error("create readiness poller failed", zap.Error(err))
		return fmt.Errorf("create poller: %w", err)
	}

	for i, n := range nodes {
		if err := s.setupNode(n); err != nil {
			return err
		}
		s.ifIndex[n.Slot] = uint32(i)
	}

	s.writer, err = capture.Open(s.cfg.Output, len(nodes), s.logger)
	if err != nil {
		s.logger.Error("open capture file failed", zap.String("path", s.cfg.Output), zap.Error(err))
		return err
	}

	if s.cfg.ForwardEnabled {
		fwd, err := zep.New(s.cfg.Forward, s.logger)
		if err != nil {
			s.logger.Error("open forwarding socket failed",
				zap.String("addr", s.cfg.Forward.Address),
				zap.Error(err),
			)
			return fmt.Errorf("open forwarder: %w", err)
		}
		s.fwd = fwd
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.stats.NodesActive.Store(int64(len(nodes)))
	s.stats.SetCapturePath(s.cfg.Output)
	s.setState(StateRunning)
	go s.loop(ctx)

	s.logger.Info("sniffer started",
		zap.Int("nodes", len(nodes)),
		zap.String("output", s.cfg.Output),
		zap.Bool("forward", s.fwd != nil),
		zap.Duration("poll_timeout", s.cfg.PollTimeout),
	)
	return nil
}

func (s *Sniffer) setupNode(n *node.Node) error {
	dev, err := s.opener.Open(n.ID)
	if err != nil {
		s.logger.Error("open device failed", zap.Int("node", n.ID), zap.Error(err))
		return fmt.Errorf("open %s: %w", n, err)
	}
	n.Dev = dev

	if err := s.poller.Add(dev.Fd(), n.Slot); err != nil {
		s.logger.Error("register device failed", zap.Int("node", n.ID), zap.Error(err))
		return fmt.Errorf("register %s: %w", n, err)
	}

	steps := []struct {
		what string
		fn   func() error
	}{
		{"set channel", func() error { return dev.SetChannel(n.Channel) }},
		{"enable promiscuous mode", func() error { return dev.SetPromiscuous(true) }},
		{"enable rx-on-idle", func() error { return dev.SetRxOnIdle(true) }},
	}
	for _, st := range steps {
		if err := st.fn(); err != nil {
			s.logger.Error(st.what+" failed",
				zap.Int("node", n.ID),
				zap.Uint8("channel", n.Channel),
				zap.Error(err),
			)
			return fmt.Errorf("%s: %s: %w", n, st.what, err)
		}
	}

	s.logger.Info("node ready", zap.Int("node", n.ID), zap.Uint8("channel", n.Channel))
	return nil
}

// Stop requests shutdown and waits for the loop to release its resources.
// The loop notices the request within one poll timeout.
func (s *Sniffer) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	s.stopping.Store(true)
	return s.Wait()
}

// Wait blocks until the loop has stopped and returns its terminal error,
// nil after a requested stop.
func (s *Sniffer) Wait() error {
	<-s.done
	return s.err
}

// Done is closed once the Sniffer reaches StateStopped.
func (s *Sniffer) Done() <-chan struct{} {
	return s.done
}

func (s *Sniffer) loop(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	ready := make([]int, 0, node.Capacity)
	var err error
	for !s.stopping.Load() && ctx.Err() == nil {
		ready, err = s.poller.Wait(s.cfg.PollTimeout, ready[:0])
		s.stats.PollCycles.Add(1)
		if err != nil {
			s.logger.Error("readiness wait failed, stopping", zap.Error(err))
			break
		}
		for _, slot := range ready {
			if slot < 0 || slot >= node.Capacity {
				continue
			}
			s.service(s.reg.Slot(slot))
		}
	}

	s.setState(StateDraining)
	s.stats.NodesActive.Store(0)
	cerr := s.release()
	if cerr != nil {
		s.logger.Warn("errors while releasing resources", zap.Error(cerr))
	}
	s.err = multierr.Append(err, cerr)
	s.setState(StateStopped)
	s.logger.Info("sniffer stopped",
		zap.Int64("frames_read", s.stats.FramesRead.Load()),
		zap.Int64("frames_written", s.stats.FramesWritten.Load()),
		zap.Int64("datagrams_sent", s.stats.DatagramsSent.Load()),
	)
}

// service processes the frames pending on one node, archiving before
// forwarding. A failing sink does not keep the frame from the other.
func (s *Sniffer) service(n *node.Node) {
	if n.Dev == nil {
		return
	}
	for f := range s.drain(n) {
		s.archive(n, f)
		s.forward(n, f)
	}
}

// drain yields the frames pending on n until the device would block,
// fails, or MaxDrain frames have been read.
func (s *Sniffer) drain(n *node.Node) iter.Seq[device.Frame] {
	return func(yield func(device.Frame) bool) {
		for i := 0; i < s.cfg.MaxDrain; i++ {
			f, err := n.Dev.ReadFrame()
			switch {
			case err == nil:
			case errors.Is(err, device.ErrWouldBlock):
				return
			case errors.Is(err, io.EOF):
				s.logger.Warn("device closed, no longer polled", zap.Int("node", n.ID))
				if rerr := s.poller.Remove(n.Dev.Fd()); rerr != nil {
					s.logger.Warn("deregister device failed", zap.Int("node", n.ID), zap.Error(rerr))
				}
				return
			default:
				s.stats.ReadErrors.Add(1)
				s.logger.Error("device read failed", zap.Int("node", n.ID), zap.Error(err))
				return
			}
			s.stats.FramesRead.Add(1)
			if !yield(f) {
				return
			}
		}
		s.stats.DrainsTruncated.Add(1)
	}
}

func (s *Sniffer) archive(n *node.Node, f device.Frame) {
	s.tapBuf = tap.Append(s.tapBuf[:0], f.Payload, tap.Meta{
		FCSType:        tap.FCSNone,
		SignalStrength: uint32(f.Meta.LQI),
		ChannelPage:    tap.ChannelPageOQPSK24,
		Channel:        uint16(n.Channel),
		EOFTimestamp:   f.Meta.Timestamp,
	})

	before := s.writer.Stats().Bytes
	err := s.writer.AppendFrame(s.ifIndex[n.Slot], uint64(s.now().UnixMicro()), s.tapBuf)
	s.stats.BytesWritten.Add(int64(s.writer.Stats().Bytes - before))
	if err != nil {
		s.stats.WriteErrors.Add(1)
		s.logger.Error("capture write failed",
			zap.Int("node", n.ID),
			zap.String("path", s.writer.Path()),
			zap.Error(err),
		)
		return
	}
	s.stats.FramesWritten.Add(1)
	s.logger.Debug("frame captured",
		zap.Int("node", n.ID),
		zap.Int("len", len(f.Payload)),
		zap.Uint8("dsn", f.Meta.DSN),
		zap.Stringer("type", f.Type()),
	)
}

func (s *Sniffer) forward(n *node.Node, f device.Frame) {
	if s.fwd == nil {
		return
	}
	if err := s.fwd.Send(f, n.Channel); err != nil {
		s.stats.SendErrors.Add(1)
		return
	}
	s.stats.DatagramsSent.Add(1)
}

// release closes the node handles, the capture file, the forwarder and the
// poller. Each is closed at most once.
func (s *Sniffer) release() error {
	err := s.reg.CloseAll()
	if s.writer != nil {
		err = multierr.Append(err, s.writer.Close())
	}
	if s.fwd != nil {
		if cerr := s.fwd.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close forwarder: %w", cerr))
		}
		s.fwd = nil
	}
	if s.poller != nil {
		if cerr := s.poller.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close poller: %w", cerr))
		}
		s.poller = nil
	}
	return err
}
