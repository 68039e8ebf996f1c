// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

// Stats tracks self-monitoring counters for the sniffer. The capture loop
// is the only writer; the health server only reads.
type Stats struct {
	startTime  time.Time
	captureDir atomic.Pointer[string]

	FramesRead      atomic.Int64
	FramesWritten   atomic.Int64
	BytesWritten    atomic.Int64
	WriteErrors     atomic.Int64
	DatagramsSent   atomic.Int64
	SendErrors      atomic.Int64
	ReadErrors      atomic.Int64
	PollCycles      atomic.Int64
	DrainsTruncated atomic.Int64
	NodesActive     atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// SetCapturePath names the capture file whose filesystem free space is
// reported.
func (s *Stats) SetCapturePath(path string) {
	dir := filepath.Dir(path)
	s.captureDir.Store(&dir)
}

// Uptime returns sniffer uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds   float64
	Goroutines      int
	MemoryRSSBytes  uint64
	CPUPercent      float64
	OpenFDs         int32
	Load1           float64
	DiskFreeBytes   uint64
	FramesRead      int64
	FramesWritten   int64
	BytesWritten    int64
	WriteErrors     int64
	DatagramsSent   int64
	SendErrors      int64
	ReadErrors      int64
	PollCycles      int64
	DrainsTruncated int64
	NodesActive     int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var dir string
	if p := s.captureDir.Load(); p != nil {
		dir = *p
	}
	res := sampleResources(dir)
	return Snapshot{
		UptimeSeconds:   s.Uptime().Seconds(),
		Goroutines:      runtime.NumGoroutine(),
		MemoryRSSBytes:  res.RSSBytes,
		CPUPercent:      res.CPUPercent,
		OpenFDs:         res.OpenFDs,
		Load1:           res.Load1,
		DiskFreeBytes:   res.DiskFreeBytes,
		FramesRead:      s.FramesRead.Load(),
		FramesWritten:   s.FramesWritten.Load(),
		BytesWritten:    s.BytesWritten.Load(),
		WriteErrors:     s.WriteErrors.Load(),
		DatagramsSent:   s.DatagramsSent.Load(),
		SendErrors:      s.SendErrors.Load(),
		ReadErrors:      s.ReadErrors.Load(),
		PollCycles:      s.PollCycles.Load(),
		DrainsTruncated: s.DrainsTruncated.Load(),
		NodesActive:     s.NodesActive.Load(),
	}
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "zigsniff_uptime_seconds", "gauge", "Sniffer uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "zigsniff_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "zigsniff_memory_rss_bytes", "gauge", "Resident memory in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "zigsniff_cpu_percent", "gauge", "Process CPU usage since start", snap.CPUPercent)
	b = appendMetric(b, "zigsniff_open_fds", "gauge", "Open file descriptors", float64(snap.OpenFDs))
	b = appendMetric(b, "zigsniff_host_load1", "gauge", "Host 1-minute load average", snap.Load1)
	b = appendMetric(b, "zigsniff_capture_disk_free_bytes", "gauge", "Free space on the capture filesystem", float64(snap.DiskFreeBytes))
	b = appendMetric(b, "zigsniff_nodes_active", "gauge", "Radio nodes being captured", float64(snap.NodesActive))
	b = appendMetric(b, "zigsniff_frames_read_total", "counter", "Frames read from radios", float64(snap.FramesRead))
	b = appendMetric(b, "zigsniff_frames_written_total", "counter", "Frames archived to the capture file", float64(snap.FramesWritten))
	b = appendMetric(b, "zigsniff_bytes_written_total", "counter", "Bytes archived to the capture file", float64(snap.BytesWritten))
	b = appendMetric(b, "zigsniff_write_errors_total", "counter", "Failed capture file appends", float64(snap.WriteErrors))
	b = appendMetric(b, "zigsniff_datagrams_sent_total", "counter", "ZEP datagrams sent", float64(snap.DatagramsSent))
	b = appendMetric(b, "zigsniff_send_errors_total", "counter", "Failed or short ZEP sends", float64(snap.SendErrors))
	b = appendMetric(b, "zigsniff_read_errors_total", "counter", "Radio read errors", float64(snap.ReadErrors))
	b = appendMetric(b, "zigsniff_poll_cycles_total", "counter", "Readiness wait cycles", float64(snap.PollCycles))
	b = appendMetric(b, "zigsniff_drains_truncated_total", "counter", "Drains stopped by the per-source frame limit", float64(snap.DrainsTruncated))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}
