// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"
)

// resourceSample is the host and process view reported next to the
// capture counters. Fields that could not be read stay zero.
type resourceSample struct {
	RSSBytes      uint64
	CPUPercent    float64
	OpenFDs       int32
	Load1         float64
	DiskFreeBytes uint64
}

func sampleResources(capturePath string) resourceSample {
	var s resourceSample

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			s.RSSBytes = mi.RSS
		}
		if pct, err := p.CPUPercent(); err == nil {
			s.CPUPercent = pct
		}
		if n, err := p.NumFDs(); err == nil {
			s.OpenFDs = n
		}
	}
	if s.RSSBytes == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		s.RSSBytes = ms.Sys
	}

	if avg, err := load.Avg(); err == nil {
		s.Load1 = avg.Load1
	}

	if capturePath != "" {
		if u, err := disk.Usage(capturePath); err == nil {
			s.DiskFreeBytes = u.Free
		}
	}
	return s
}
