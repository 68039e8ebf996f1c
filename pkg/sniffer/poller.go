// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package sniffer

import "time"

// poller is a level-triggered read readiness multiplexer. Sources are
// registered with a cookie that Wait hands back when they become readable.
type poller interface {
	Add(fd int, cookie int) error
	Remove(fd int) error
	// Wait appends the cookies of ready sources to dst. An interrupted wait
	// returns dst unchanged and a nil error.
	Wait(timeout time.Duration, dst []int) ([]int, error)
	Close() error
}
