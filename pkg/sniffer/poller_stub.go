// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package sniffer

import "github.com/mbeema/zigsniff/pkg/device"

func newPoller() (poller, error) {
	return nil, device.ErrUnsupported
}
