// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package device

import "fmt"

// DefaultPathPrefix is joined with the node id to form the device path.
const DefaultPathPrefix = "/dev/ieee"

// Ioctls holds the driver request codes used to configure a radio. They are
// part of the MAC character driver's ABI and must match the target kernel.
type Ioctls struct {
	SetChannel     uint `yaml:"set_channel"`
	SetPromiscuous uint `yaml:"set_promiscuous"`
	SetRxOnIdle    uint `yaml:"set_rx_on_idle"`
}

// DefaultIoctls are the request codes of the reference driver.
var DefaultIoctls = Ioctls{
	SetChannel:     0x4d01,
	SetPromiscuous: 0x4d02,
	SetRxOnIdle:    0x4d03,
}

// CharDevOpener opens radios exposed as character devices named
// <PathPrefix><id>.
type CharDevOpener struct {
	PathPrefix string
	Ioctls     Ioctls
}

// Open opens the device for node id in non-blocking mode.
func (o CharDevOpener) Open(id int) (Device, error) {
	prefix := o.PathPrefix
	if prefix == "" {
		prefix = DefaultPathPrefix
	}
	ioctls := o.Ioctls
	if ioctls == (Ioctls{}) {
		ioctls = DefaultIoctls
	}
	return openCharDev(fmt.Sprintf("%s%d", prefix, id), ioctls)
}
