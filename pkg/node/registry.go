// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package node holds the fixed table of monitored radio nodes.
package node

import (
	"errors"
	"fmt"

	"github.com/mbeema/zigsniff/pkg/device"
	"go.uber.org/multierr"
)

const (
	// Capacity is the number of slots in a Registry.
	Capacity = 16

	// 2.4 GHz O-QPSK channel range.
	MinChannel = 11
	MaxChannel = 26
)

var (
	ErrCapacity  = errors.New("node: too many entries")
	ErrChannel   = errors.New("node: channel out of range")
	ErrDuplicate = errors.New("node: duplicate node id")
)

// Node is one monitored radio. Dev is set while the sniffer runs.
type Node struct {
	Slot    int
	ID      int
	Channel uint8
	Valid   bool
	Dev     device.Device
}

func (n *Node) String() string {
	return fmt.Sprintf("node%d/ch%d", n.ID, n.Channel)
}

// Registry is a slot-addressed table of nodes.
type Registry struct {
	slots [Capacity]Node
}

// Build fills the registry positionally: slot i gets ids[i] and
// channels[i] and is valid only when both are present.
func Build(ids, channels []int) (*Registry, error) {
	if len(ids) > Capacity {
		return nil, fmt.Errorf("%w: %d node ids, capacity %d", ErrCapacity, len(ids), Capacity)
	}
	if len(channels) > Capacity {
		return nil, fmt.Errorf("%w: %d channels, capacity %d", ErrCapacity, len(channels), Capacity)
	}

	r := &Registry{}
	seen := make(map[int]int)
	for i := range r.slots {
		r.slots[i].Slot = i
		if i >= len(ids) || i >= len(channels) {
			continue
		}
		id, ch := ids[i], channels[i]
		if id < 0 {
			return nil, fmt.Errorf("slot %d: negative node id %d", i, id)
		}
		if ch < MinChannel || ch > MaxChannel {
			return nil, fmt.Errorf("%w: slot %d channel %d not in [%d,%d]", ErrChannel, i, ch, MinChannel, MaxChannel)
		}
		if prev, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: id %d in slots %d and %d", ErrDuplicate, id, prev, i)
		}
		seen[id] = i
		r.slots[i].ID = id
		r.slots[i].Channel = uint8(ch)
		r.slots[i].Valid = true
	}
	return r, nil
}

// Slot returns the node at slot i.
func (r *Registry) Slot(i int) *Node {
	return &r.slots[i]
}

// Valid returns the valid nodes in slot order.
func (r *Registry) Valid() []*Node {
	var out []*Node
	for i := range r.slots {
		if r.slots[i].Valid {
			out = append(out, &r.slots[i])
		}
	}
	return out
}

// Len returns the number of valid nodes.
func (r *Registry) Len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].Valid {
			n++
		}
	}
	return n
}

// CloseAll closes every open device handle once and clears it.
func (r *Registry) CloseAll() error {
	var err error
	for i := range r.slots {
		n := &r.slots[i]
		if n.Dev == nil {
			continue
		}
		if cerr := n.Dev.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", n, cerr))
		}
		n.Dev = nil
	}
	return err
}
