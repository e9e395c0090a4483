// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"fmt"
	"sync"

	"github.com/vigil-ids/vigil/lib/seqnum"
)

// RingChannel is a Channel over a Ring. The arena is usually a shared
// memory segment that modules attach read-only; closer releases it.
type RingChannel struct {
	mu     sync.Mutex
	ring   *Ring
	closer func() error
}

// NewRingChannel lays a ring over buf. closer, if non-nil, is called
// once by Close to free the underlying storage.
func NewRingChannel(buf []byte, closer func() error) *RingChannel {
	return &RingChannel{ring: NewRing(buf), closer: closer}
}

func (c *RingChannel) Style() Style { return SharedMemory }

func (c *RingChannel) Write(seq seqnum.Counter, data []byte) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring == nil {
		return Handle{}, fmt.Errorf("writing record %s: channel closed", seq)
	}
	offset, err := c.ring.TryWrite(data)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Sequence: seq, Offset: offset, Length: len(data)}, nil
}

func (c *RingChannel) Release(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring == nil {
		return ErrNothingToRelease
	}
	if err := c.ring.Release(h.Offset); err != nil {
		return fmt.Errorf("releasing record %s: %w", h.Sequence, err)
	}
	return nil
}

func (c *RingChannel) ReadOffset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring == nil {
		return 0
	}
	return c.ring.ReadOffset()
}

// Free returns the number of bytes a write could use right now,
// ignoring the per-record prefix. Exported for metrics.
func (c *RingChannel) Free() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.ring
	if r == nil {
		return 0
	}
	switch {
	case r.empty():
		return r.Size()
	case r.wrapped:
		return r.read - r.write
	default:
		return max(r.Size()-r.write, r.read)
	}
}

func (c *RingChannel) Close() error {
	c.mu.Lock()
	closer := c.closer
	c.ring, c.closer = nil, nil
	c.mu.Unlock()
	if closer != nil {
		return closer()
	}
	return nil
}
