// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"encoding/binary"
	"fmt"
)

// Ring is the writer's view of a record ring laid over buf. It tracks
// where the next record goes (write) and where the oldest unreleased
// record starts (read). Ring is not safe for concurrent use; see
// RingChannel.
//
// wrapped is set while the writer has restarted at offset zero but the
// reader has not yet followed it. In that state free space is
// [write, read); otherwise it is [write, len) plus [0, read).
type Ring struct {
	buf     []byte
	write   int
	read    int
	wrapped bool
	count   int
}

// NewRing lays an empty ring over buf. The contents of buf are not
// cleared; every byte a reader can reach is written first.
func NewRing(buf []byte) *Ring {
	return &Ring{buf: buf}
}

// Size returns the arena size.
func (r *Ring) Size() int { return len(r.buf) }

// Len returns the number of unreleased records.
func (r *Ring) Len() int { return r.count }

// ReadOffset returns the offset of the oldest unreleased record as a
// reader would see it: if the release cursor sits at a wrap point the
// reader follows the wrap to zero on its own.
func (r *Ring) ReadOffset() int { return r.read }

func (r *Ring) empty() bool { return !r.wrapped && r.read == r.write }

// TryWrite appends data and returns the offset of its length prefix.
func (r *Ring) TryWrite(data []byte) (int, error) {
	n := len(data)
	if n == 0 {
		return 0, ErrEmptyRecord
	}
	need := recordHeader + n
	if n > MaxRecordLength || need > len(r.buf) {
		return 0, fmt.Errorf("%w: %d bytes, ring holds %d", ErrRecordTooLarge, n, len(r.buf))
	}

	if r.empty() {
		// Nothing outstanding: start over at the front so the whole
		// arena is available.
		r.read, r.write = 0, 0
	}

	switch {
	case r.wrapped:
		if r.write+need > r.read {
			return 0, ErrOverrun
		}
	case r.write+need > len(r.buf):
		if need > r.read {
			return 0, ErrOverrun
		}
		if len(r.buf)-r.write >= recordHeader {
			binary.NativeEndian.PutUint16(r.buf[r.write:], 0)
		}
		r.write = 0
		r.wrapped = true
	}

	offset := r.write
	binary.NativeEndian.PutUint16(r.buf[offset:], uint16(n))
	copy(r.buf[offset+recordHeader:], data)
	r.write = offset + need
	r.count++
	return offset, nil
}

// Release frees the oldest record, which must start at offset.
func (r *Ring) Release(offset int) error {
	if r.empty() {
		return ErrNothingToRelease
	}
	pos, length, wrappedRead := recordAt(r.buf, r.read)
	if pos != offset {
		return fmt.Errorf("%w: oldest record at %d, got %d", ErrOutOfOrder, pos, offset)
	}
	if wrappedRead {
		r.wrapped = false
	}
	r.read = pos + recordHeader + length
	r.count--
	return nil
}

// recordAt resolves the record a reader positioned at pos would see,
// following a wrap sentinel or a too-short tail back to offset zero.
// It reports the record's actual offset, its payload length, and
// whether it wrapped.
func recordAt(buf []byte, pos int) (offset, length int, wrapped bool) {
	if len(buf)-pos < recordHeader {
		pos, wrapped = 0, true
	}
	length = int(binary.NativeEndian.Uint16(buf[pos:]))
	if length == 0 && !wrapped {
		pos, wrapped = 0, true
		length = int(binary.NativeEndian.Uint16(buf[pos:]))
	}
	return pos, length, wrapped
}
