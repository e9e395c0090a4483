// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/vigil-ids/vigil/lib/seqnum"
)

// ErrCorruptRecord is returned by readers when a record's framing does
// not match what the collector writes.
var ErrCorruptRecord = errors.New("exchange: corrupt record")

// Reader is the module side of a channel: it yields the records of a
// published range in order.
type Reader interface {
	// Records calls fn for each record in [from, to). Data passed to fn
	// is only valid for the duration of the call.
	Records(from, to seqnum.Counter, offset int, fn func(seq seqnum.Counter, data []byte) error) error
}

// FileReader reads record files from a packet directory.
type FileReader struct {
	Dir string
}

func (r FileReader) Records(from, to seqnum.Counter, _ int, fn func(seqnum.Counter, []byte) error) error {
	for seq := from; seq != to; seq.Inc() {
		raw, err := os.ReadFile(RecordPath(r.Dir, seq))
		if err != nil {
			return fmt.Errorf("reading record %s: %w", seq, err)
		}
		if len(raw) < recordHeader {
			return fmt.Errorf("%w: record %s is %d bytes", ErrCorruptRecord, seq, len(raw))
		}
		length := int(binary.NativeEndian.Uint16(raw))
		if length != len(raw)-recordHeader {
			return fmt.Errorf("%w: record %s declares %d bytes, holds %d", ErrCorruptRecord, seq, length, len(raw)-recordHeader)
		}
		if err := fn(seq, raw[recordHeader:]); err != nil {
			return err
		}
	}
	return nil
}

// RingReader walks a ring arena, usually a read-only attachment of the
// collector's segment. It keeps no state between calls: each range
// starts at the offset the collector published alongside it.
type RingReader struct {
	Buf []byte
}

func (r RingReader) Records(from, to seqnum.Counter, offset int, fn func(seqnum.Counter, []byte) error) error {
	if offset < 0 || offset > len(r.Buf) {
		return fmt.Errorf("%w: offset %d outside ring of %d bytes", ErrCorruptRecord, offset, len(r.Buf))
	}
	pos := offset
	for seq := from; seq != to; seq.Inc() {
		start, length, _ := recordAt(r.Buf, pos)
		end := start + recordHeader + length
		if length == 0 || end > len(r.Buf) {
			return fmt.Errorf("%w: record %s at offset %d has length %d", ErrCorruptRecord, seq, start, length)
		}
		if err := fn(seq, r.Buf[start+recordHeader:end]); err != nil {
			return err
		}
		pos = end
	}
	return nil
}
