// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/vigil-ids/vigil/lib/seqnum"
)

var (
	// ErrOverrun means the ring has no room for the record without
	// overwriting unreleased data. The record is dropped.
	ErrOverrun = errors.New("exchange: ring overrun")

	// ErrRecordTooLarge means the record can never fit: it exceeds the
	// arena or the uint16 length prefix.
	ErrRecordTooLarge = errors.New("exchange: record too large")

	// ErrEmptyRecord rejects zero-length records, whose length prefix
	// would be indistinguishable from the wrap sentinel.
	ErrEmptyRecord = errors.New("exchange: empty record")

	// ErrNothingToRelease means Release was called with no outstanding
	// records.
	ErrNothingToRelease = errors.New("exchange: no outstanding records")

	// ErrOutOfOrder means Release was given a handle other than the
	// oldest outstanding one.
	ErrOutOfOrder = errors.New("exchange: release out of order")
)

// MaxRecordLength is the largest payload a length prefix can describe.
// It also covers the largest IPFIX message.
const MaxRecordLength = 1<<16 - 1

// recordHeader is the size of the length prefix preceding every record
// in a record file or the ring.
const recordHeader = 2

// Style selects how records travel to modules. Its String form is the
// token sent in the bootstrap handshake.
type Style int

const (
	Files Style = iota
	SharedMemory
)

func (s Style) String() string {
	switch s {
	case Files:
		return "USE_FILES"
	case SharedMemory:
		return "USE_SHM"
	default:
		return fmt.Sprintf("Style(%d)", int(s))
	}
}

// ParseStyle accepts both the handshake tokens and the configuration
// spellings "files" and "shm".
func ParseStyle(s string) (Style, error) {
	switch strings.ToLower(s) {
	case "use_files", "files":
		return Files, nil
	case "use_shm", "shm":
		return SharedMemory, nil
	default:
		return 0, fmt.Errorf("unknown exchange style %q (want files or shm)", s)
	}
}

// Handle identifies one written record until it is released.
type Handle struct {
	Sequence seqnum.Counter
	// Offset is the position of the record's length prefix in the ring.
	// Always zero for files.
	Offset int
	// Length is the payload length, excluding the prefix.
	Length int
}

// Channel is the collector side of an exchange. Write and Release are
// called from different goroutines; implementations synchronize
// internally.
type Channel interface {
	Style() Style

	// Write stores data as record seq. On error nothing is stored and
	// no handle exists.
	Write(seq seqnum.Counter, data []byte) (Handle, error)

	// Release frees the oldest outstanding record, which must be h.
	Release(h Handle) error

	// ReadOffset is where modules find the oldest outstanding record.
	// Always zero for files.
	ReadOffset() int

	// Close frees every outstanding record and the channel's storage.
	Close() error
}

// SourceID returns the source id of a flow export record: the
// big-endian word at bytes 12 to 15, the IPFIX observation domain.
// Records shorter than a message header have source id 0.
func SourceID(record []byte) uint32 {
	if len(record) < 16 {
		return 0
	}
	return binary.BigEndian.Uint32(record[12:16])
}
