// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package notifyblock defines the small shared memory block through
// which the collector tells its modules which records to read.
//
// The collector is the only writer. It fills in the block immediately
// before raising each module's semaphore; modules read it after taking
// their first semaphore unit, so the semaphore operations order the
// accesses. Fields are still accessed atomically so that a module
// polling the block outside a cycle never sees a torn word.
//
// Layout (all fields uint32, native byte order):
//
//	offset  field
//	0       magic          "VGNB"
//	4       version
//	8       source id      observation domain of the newest record
//	12      from           first record of the published range
//	16      to             one past the last record
//	20      storage key    SysV key of the ring segment, 0 for files
//	24      storage size   ring size in bytes
//	28      storage offset ring offset of record "from"
//	32      style          exchange.Style of the channel
package notifyblock

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/vigil-ids/vigil/lib/exchange"
	"github.com/vigil-ids/vigil/lib/seqnum"
)

const (
	Magic   = 0x564e4742 // "VGNB" read as little-endian
	Version = 1

	// Size is the number of bytes a block occupies.
	Size = 36
)

const (
	offMagic = 4 * iota
	offVersion
	offSourceID
	offFrom
	offTo
	offStorageKey
	offStorageSize
	offStorageOffset
	offStyle
)

var (
	// ErrBadMagic means the memory does not hold an initialized block.
	ErrBadMagic = errors.New("notifyblock: bad magic")

	// ErrVersion means the block was written by an incompatible
	// collector.
	ErrVersion = errors.New("notifyblock: unsupported version")
)

// Block is a view over Size bytes of (usually shared) memory.
type Block struct {
	mem []byte
}

// Range is one published batch of records.
type Range struct {
	SourceID      uint32
	From, To      seqnum.Counter
	StorageOffset int
}

// Len returns the number of records in the range.
func (r Range) Len() int { return r.To.Sub(r.From) }

// Storage describes where ring records live.
type Storage struct {
	Style exchange.Style
	Key   int
	Size  int
}

func view(mem []byte) (*Block, error) {
	if len(mem) < Size {
		return nil, fmt.Errorf("notifyblock: %d bytes, need %d", len(mem), Size)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("notifyblock: memory not 4-byte aligned")
	}
	return &Block{mem: mem[:Size]}, nil
}

// Init formats mem as a fresh block describing storage and returns
// it. The published range starts empty at start.
func Init(mem []byte, storage Storage, start seqnum.Counter) (*Block, error) {
	b, err := view(mem)
	if err != nil {
		return nil, err
	}
	b.store(offVersion, Version)
	b.store(offSourceID, 0)
	b.store(offFrom, start.Uint32())
	b.store(offTo, start.Uint32())
	b.store(offStorageKey, uint32(storage.Key))
	b.store(offStorageSize, uint32(storage.Size))
	b.store(offStorageOffset, 0)
	b.store(offStyle, uint32(storage.Style))
	// Magic last: a reader that sees it sees everything above.
	b.store(offMagic, Magic)
	return b, nil
}

// Open validates an existing block, typically a read-only attachment
// in a module.
func Open(mem []byte) (*Block, error) {
	b, err := view(mem)
	if err != nil {
		return nil, err
	}
	if got := b.load(offMagic); got != Magic {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, got)
	}
	if got := b.load(offVersion); got != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, got)
	}
	return b, nil
}

func (b *Block) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

func (b *Block) store(off int, v uint32) { atomic.StoreUint32(b.word(off), v) }

func (b *Block) load(off int) uint32 { return atomic.LoadUint32(b.word(off)) }

// Publish writes a new range. to is written last so a module never
// sees a range end beyond the offset that describes its start.
func (b *Block) Publish(r Range) {
	b.store(offSourceID, r.SourceID)
	b.store(offFrom, r.From.Uint32())
	b.store(offStorageOffset, uint32(r.StorageOffset))
	b.store(offTo, r.To.Uint32())
}

// Advance moves the start of the range after records were released.
func (b *Block) Advance(from seqnum.Counter, storageOffset int) {
	b.store(offStorageOffset, uint32(storageOffset))
	b.store(offFrom, from.Uint32())
}

// Range reads the currently published range.
func (b *Block) Range() Range {
	return Range{
		SourceID:      b.load(offSourceID),
		From:          seqnum.FromUint32(b.load(offFrom)),
		To:            seqnum.FromUint32(b.load(offTo)),
		StorageOffset: int(b.load(offStorageOffset)),
	}
}

// Storage reads the storage description.
func (b *Block) Storage() Storage {
	return Storage{
		Style: exchange.Style(b.load(offStyle)),
		Key:   int(b.load(offStorageKey)),
		Size:  int(b.load(offStorageSize)),
	}
}
