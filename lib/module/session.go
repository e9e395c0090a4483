// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vigil-ids/vigil/lib/exchange"
	"github.com/vigil-ids/vigil/lib/handshake"
	"github.com/vigil-ids/vigil/lib/notifyblock"
	"github.com/vigil-ids/vigil/lib/seqnum"
	"github.com/vigil-ids/vigil/lib/sysv"
)

// ErrDetached means the collector removed this module's semaphore:
// the module was stopped or evicted and should exit.
var ErrDetached = errors.New("module: detached by collector")

// pollInterval is how long each semaphore wait lasts before Next checks
// its context again.
const pollInterval = 100 * time.Millisecond

// doneTimeout bounds the second decrement. The unit is already there
// when the protocol is followed.
const doneTimeout = time.Second

// Semaphore is the module's view of its notification semaphore.
type Semaphore interface {
	Decrement(timeout time.Duration) error
}

// Session is an attached module.
type Session struct {
	hello     handshake.Init
	semaphore Semaphore
	block     *notifyblock.Block
	reader    exchange.Reader
	closers   []func() error

	sources map[uint32]bool
}

// Attach reads the handshake from r and opens the semaphore, the
// notification block, and the record storage it names.
func Attach(r io.Reader) (session *Session, err error) {
	hello, err := handshake.Decode(r)
	if err != nil {
		return nil, err
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	}()

	semaphore, err := sysv.OpenSemaphore(hello.SemaphoreKey)
	if err != nil {
		return nil, fmt.Errorf("opening semaphore %d: %w", hello.SemaphoreKey, err)
	}

	blockSegment, err := sysv.OpenSegment(hello.BlockKey, true)
	if err != nil {
		return nil, fmt.Errorf("attaching notification block %d: %w", hello.BlockKey, err)
	}
	closers = append(closers, blockSegment.Detach)
	block, err := notifyblock.Open(blockSegment.Bytes())
	if err != nil {
		return nil, err
	}

	var reader exchange.Reader
	storage := block.Storage()
	switch storage.Style {
	case exchange.SharedMemory:
		ring, err := sysv.OpenSegment(storage.Key, true)
		if err != nil {
			return nil, fmt.Errorf("attaching record ring %d: %w", storage.Key, err)
		}
		closers = append(closers, ring.Detach)
		buf := ring.Bytes()
		if storage.Size > 0 && storage.Size < len(buf) {
			buf = buf[:storage.Size]
		}
		reader = exchange.RingReader{Buf: buf}
	case exchange.Files:
		reader = exchange.FileReader{Dir: hello.Dir}
	default:
		return nil, fmt.Errorf("notification block names unknown storage style %d", storage.Style)
	}

	return newSession(hello, semaphore, block, reader, closers), nil
}

func newSession(hello handshake.Init, semaphore Semaphore, block *notifyblock.Block, reader exchange.Reader, closers []func() error) *Session {
	return &Session{
		hello:     hello,
		semaphore: semaphore,
		block:     block,
		reader:    reader,
		closers:   closers,
	}
}

// Handshake returns what the collector sent at startup.
func (s *Session) Handshake() handshake.Init { return s.hello }

// SubscribeSourceID restricts Batch.Each to records whose source id is
// one of ids. Without a subscription every record is delivered.
func (s *Session) SubscribeSourceID(ids ...uint32) {
	if s.sources == nil {
		s.sources = make(map[uint32]bool)
	}
	for _, id := range ids {
		s.sources[id] = true
	}
}

// Next blocks until the collector publishes records, then returns them
// as a Batch. The caller must call Done on every batch.
func (s *Session) Next(ctx context.Context) (*Batch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.semaphore.Decrement(pollInterval)
		switch {
		case err == nil:
			return &Batch{session: s, Range: s.block.Range()}, nil
		case errors.Is(err, sysv.ErrTimeout):
		case errors.Is(err, sysv.ErrRemoved):
			return nil, ErrDetached
		default:
			return nil, fmt.Errorf("waiting for records: %w", err)
		}
	}
}

// Close detaches the shared memory. The semaphore belongs to the
// collector and is left alone.
func (s *Session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Batch is one published range of records.
type Batch struct {
	session *Session
	Range   notifyblock.Range
	done    bool
}

// Len returns the number of records in the batch, before filtering.
func (b *Batch) Len() int { return b.Range.Len() }

// Each calls fn for every record of the batch that passes the source
// id subscription. data is only valid during the call.
func (b *Batch) Each(fn func(seq seqnum.Counter, sourceID uint32, data []byte) error) error {
	sources := b.session.sources
	return b.session.reader.Records(b.Range.From, b.Range.To, b.Range.StorageOffset, func(seq seqnum.Counter, data []byte) error {
		sourceID := exchange.SourceID(data)
		if sources != nil && !sources[sourceID] {
			return nil
		}
		return fn(seq, sourceID, data)
	})
}

// Done tells the collector this module has finished the batch.
// Calling it again is a no-op.
func (b *Batch) Done() error {
	if b.done {
		return nil
	}
	b.done = true
	err := b.session.semaphore.Decrement(doneTimeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sysv.ErrRemoved):
		return ErrDetached
	default:
		return fmt.Errorf("acknowledging batch: %w", err)
	}
}
