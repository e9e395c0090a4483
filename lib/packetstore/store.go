// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package packetstore tracks which records the collector has handed to
// an exchange channel but not yet released.
//
// The store is a FIFO of exchange handles bracketed by two sequence
// counters: Oldest is the first unreleased record and Newest is the
// sequence number the next record will get. Their forward distance is
// always the number of handles held.
package packetstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vigil-ids/vigil/lib/exchange"
	"github.com/vigil-ids/vigil/lib/seqnum"
)

var (
	// ErrOverRelease is returned when Release asks for more records
	// than are held. The store is left unchanged.
	ErrOverRelease = errors.New("packetstore: release exceeds outstanding records")

	// ErrFull is returned by Push when one more record would make the
	// range ambiguous modulo seqnum.Max.
	ErrFull = errors.New("packetstore: sequence space exhausted")
)

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	handles []exchange.Handle
	oldest  seqnum.Counter
	newest  seqnum.Counter
}

// New returns an empty store whose first record will be numbered
// start.
func New(start seqnum.Counter) *Store {
	return &Store{oldest: start, newest: start}
}

// Next returns the sequence number the next pushed record must carry.
func (s *Store) Next() seqnum.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newest
}

// Push appends h, which must carry the number returned by Next.
func (s *Store) Push(h exchange.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.Sequence != s.newest {
		return fmt.Errorf("packetstore: pushed record %s, expected %s", h.Sequence, s.newest)
	}
	if len(s.handles) >= seqnum.Max-1 {
		return ErrFull
	}
	s.handles = append(s.handles, h)
	s.newest.Inc()
	return nil
}

// Release pops the n oldest handles, passing each to release in order,
// and advances Oldest by n. If release fails the handle is still
// dropped from the store and the first error is returned after all n
// are processed: the channel's bookkeeping and the store must not
// diverge.
func (s *Store) Release(n int, release func(exchange.Handle) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n > len(s.handles) {
		return fmt.Errorf("%w: asked for %d, holding %d", ErrOverRelease, n, len(s.handles))
	}
	var first error
	for _, h := range s.handles[:n] {
		if release == nil {
			continue
		}
		if err := release(h); err != nil && first == nil {
			first = err
		}
	}
	clear(s.handles[:n])
	s.handles = s.handles[n:]
	s.oldest = s.oldest.Add(n)
	return first
}

// Full reports whether Push would fail with ErrFull.
func (s *Store) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles) >= seqnum.Max-1
}

// Len returns the number of unreleased records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Range returns Oldest and Newest together.
func (s *Store) Range() (oldest, newest seqnum.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oldest, s.newest
}
