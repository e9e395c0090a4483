// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package sysv

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by timed semaphore operations whose
	// timeout elapsed before the operation could complete.
	ErrTimeout = errors.New("sysv: operation timed out")

	// ErrRemoved is returned when the semaphore or segment was removed
	// (IPC_RMID) while an operation was pending or before it started.
	ErrRemoved = errors.New("sysv: resource removed")

	// ErrUnsupported is returned on platforms without System V IPC
	// syscalls.
	ErrUnsupported = errors.New("sysv: not supported on this platform")
)

// maxKeyProbes bounds the ascending key search in the Create
// functions. Each probe that collides costs one syscall.
const maxKeyProbes = 1 << 16

// Semaphore is a System V semaphore set holding exactly one counter.
type Semaphore struct {
	key int
	id  int
}

// Key returns the IPC key the semaphore was created or opened with.
// This is the value handed to modules in the bootstrap handshake.
func (s *Semaphore) Key() int { return s.key }

// ID returns the kernel identifier of the semaphore set.
func (s *Semaphore) ID() int { return s.id }

func (s *Semaphore) String() string { return fmt.Sprintf("semaphore(key=%d id=%d)", s.key, s.id) }

// Segment is an attached System V shared memory segment.
type Segment struct {
	key      int
	id       int
	data     []byte
	readOnly bool
}

// Key returns the IPC key of the segment.
func (s *Segment) Key() int { return s.key }

// ID returns the kernel identifier of the segment.
func (s *Segment) ID() int { return s.id }

// Bytes returns the attached memory. The slice is invalid after Detach.
func (s *Segment) Bytes() []byte { return s.data }

// Size returns the segment size in bytes.
func (s *Segment) Size() int { return len(s.data) }
