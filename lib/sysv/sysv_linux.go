// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux && (amd64 || arm64)

package sysv

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// semctl commands from <linux/sem.h>. x/sys/unix exports the generic
// IPC_* values but not the semaphore-specific ones.
const (
	semGetVal = 12
	semSetVal = 16
)

const ipcMode = 0o600

// sembuf mirrors struct sembuf.
type sembuf struct {
	num uint16
	op  int16
	flg int16
}

// CreateSemaphore creates a new single-counter semaphore with value
// zero. Keys are probed upward from startKey; a key already in use by
// another set is skipped.
func CreateSemaphore(startKey int) (*Semaphore, error) {
	if startKey <= 0 {
		return nil, fmt.Errorf("creating semaphore: start key must be positive, got %d", startKey)
	}
	for key := startKey; key < startKey+maxKeyProbes; key++ {
		id, err := semget(key, 1, unix.IPC_CREAT|unix.IPC_EXCL|ipcMode)
		if errors.Is(err, unix.EEXIST) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("creating semaphore at key %d: %w", key, err)
		}
		sem := &Semaphore{key: key, id: id}
		if err := sem.setValue(0); err != nil {
			sem.Remove()
			return nil, fmt.Errorf("initializing %s: %w", sem, err)
		}
		return sem, nil
	}
	return nil, fmt.Errorf("creating semaphore: no free key in [%d, %d)", startKey, startKey+maxKeyProbes)
}

// OpenSemaphore opens an existing semaphore by key.
func OpenSemaphore(key int) (*Semaphore, error) {
	id, err := semget(key, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("opening semaphore at key %d: %w", key, mapErr(err))
	}
	return &Semaphore{key: key, id: id}, nil
}

// Add adds n (which may be negative) to the counter without waiting.
// A negative n that would drive the counter below zero fails with
// EAGAIN rather than blocking.
func (s *Semaphore) Add(n int) error {
	ops := []sembuf{{num: 0, op: int16(n), flg: unix.IPC_NOWAIT}}
	if n >= 0 {
		ops[0].flg = 0
	}
	if err := semtimedop(s.id, ops, nil); err != nil {
		return fmt.Errorf("adding %d to %s: %w", n, s, mapErr(err))
	}
	return nil
}

// WaitZero blocks until the counter reaches zero or timeout elapses.
// Returns ErrTimeout on expiry and ErrRemoved if the semaphore is
// removed while waiting.
func (s *Semaphore) WaitZero(timeout time.Duration) error {
	return s.timed(0, timeout)
}

// Decrement takes one unit from the counter, blocking for at most
// timeout while the counter is zero.
func (s *Semaphore) Decrement(timeout time.Duration) error {
	return s.timed(-1, timeout)
}

func (s *Semaphore) timed(op int16, timeout time.Duration) error {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	ops := []sembuf{{num: 0, op: op}}
	for {
		err := semtimedop(s.id, ops, &ts)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			// The remaining time is not reported back; retrying with
			// the full timeout is fine for the polling callers.
			continue
		case errors.Is(err, unix.EAGAIN):
			return ErrTimeout
		default:
			return fmt.Errorf("waiting on %s: %w", s, mapErr(err))
		}
	}
}

// Value returns the current counter value.
func (s *Semaphore) Value() (int, error) {
	v, err := semctl(s.id, semGetVal, 0)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", s, mapErr(err))
	}
	return v, nil
}

func (s *Semaphore) setValue(v int) error {
	_, err := semctl(s.id, semSetVal, uintptr(v))
	return err
}

// Remove deletes the semaphore set. Waiters in other processes wake
// with EIDRM. Removing an already removed semaphore reports ErrRemoved.
func (s *Semaphore) Remove() error {
	if _, err := semctl(s.id, unix.IPC_RMID, 0); err != nil {
		return fmt.Errorf("removing %s: %w", s, mapErr(err))
	}
	return nil
}

// CreateSegment creates and attaches a new read-write segment of the
// given size, probing keys upward from startKey.
func CreateSegment(startKey, size int) (*Segment, error) {
	if startKey <= 0 {
		return nil, fmt.Errorf("creating segment: start key must be positive, got %d", startKey)
	}
	if size <= 0 {
		return nil, fmt.Errorf("creating segment: size must be positive, got %d", size)
	}
	for key := startKey; key < startKey+maxKeyProbes; key++ {
		id, err := unix.SysvShmGet(key, size, unix.IPC_CREAT|unix.IPC_EXCL|ipcMode)
		if errors.Is(err, unix.EEXIST) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("creating segment at key %d: %w", key, err)
		}
		data, err := unix.SysvShmAttach(id, 0, 0)
		if err != nil {
			unix.SysvShmCtl(id, unix.IPC_RMID, nil)
			return nil, fmt.Errorf("attaching segment %d: %w", id, err)
		}
		return &Segment{key: key, id: id, data: data}, nil
	}
	return nil, fmt.Errorf("creating segment: no free key in [%d, %d)", startKey, startKey+maxKeyProbes)
}

// OpenSegment attaches an existing segment. Modules open the
// collector's segments read-only.
func OpenSegment(key int, readOnly bool) (*Segment, error) {
	id, err := unix.SysvShmGet(key, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("opening segment at key %d: %w", key, mapErr(err))
	}
	flags := 0
	if readOnly {
		flags = unix.SHM_RDONLY
	}
	data, err := unix.SysvShmAttach(id, 0, flags)
	if err != nil {
		return nil, fmt.Errorf("attaching segment at key %d: %w", key, mapErr(err))
	}
	return &Segment{key: key, id: id, data: data, readOnly: readOnly}, nil
}

// Detach unmaps the segment from this process. The segment itself
// survives until Remove.
func (s *Segment) Detach() error {
	if s.data == nil {
		return nil
	}
	err := unix.SysvShmDetach(s.data)
	s.data = nil
	if err != nil {
		return fmt.Errorf("detaching segment %d: %w", s.id, err)
	}
	return nil
}

// Remove marks the segment for destruction. The kernel frees it once
// the last attachment is gone.
func (s *Segment) Remove() error {
	if _, err := unix.SysvShmCtl(s.id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("removing segment %d: %w", s.id, mapErr(err))
	}
	return nil
}

func semget(key, nsems, flags int) (int, error) {
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(nsems), uintptr(flags))
	if errno != 0 {
		return 0, errno
	}
	return int(id), nil
}

func semtimedop(id int, ops []sembuf, timeout *unix.Timespec) error {
	_, _, errno := unix.Syscall6(unix.SYS_SEMTIMEDOP,
		uintptr(id),
		uintptr(unsafe.Pointer(&ops[0])),
		uintptr(len(ops)),
		uintptr(unsafe.Pointer(timeout)),
		0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func semctl(id, cmd int, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(id), 0, uintptr(cmd), arg, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// mapErr folds the errnos that mean "someone removed it" into
// ErrRemoved while keeping the errno in the chain.
func mapErr(err error) error {
	if errors.Is(err, unix.EIDRM) || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("%w: %w", ErrRemoved, err)
	}
	return err
}
