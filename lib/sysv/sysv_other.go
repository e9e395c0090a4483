// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !(linux && (amd64 || arm64))

package sysv

import "time"

func CreateSemaphore(startKey int) (*Semaphore, error) { return nil, ErrUnsupported }

func OpenSemaphore(key int) (*Semaphore, error) { return nil, ErrUnsupported }

func (s *Semaphore) Add(n int) error { return ErrUnsupported }

func (s *Semaphore) WaitZero(timeout time.Duration) error { return ErrUnsupported }

func (s *Semaphore) Decrement(timeout time.Duration) error { return ErrUnsupported }

func (s *Semaphore) Value() (int, error) { return 0, ErrUnsupported }

func (s *Semaphore) Remove() error { return ErrUnsupported }

func CreateSegment(startKey, size int) (*Segment, error) { return nil, ErrUnsupported }

func OpenSegment(key int, readOnly bool) (*Segment, error) { return nil, ErrUnsupported }

func (s *Segment) Detach() error { return ErrUnsupported }

func (s *Segment) Remove() error { return ErrUnsupported }
