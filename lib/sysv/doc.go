// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package sysv wraps the System V IPC primitives the collector shares
// with its detection modules: single-counter semaphores and shared
// memory segments.
//
// Both are addressed by integer keys that the collector hands to each
// module during bootstrap. The collector creates resources with
// CreateSemaphore and CreateSegment, which probe upward from a starting
// key until the kernel accepts an exclusive create. Modules open the
// same resources with OpenSemaphore and OpenSegment.
//
// Semaphore operations go through semget, semtimedop, and semctl
// directly. Only 64-bit Linux exposes these as individual syscalls, so
// on every other platform the constructors return ErrUnsupported.
package sysv
