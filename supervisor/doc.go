// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor starts the collector's detection modules, tells
// them when new records are ready, and keeps them alive.
//
// The Registry owns one Worker per configured module: its process, its
// private semaphore, and its lifecycle State. The Supervisor runs the
// notification cycle. Each time the exporter wakes it, the supervisor
// publishes the outstanding record range, adds two units to every
// running worker's semaphore, and waits for all of them to drain to
// zero. A worker takes one unit when it starts reading and the other
// when it is finished. Workers that have not finished when the kill
// timer fires are evicted: terminated and never restarted. Once every
// worker has finished or been evicted, the whole range is released.
//
// Process exits arrive asynchronously from the spawner's reap
// goroutines and are queued on the registry. The supervisor applies
// them between semaphore polls: a clean exit removes the worker, a
// crash restarts it (after the current cycle) when restart on crash is
// enabled.
//
//	NotRunning ──start──▶ Running ──crash──▶ Crashed ──restart──▶ Running
//	                         │                  │
//	                         └──exit 0/evict──▶ Remove ◀──no restart──┘
package supervisor
