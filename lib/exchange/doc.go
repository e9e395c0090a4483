// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package exchange moves raw flow records from the collector to its
// detection modules.
//
// Two Channel implementations share one contract: the collector writes
// each record under its sequence number and receives a Handle, and
// later releases handles strictly in write order once every module has
// finished with them. Modules never write; they read records in the
// published range using FileReader or RingReader.
//
// FileChannel stores each record in its own file, named by sequence
// number, inside a packet directory. RingChannel stores records in a
// fixed-size byte arena (normally a shared memory segment) laid out as
// a ring of length-prefixed records:
//
//	+--------+---------------+--------+-------------+-----+
//	| len(2) | payload (len) | len(2) | payload ... | 0 0 |  <- wrap sentinel
//	+--------+---------------+--------+-------------+-----+
//
// Lengths are uint16 in native byte order; both ends run on the same
// host. A zero length marks the rest of the arena as unused, and so
// does a tail shorter than two bytes. The ring never overwrites an
// unreleased record: a write that does not fit fails with ErrOverrun
// and the record is dropped.
package exchange
