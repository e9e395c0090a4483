// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package seqnum provides the wrapping sequence counter used to number
// records between the collector and its detection modules.
//
// A Counter holds a value in [0, Max). Increment and decrement wrap
// around at the bounds, and the distance between two counters is always
// measured forward (modulo Max), so a consumer can compute how many
// records lie between "from" and "to" without caring whether the
// counter wrapped in between.
//
// The modulus is shared by every participant: the packet store, the
// file channel (which names record files by sequence number), and the
// notification block that workers read. Changing Max is a protocol
// change.
package seqnum
