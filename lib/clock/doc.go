// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The supervisor's dead-man timer, the cycle duration metrics, and the
// file channel's record timestamps all take a Clock instead of calling
// the time package. Production code passes Real(). Tests pass Fake(),
// whose time moves only when the test calls Advance:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go supervisor.Cycle()
//	c.WaitForTimers(1)      // the cycle has armed its kill timer
//	c.Advance(30 * time.Second)
//
// WaitForTimers closes the race between a goroutine registering a timer
// and the test advancing past it.
package clock
