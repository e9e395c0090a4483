// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import "fmt"

// State is a worker's lifecycle state.
type State int

const (
	// NotRunning is a registered worker that has not been started.
	NotRunning State = iota
	// Running workers are notified every cycle.
	Running
	// Crashed workers exited abnormally and await restart or removal.
	Crashed
	// Remove is terminal. The worker is erased at the start of the next
	// cycle.
	Remove
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "not_running"
	case Running:
		return "running"
	case Crashed:
		return "crashed"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CanTransition reports whether the state machine allows moving from s
// to next.
func (s State) CanTransition(next State) bool {
	switch s {
	case NotRunning:
		return next == Running || next == Remove
	case Running:
		return next == Crashed || next == Remove
	case Crashed:
		return next == Running || next == Remove
	default:
		return false
	}
}
