// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies socket errors for the collector's
// listeners.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedClose reports whether err only says that one end of a
// connection went away: EOF, a closed socket, a broken pipe, or a
// reset. Control clients that time out or hang up mid-request produce
// these, and they are not worth more than a debug line.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
