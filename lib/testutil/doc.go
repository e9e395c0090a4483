// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the collector's tests:
// bounded waits on channels and conditions, and short socket
// directories.
//
// These helpers are the only test code allowed to read the real clock.
// Everything under test takes a clock.Clock; the real-time bounds here
// exist only so a broken test fails instead of hanging.
package testutil
