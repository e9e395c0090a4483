// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by Vigil
// binaries: the exit code table and the pre-logger fatal path.
//
// A binary's main() calls run(), which returns an error. Errors that
// should map to a specific exit code are wrapped with Exit; Fatal picks
// the code back out with errors.As and writes the message to stderr,
// where it lands even if the structured logger never came up.
package process
