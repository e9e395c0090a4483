// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries build information for Vigil binaries.
//
// The variables are injected with -ldflags -X, for example:
//
//	go build -ldflags "-X github.com/vigil-ids/vigil/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds and tests see "unknown" and "0.1.0-dev".
package version
