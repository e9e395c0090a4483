// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR messages of the collector's control
// socket. The collector's control server and the vigil-collector
// client subcommands both import it, so the wire types exist once.
//
// One connection carries one Request and one Response.
package ipc
