// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package control serves the collector's local control socket.
//
// The socket is a Unix stream socket carrying one CBOR [ipc.Request]
// and one CBOR [ipc.Response] per connection. It answers status and
// list-workers from live collector state, and stop-worker terminates a
// module the same way an eviction does: the module is marked for
// removal, sent SIGTERM, and never restarted.
//
// [Call] is the client side, used by the vigil-collector status and
// workers subcommands.
package control
