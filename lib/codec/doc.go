// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the one CBOR configuration Vigil uses on its local
// sockets. Encoding is Core Deterministic (RFC 8949 §4.2), so the same
// value always produces the same bytes.
//
// Buffers:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Streams:
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Types that only travel as CBOR carry `cbor` struct tags.
package codec
