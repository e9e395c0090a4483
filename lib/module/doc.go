// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package module is the worker side of the collector protocol, for
// detection modules written in Go.
//
// A module is started by the collector with the handshake on stdin:
//
//	session, err := module.Attach(os.Stdin)
//	...
//	for {
//		batch, err := session.Next(ctx)
//		if err != nil {
//			break
//		}
//		batch.Each(func(seq seqnum.Counter, sourceID uint32, data []byte) error {
//			...
//		})
//		batch.Done()
//	}
//
// Each notification gives the module's semaphore two units. Next takes
// the first when records are published; Done takes the second, which
// tells the collector this module has finished with the batch. A module
// that does not call Done before the collector's kill time is
// terminated.
package module
