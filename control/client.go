// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/vigil-ids/vigil/lib/codec"
	"github.com/vigil-ids/vigil/lib/ipc"
)

// ErrRejected wraps the error text of a response with OK false.
var ErrRejected = errors.New("control request rejected")

// Call sends request to the control socket at socketPath and returns
// the response. A response with OK false becomes an ErrRejected error.
func Call(ctx context.Context, socketPath string, request ipc.Request) (ipc.Response, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return ipc.Response{}, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()
	}

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return ipc.Response{}, fmt.Errorf("sending %s request: %w", request.Action, err)
	}
	var response ipc.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return ipc.Response{}, fmt.Errorf("reading %s response: %w", request.Action, err)
	}
	if !response.OK {
		return response, fmt.Errorf("%w: %s", ErrRejected, response.Error)
	}
	return response, nil
}
