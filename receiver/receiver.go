// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package receiver accepts raw flow export datagrams over UDP and hands
// each one to the exporter unchanged. It does not decode them beyond
// reading the source id from the message header.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/vigil-ids/vigil/exporter"
	"github.com/vigil-ids/vigil/lib/exchange"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// socketBufferSize is requested for the receive buffer; collectors see
// bursts when many exporters flush at once.
const socketBufferSize = 2 << 20

// readErrorBackoff is the pause after a failed read, so a socket stuck
// in an error state does not spin.
const readErrorBackoff = 10 * time.Millisecond

// Submitter accepts records. *exporter.Exporter satisfies it.
type Submitter interface {
	Submit(sourceID uint32, data []byte) error
}

// Receiver reads datagrams and submits them.
type Receiver struct {
	submitter  Submitter
	logger     *slog.Logger
	readErrors rate.Sometimes
}

// New returns a Receiver that submits to submitter.
func New(submitter Submitter, logger *slog.Logger) *Receiver {
	return &Receiver{
		submitter:  submitter,
		logger:     logger,
		readErrors: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Listen binds a UDP socket. A refused receive buffer size is logged
// and otherwise ignored.
func Listen(network, address string, logger *slog.Logger) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("resolving %s address %s: %w", network, address, err)
	}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s %s: %w", network, address, err)
	}
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		logger.Warn("could not set UDP receive buffer size", "buffer_size", socketBufferSize, "error", err)
	}
	return conn, nil
}

// Serve reads from conn until ctx is done or the exporter closes. conn
// is closed on return.
func (r *Receiver) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	r.logger.Info("receiving records", "address", conn.LocalAddr().String())
	buffer := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			r.readErrors.Do(func() {
				r.logger.Warn("reading datagram", "error", err)
			})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readErrorBackoff):
			}
			continue
		}

		// The channel copies the record, so the read buffer is reused.
		err = r.submitter.Submit(exchange.SourceID(buffer[:n]), buffer[:n])
		switch {
		case err == nil:
		case errors.Is(err, exporter.ErrClosed):
			return nil
		default:
			// Counted and logged by the exporter.
			r.logger.Debug("record dropped", "from", from.String(), "length", n, "error", err)
		}
	}
}
