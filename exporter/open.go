// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/vigil-ids/vigil/lib/clock"
	"github.com/vigil-ids/vigil/lib/exchange"
	"github.com/vigil-ids/vigil/lib/metering"
	"github.com/vigil-ids/vigil/lib/notifyblock"
	"github.com/vigil-ids/vigil/lib/packetstore"
	"github.com/vigil-ids/vigil/lib/seqnum"
	"github.com/vigil-ids/vigil/lib/sysv"
)

// Options configures Open.
type Options struct {
	Style exchange.Style
	// PacketDir holds record files when Style is Files.
	PacketDir string
	// RingSize is the shared memory ring size when Style is
	// SharedMemory.
	RingSize int
	// KeyBase is where the System V key search starts. The block gets
	// the first free key at or above it, the ring the next one.
	KeyBase int
	Context string
	Wake    func()

	Clock   clock.Clock
	Metrics *metering.Metrics
	Logger  *slog.Logger
}

// Open allocates the notification block and the exchange storage in
// System V shared memory (or the packet directory) and returns the
// exporter that owns them. On error everything allocated so far is
// released.
func Open(opts Options) (exp *Exporter, err error) {
	var cleanup []func() error
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	blockSegment, err := sysv.CreateSegment(opts.KeyBase, notifyblock.Size)
	if err != nil {
		return nil, fmt.Errorf("allocating notification block: %w", err)
	}
	releaseBlock := segmentCloser(blockSegment)
	cleanup = append(cleanup, releaseBlock)

	storage := notifyblock.Storage{Style: opts.Style}
	var channel exchange.Channel
	switch opts.Style {
	case exchange.Files:
		files, err := exchange.NewFileChannel(opts.PacketDir, opts.Clock)
		if err != nil {
			return nil, err
		}
		channel = files
	case exchange.SharedMemory:
		ringSegment, err := sysv.CreateSegment(blockSegment.Key()+1, opts.RingSize)
		if err != nil {
			return nil, fmt.Errorf("allocating record ring: %w", err)
		}
		releaseRing := segmentCloser(ringSegment)
		cleanup = append(cleanup, releaseRing)
		storage.Key = ringSegment.Key()
		storage.Size = ringSegment.Size()
		channel = exchange.NewRingChannel(ringSegment.Bytes(), releaseRing)
	default:
		return nil, fmt.Errorf("unknown exchange style %v", opts.Style)
	}

	start := seqnum.Must(0)
	block, err := notifyblock.Init(blockSegment.Bytes(), storage, start)
	if err != nil {
		return nil, err
	}

	opts.Logger.Info("exchange allocated",
		"style", opts.Style.String(),
		"block_key", blockSegment.Key(),
		"storage_key", storage.Key,
		"storage_size", storage.Size,
		"packet_dir", opts.PacketDir,
	)

	return New(Config{
		Channel:  channel,
		Block:    block,
		Store:    packetstore.New(start),
		BlockKey: blockSegment.Key(),
		Dir:      opts.PacketDir,
		Context:  opts.Context,
		Wake:     opts.Wake,
		Metrics:  opts.Metrics,
		Logger:   opts.Logger,
		Closers:  []func() error{releaseBlock},
	}), nil
}

// segmentCloser detaches and removes a segment. Removal still happens
// when detaching fails.
func segmentCloser(segment *sysv.Segment) func() error {
	return func() error {
		return errors.Join(segment.Detach(), segment.Remove())
	}
}
