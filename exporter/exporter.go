// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package exporter is the producer side of the collector's record
// fan-out. The receiver hands every raw record to Submit; the
// supervisor calls Publish before notifying modules and
// AcknowledgeUpTo once they are done.
//
// The exporter owns the exchange channel, the packet store, and the
// notification block, and is the only code that writes the block.
package exporter

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vigil-ids/vigil/lib/exchange"
	"github.com/vigil-ids/vigil/lib/handshake"
	"github.com/vigil-ids/vigil/lib/metering"
	"github.com/vigil-ids/vigil/lib/notifyblock"
	"github.com/vigil-ids/vigil/lib/packetstore"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("exporter closed")

// Config assembles an Exporter from already allocated parts. Open
// allocates them from System V IPC; tests build them over heap memory.
type Config struct {
	Channel exchange.Channel
	Block   *notifyblock.Block
	Store   *packetstore.Store

	// BlockKey and Dir are advertised to modules in the handshake.
	BlockKey int
	Dir      string
	// Context is the optional third handshake line.
	Context string

	// Wake is called after every successful Submit. It must not block.
	Wake func()

	Metrics *metering.Metrics
	Logger  *slog.Logger

	// Closers run after the channel is closed, in order.
	Closers []func() error
}

// Exporter is safe for concurrent use by one producer and the
// supervisor.
type Exporter struct {
	channel  exchange.Channel
	block    *notifyblock.Block
	store    *packetstore.Store
	init     handshake.Init
	wake     func()
	metrics  *metering.Metrics
	logger   *slog.Logger
	closers  []func() error
	dropLogs rate.Sometimes

	// mu serializes Submit against Publish and AcknowledgeUpTo so the
	// store range and the ring offset are always read as a pair.
	mu       sync.Mutex
	sourceID uint32
	closed   bool
}

// Status is a point-in-time view for the control socket.
type Status struct {
	Style       string `cbor:"style"`
	Oldest      int    `cbor:"oldest"`
	Newest      int    `cbor:"newest"`
	Outstanding int    `cbor:"outstanding"`
	SourceID    uint32 `cbor:"source_id"`
}

// New builds an Exporter. Channel, Block, Store, Metrics, and Logger
// are required.
func New(config Config) *Exporter {
	wake := config.Wake
	if wake == nil {
		wake = func() {}
	}
	dir := ""
	if config.Channel.Style() == exchange.Files {
		dir = config.Dir
	}
	return &Exporter{
		channel: config.Channel,
		block:   config.Block,
		store:   config.Store,
		init: handshake.Init{
			BlockKey: config.BlockKey,
			Style:    config.Channel.Style(),
			Dir:      dir,
			Context:  config.Context,
		},
		wake:     wake,
		metrics:  config.Metrics,
		logger:   config.Logger,
		closers:  config.Closers,
		dropLogs: rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// Submit writes one record and wakes the supervisor. A record that
// cannot be stored is dropped: the error is returned and counted, and
// the store does not advance.
func (e *Exporter) Submit(sourceID uint32, data []byte) error {
	e.metrics.RecordsReceived.Inc()

	e.mu.Lock()
	err := e.submitLocked(sourceID, data)
	e.mu.Unlock()

	if err != nil {
		reason := dropReason(err)
		e.metrics.RecordDrop(reason)
		e.dropLogs.Do(func() {
			e.logger.Warn("dropping record",
				"reason", reason,
				"source_id", sourceID,
				"length", len(data),
				"error", err,
			)
		})
		return err
	}
	e.metrics.RecordsSubmitted.Inc()
	e.metrics.Outstanding.Set(float64(e.store.Len()))
	e.wake()
	return nil
}

func (e *Exporter) submitLocked(sourceID uint32, data []byte) error {
	if e.closed {
		return ErrClosed
	}
	if e.store.Full() {
		return packetstore.ErrFull
	}
	handle, err := e.channel.Write(e.store.Next(), data)
	if err != nil {
		return err
	}
	if err := e.store.Push(handle); err != nil {
		return fmt.Errorf("recording written record: %w", err)
	}
	e.sourceID = sourceID
	return nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, exchange.ErrOverrun):
		return metering.DropOverrun
	case errors.Is(err, exchange.ErrRecordTooLarge):
		return metering.DropTooLarge
	case errors.Is(err, exchange.ErrEmptyRecord):
		return metering.DropEmpty
	case errors.Is(err, packetstore.ErrFull):
		return metering.DropStoreFull
	default:
		return metering.DropWriteError
	}
}

// Publish writes every unreleased record into the notification block
// as the range modules should read, and returns it. Call it
// immediately before notifying modules.
func (e *Exporter) Publish() notifyblock.Range {
	e.mu.Lock()
	defer e.mu.Unlock()
	oldest, newest := e.store.Range()
	published := notifyblock.Range{
		SourceID:      e.sourceID,
		From:          oldest,
		To:            newest,
		StorageOffset: e.channel.ReadOffset(),
	}
	e.block.Publish(published)
	return published
}

// AcknowledgeUpTo releases the count oldest records, normally the
// length of the last published range, and moves the block's range
// start past them.
func (e *Exporter) AcknowledgeUpTo(count int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.store.Release(count, e.channel.Release)
	if errors.Is(err, packetstore.ErrOverRelease) {
		return err
	}
	oldest, _ := e.store.Range()
	e.block.Advance(oldest, e.channel.ReadOffset())
	e.metrics.RecordsReleased.Add(float64(count))
	e.metrics.Outstanding.Set(float64(e.store.Len()))
	if err != nil {
		return fmt.Errorf("releasing records: %w", err)
	}
	return nil
}

// Bootstrap returns the handshake for a new module, minus its
// semaphore key.
func (e *Exporter) Bootstrap() handshake.Init { return e.init }

// Status reports the store range and the channel style.
func (e *Exporter) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	oldest, newest := e.store.Range()
	return Status{
		Style:       e.channel.Style().String(),
		Oldest:      oldest.Value(),
		Newest:      newest.Value(),
		Outstanding: newest.Sub(oldest),
		SourceID:    e.sourceID,
	}
}

// Close stops accepting records and frees the channel storage and the
// notification block. Every step runs even if an earlier one fails.
func (e *Exporter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if err := e.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing exchange channel: %w", err))
	}
	for _, closer := range e.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
