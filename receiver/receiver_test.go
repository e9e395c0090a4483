// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"strings"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/vigil-ids/vigil/exporter"
	"github.com/vigil-ids/vigil/lib/testutil"
)

type record struct {
	sourceID uint32
	data     []byte
}

type fakeSubmitter struct {
	mu      sync.Mutex
	records []record
	err     error
}

func (f *fakeSubmitter) Submit(sourceID uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, record{sourceID: sourceID, data: bytes.Clone(data)})
	return nil
}

func (f *fakeSubmitter) received() []record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record(nil), f.records...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ipfixMessage(domain uint32, payload string) []byte {
	header := make([]byte, 16)
	binary.BigEndian.PutUint16(header[0:2], 10)
	binary.BigEndian.PutUint16(header[2:4], uint16(16+len(payload)))
	binary.BigEndian.PutUint32(header[12:16], domain)
	return append(header, payload...)
}

func serve(t *testing.T, submitter Submitter) (net.Addr, context.CancelFunc, <-chan error) {
	t.Helper()
	conn, err := Listen("udp4", "127.0.0.1:0", discardLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(submitter, discardLogger()).Serve(ctx, conn) }()
	return conn.LocalAddr(), cancel, done
}

func send(t *testing.T, addr net.Addr, datagrams ...[]byte) {
	t.Helper()
	conn, err := net.Dial("udp4", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	for _, datagram := range datagrams {
		if _, err := conn.Write(datagram); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
}

func TestServeSubmitsDatagrams(t *testing.T) {
	submitter := &fakeSubmitter{}
	addr, cancel, done := serve(t, submitter)

	send(t, addr, ipfixMessage(7, "first"), ipfixMessage(9, "second"))
	testutil.Eventually(t, 5*time.Second, func() bool { return len(submitter.received()) == 2 },
		"both datagrams submitted")

	records := submitter.received()
	if records[0].sourceID != 7 || records[1].sourceID != 9 {
		t.Errorf("source ids = %d %d, want 7 9", records[0].sourceID, records[1].sourceID)
	}
	if !bytes.HasSuffix(records[1].data, []byte("second")) || len(records[1].data) != 22 {
		t.Errorf("second record = %q", records[1].data)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Serve return"); err != nil {
		t.Errorf("Serve after cancel = %v, want nil", err)
	}
}

func TestServeStopsWhenExporterCloses(t *testing.T) {
	submitter := &fakeSubmitter{err: exporter.ErrClosed}
	addr, cancel, done := serve(t, submitter)
	defer cancel()

	send(t, addr, ipfixMessage(1, "late"))
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Serve return"); err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
}

// brokenConn fails every read with the same error until closed.
type brokenConn struct {
	net.PacketConn
	reads  atomic.Int64
	closed atomic.Bool
}

func (c *brokenConn) ReadFrom([]byte) (int, net.Addr, error) {
	c.reads.Add(1)
	if c.closed.Load() {
		return 0, nil, net.ErrClosed
	}
	return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: syscall.ENOBUFS}
}

func (c *brokenConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *brokenConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4739}
}

// lockedBuffer collects log output written from the Serve goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServeThrottlesPersistentReadErrors(t *testing.T) {
	conn := &brokenConn{}
	var logs lockedBuffer
	receiver := New(&fakeSubmitter{}, slog.New(slog.NewTextHandler(&logs, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- receiver.Serve(ctx, conn) }()

	testutil.Eventually(t, 10*time.Second, func() bool { return conn.reads.Load() >= 5 },
		"repeated reads on the broken socket")
	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Serve return"); err != nil {
		t.Errorf("Serve after cancel = %v, want nil", err)
	}

	if got := strings.Count(logs.String(), "reading datagram"); got != 1 {
		t.Errorf("logged %d read failures for %d reads, want 1:\n%s", got, conn.reads.Load(), logs.String())
	}
}
