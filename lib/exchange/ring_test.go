// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/vigil-ids/vigil/lib/seqnum"
)

func record(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func TestRingRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	c := NewRingChannel(buf, nil)

	var handles []Handle
	seq := seqnum.Must(0)
	for i, payload := range [][]byte{[]byte("alpha"), []byte("bravo!"), []byte("c")} {
		h, err := c.Write(seq, payload)
		if err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		handles = append(handles, h)
		seq.Inc()
	}

	var got []string
	err := RingReader{Buf: buf}.Records(seqnum.Must(0), seq, c.ReadOffset(), func(_ seqnum.Counter, data []byte) error {
		got = append(got, string(data))
		return nil
	})
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	want := []string{"alpha", "bravo!", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("records = %q, want %q", got, want)
	}

	for _, h := range handles {
		if err := c.Release(h); err != nil {
			t.Fatalf("Release(%d): %v", h.Offset, err)
		}
	}
	if err := c.Release(handles[0]); !errors.Is(err, ErrNothingToRelease) {
		t.Errorf("Release on empty ring = %v, want ErrNothingToRelease", err)
	}
}

func TestRingRejectsEmptyAndOversize(t *testing.T) {
	r := NewRing(make([]byte, 16))
	if _, err := r.TryWrite(nil); !errors.Is(err, ErrEmptyRecord) {
		t.Errorf("empty record = %v, want ErrEmptyRecord", err)
	}
	if _, err := r.TryWrite(record(15, 'x')); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("15-byte record in 16-byte ring = %v, want ErrRecordTooLarge", err)
	}
	if _, err := r.TryWrite(record(14, 'x')); err != nil {
		t.Errorf("14-byte record in 16-byte ring: %v", err)
	}
}

func TestRingOverrunDropsWithoutOverwrite(t *testing.T) {
	buf := make([]byte, 32)
	r := NewRing(buf)

	// Two 10-byte records occupy [0, 24).
	first, err := r.TryWrite(record(10, 'a'))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := r.TryWrite(record(10, 'b')); err != nil {
		t.Fatalf("second write: %v", err)
	}
	// Tail has 8 bytes, front has none free.
	if _, err := r.TryWrite(record(10, 'c')); !errors.Is(err, ErrOverrun) {
		t.Fatalf("third write = %v, want ErrOverrun", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len after overrun = %d, want 2", r.Len())
	}
	if !bytes.Equal(buf[2:12], record(10, 'a')) {
		t.Error("overrun modified the oldest record")
	}

	// Releasing the first record frees [0, 12), enough for the wrap.
	if err := r.Release(first); err != nil {
		t.Fatalf("Release: %v", err)
	}
	offset, err := r.TryWrite(record(10, 'c'))
	if err != nil {
		t.Fatalf("write after release: %v", err)
	}
	if offset != 0 {
		t.Errorf("wrapped record at %d, want 0", offset)
	}
	// The tail of the second record must keep its wrap sentinel.
	if buf[24] != 0 || buf[25] != 0 {
		t.Errorf("no wrap sentinel at 24: % x", buf[24:26])
	}
	// A wrapped writer cannot pass the reader.
	if _, err := r.TryWrite(record(1, 'd')); !errors.Is(err, ErrOverrun) {
		t.Errorf("write into reader = %v, want ErrOverrun", err)
	}
}

// The reader follows the writer across the wrap point using only the
// published offset of the oldest record.
func TestRingReaderFollowsWrap(t *testing.T) {
	buf := make([]byte, 40)
	c := NewRingChannel(buf, nil)

	write := func(seq int, payload string) Handle {
		t.Helper()
		h, err := c.Write(seqnum.Must(seq), []byte(payload))
		if err != nil {
			t.Fatalf("Write %d: %v", seq, err)
		}
		return h
	}

	h0 := write(0, "0123456789")        // [0, 12)
	h1 := write(1, "0123456789")        // [12, 24)
	write(2, "0123456789")              // [24, 36)
	if err := c.Release(h0); err != nil { // read = 12
		t.Fatalf("Release h0: %v", err)
	}
	if err := c.Release(h1); err != nil { // read = 24
		t.Fatalf("Release h1: %v", err)
	}
	h3 := write(3, "wrapped!") // needs 10, tail has 4: wraps to 0
	if h3.Offset != 0 {
		t.Fatalf("h3 offset = %d, want 0", h3.Offset)
	}

	var got []string
	err := RingReader{Buf: buf}.Records(seqnum.Must(2), seqnum.Must(4), c.ReadOffset(), func(_ seqnum.Counter, data []byte) error {
		got = append(got, string(data))
		return nil
	})
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(got) != 2 || got[0] != "0123456789" || got[1] != "wrapped!" {
		t.Errorf("records = %q", got)
	}
}

// Filling the tail exactly leaves no room for a sentinel; readers must
// wrap on the short tail alone.
func TestRingExactTailWrap(t *testing.T) {
	buf := make([]byte, 24)
	r := NewRing(buf)
	a, _ := r.TryWrite(record(10, 'a')) // [0, 12)
	if _, err := r.TryWrite(record(10, 'b')); err != nil { // [12, 24)
		t.Fatalf("write b: %v", err)
	}
	if err := r.Release(a); err != nil {
		t.Fatalf("Release a: %v", err)
	}
	c, err := r.TryWrite(record(4, 'c'))
	if err != nil {
		t.Fatalf("write c: %v", err)
	}
	if c != 0 {
		t.Errorf("c offset = %d, want 0", c)
	}
	if err := r.Release(12); err != nil {
		t.Fatalf("Release b: %v", err)
	}
	if err := r.Release(0); err != nil {
		t.Fatalf("Release c after implicit wrap: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRingReleaseOutOfOrder(t *testing.T) {
	r := NewRing(make([]byte, 32))
	r.TryWrite(record(4, 'a'))
	second, _ := r.TryWrite(record(4, 'b'))
	if err := r.Release(second); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("releasing newest first = %v, want ErrOutOfOrder", err)
	}
}

// Round trip over many laps: every write that succeeds is read back
// intact, and every failure is a clean overrun.
func TestRingManyLaps(t *testing.T) {
	buf := make([]byte, 100)
	c := NewRingChannel(buf, nil)
	var pending []Handle
	var payloads [][]byte
	seq := seqnum.Must(0)
	oldest := seq

	for i := range 500 {
		payload := record(1+i%23, byte(i))
		h, err := c.Write(seq, payload)
		if errors.Is(err, ErrOverrun) {
			// Drain everything, checking contents on the way.
			index := 0
			err := RingReader{Buf: buf}.Records(oldest, seq, c.ReadOffset(), func(_ seqnum.Counter, data []byte) error {
				if !bytes.Equal(data, payloads[index]) {
					return fmt.Errorf("record %d mismatch", index)
				}
				index++
				return nil
			})
			if err != nil {
				t.Fatalf("iteration %d: Records: %v", i, err)
			}
			for _, p := range pending {
				if err := c.Release(p); err != nil {
					t.Fatalf("iteration %d: Release: %v", i, err)
				}
			}
			pending, payloads = nil, nil
			oldest = seq
			continue
		}
		if err != nil {
			t.Fatalf("iteration %d: Write: %v", i, err)
		}
		pending = append(pending, h)
		payloads = append(payloads, payload)
		seq.Inc()
	}
}

func TestRingFree(t *testing.T) {
	c := NewRingChannel(make([]byte, 32), nil)
	if got := c.Free(); got != 32 {
		t.Errorf("Free on empty = %d, want 32", got)
	}
	c.Write(seqnum.Must(0), record(10, 'a'))
	if got := c.Free(); got != 20 {
		t.Errorf("Free after one record = %d, want 20", got)
	}
}

func TestRingChannelClose(t *testing.T) {
	closed := 0
	c := NewRingChannel(make([]byte, 32), func() error { closed++; return nil })
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	c.Close()
	if closed != 1 {
		t.Errorf("closer called %d times, want 1", closed)
	}
	if _, err := c.Write(seqnum.Must(0), []byte("x")); err == nil {
		t.Error("Write after Close succeeded")
	}
}
