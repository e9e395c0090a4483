// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vigil-ids/vigil/lib/clock"
	"github.com/vigil-ids/vigil/lib/seqnum"
)

// FileChannel writes each record to <dir>/<sequence>. The file holds
// the uint16 length prefix followed by the payload, so a module can
// validate what it read.
type FileChannel struct {
	dir   string
	clock clock.Clock

	mu      sync.Mutex
	written []fileRecord // FIFO, oldest first
}

type fileRecord struct {
	seq     seqnum.Counter
	path    string
	written time.Time
}

// NewFileChannel prepares dir (creating it if needed) and removes any
// regular files left behind by a previous run.
func NewFileChannel(dir string, clk clock.Clock) (*FileChannel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating packet directory: %w", err)
	}
	if err := cleanDir(dir); err != nil {
		return nil, err
	}
	return &FileChannel{dir: dir, clock: clk}, nil
}

func (c *FileChannel) Style() Style { return Files }

// Dir returns the packet directory sent to modules.
func (c *FileChannel) Dir() string { return c.dir }

func (c *FileChannel) Write(seq seqnum.Counter, data []byte) (Handle, error) {
	if len(data) == 0 {
		return Handle{}, ErrEmptyRecord
	}
	if len(data) > MaxRecordLength {
		return Handle{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(data))
	}

	buf := make([]byte, recordHeader+len(data))
	binary.NativeEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[recordHeader:], data)

	path := RecordPath(c.dir, seq)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		os.Remove(path)
		return Handle{}, fmt.Errorf("writing record %s: %w", seq, err)
	}

	c.mu.Lock()
	c.written = append(c.written, fileRecord{seq: seq, path: path, written: c.clock.Now()})
	c.mu.Unlock()
	return Handle{Sequence: seq, Length: len(data)}, nil
}

func (c *FileChannel) Release(h Handle) error {
	c.mu.Lock()
	if len(c.written) == 0 {
		c.mu.Unlock()
		return ErrNothingToRelease
	}
	oldest := c.written[0]
	if oldest.seq != h.Sequence {
		c.mu.Unlock()
		return fmt.Errorf("%w: oldest is %s, got %s", ErrOutOfOrder, oldest.seq, h.Sequence)
	}
	c.written = c.written[1:]
	c.mu.Unlock()

	if err := os.Remove(oldest.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing record %s: %w", oldest.seq, err)
	}
	return nil
}

func (c *FileChannel) ReadOffset() int { return 0 }

// OldestAge reports how long the oldest outstanding record has been
// waiting, or zero when nothing is outstanding.
func (c *FileChannel) OldestAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return 0
	}
	return c.clock.Now().Sub(c.written[0].written)
}

// Close removes every record file in the directory, outstanding or
// not. The directory itself is kept.
func (c *FileChannel) Close() error {
	c.mu.Lock()
	c.written = nil
	c.mu.Unlock()
	return cleanDir(c.dir)
}

// RecordPath returns the file holding record seq in dir.
func RecordPath(dir string, seq seqnum.Counter) string {
	return filepath.Join(dir, seq.String())
}

func cleanDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading packet directory: %w", err)
	}
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleaning packet directory: %w", errors.Join(errs...))
	}
	return nil
}
