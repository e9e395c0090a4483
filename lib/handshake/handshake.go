// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshake encodes the bootstrap message the collector writes
// to a module's stdin before closing it:
//
//	<semaphore-key> <shared-memory-key> <USE_FILES|USE_SHM>
//	<packet-directory-or-dummy_string>
//	[<context>]
//
// The shared memory key names the notification block. The second line
// is the packet directory for file exchange and the placeholder
// "dummy_string" otherwise. The optional third line carries the
// collector instance identifier.
package handshake

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vigil-ids/vigil/lib/exchange"
)

// NoDirectory is sent in place of the packet directory when records
// travel through shared memory.
const NoDirectory = "dummy_string"

// ErrMalformed is returned for input that is not a handshake.
var ErrMalformed = errors.New("handshake: malformed")

// Init is everything a module needs to attach to the collector.
type Init struct {
	SemaphoreKey int
	BlockKey     int
	Style        exchange.Style
	// Dir is the packet directory. Empty unless Style is Files.
	Dir     string
	Context string
}

// Encode writes the handshake.
func (in Init) Encode(w io.Writer) error {
	dir := in.Dir
	if in.Style != exchange.Files || dir == "" {
		dir = NoDirectory
	}
	if strings.ContainsAny(dir, "\n") || strings.ContainsAny(in.Context, "\n") {
		return fmt.Errorf("%w: newline in directory or context", ErrMalformed)
	}
	message := fmt.Sprintf("%d %d %s\n%s\n", in.SemaphoreKey, in.BlockKey, in.Style, dir)
	if in.Context != "" {
		message += in.Context + "\n"
	}
	if _, err := io.WriteString(w, message); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	return nil
}

// Bytes returns the encoded handshake.
func (in Init) Bytes() ([]byte, error) {
	var b strings.Builder
	if err := in.Encode(&b); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// Decode reads a handshake from r until EOF.
func Decode(r io.Reader) (Init, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Init{}, fmt.Errorf("reading handshake: %w", err)
	}
	if len(lines) < 2 {
		return Init{}, fmt.Errorf("%w: %d lines, want at least 2", ErrMalformed, len(lines))
	}

	fields := strings.Fields(lines[0])
	if len(fields) != 3 {
		return Init{}, fmt.Errorf("%w: first line %q", ErrMalformed, lines[0])
	}
	var in Init
	var err error
	if in.SemaphoreKey, err = strconv.Atoi(fields[0]); err != nil {
		return Init{}, fmt.Errorf("%w: semaphore key: %w", ErrMalformed, err)
	}
	if in.BlockKey, err = strconv.Atoi(fields[1]); err != nil {
		return Init{}, fmt.Errorf("%w: shared memory key: %w", ErrMalformed, err)
	}
	if in.Style, err = exchange.ParseStyle(fields[2]); err != nil {
		return Init{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if in.Style == exchange.Files {
		in.Dir = lines[1]
	}
	if len(lines) > 2 {
		in.Context = lines[2]
	}
	return in, nil
}
