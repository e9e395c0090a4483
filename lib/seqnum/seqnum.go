// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package seqnum

import (
	"errors"
	"fmt"
	"strconv"
)

// Max is the modulus of every Counter. Values are always in [0, Max).
const Max = 100000

// ErrOutOfRange is returned when a value at or above Max is assigned.
var ErrOutOfRange = errors.New("sequence number out of range")

// Counter is a sequence number modulo Max. The zero value is 0.
type Counter struct {
	value uint32
}

// New returns a Counter holding v. It fails with ErrOutOfRange when
// v is negative or not below Max.
func New(v int) (Counter, error) {
	var c Counter
	if err := c.Set(v); err != nil {
		return Counter{}, err
	}
	return c, nil
}

// Must is like New but panics on an out-of-range value. Use it only
// for constants and values already known to be in range.
func Must(v int) Counter {
	c, err := New(v)
	if err != nil {
		panic(err)
	}
	return c
}

// Set assigns v. On failure the counter is left unchanged.
func (c *Counter) Set(v int) error {
	if v < 0 || v >= Max {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, v, Max)
	}
	c.value = uint32(v)
	return nil
}

// Value returns the counter as an int in [0, Max).
func (c Counter) Value() int { return int(c.value) }

// Uint32 returns the counter in the width used by the notification
// block.
func (c Counter) Uint32() uint32 { return c.value }

// Inc advances the counter by one, wrapping from Max-1 to 0.
func (c *Counter) Inc() {
	c.value++
	if c.value == Max {
		c.value = 0
	}
}

// Dec moves the counter back by one, wrapping from 0 to Max-1.
func (c *Counter) Dec() {
	if c.value == 0 {
		c.value = Max - 1
		return
	}
	c.value--
}

// Add returns the counter advanced by n, which may be negative.
func (c Counter) Add(n int) Counter {
	v := (int(c.value) + n%Max + Max) % Max
	return Counter{value: uint32(v)}
}

// Sub returns the forward distance from other to c: the number of Inc
// calls that take other to c. The result is in [0, Max).
func (c Counter) Sub(other Counter) int {
	return (int(c.value) - int(other.value) + Max) % Max
}

// Next returns the counter advanced by one without modifying c.
func (c Counter) Next() Counter {
	c.Inc()
	return c
}

// String renders the decimal value. File channel record names use this
// form.
func (c Counter) String() string { return strconv.FormatUint(uint64(c.value), 10) }

// FromUint32 converts a value read from shared memory, reducing it
// modulo Max so that a torn or corrupted read cannot produce an
// out-of-range counter.
func FromUint32(v uint32) Counter {
	return Counter{value: v % Max}
}
