// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitRuntime     = 1
	ExitConfig      = 2
	ExitWorkerStart = 3
)

// ExitError carries the exit code an error should terminate with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// Exit wraps err so Fatal terminates with code. A nil err stays nil.
func Exit(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

// Code returns the exit code for err: ExitOK for nil, the wrapped code
// for an ExitError anywhere in the chain, ExitRuntime otherwise.
func Code(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitRuntime
}

// Report writes "error: err" to w and returns the exit code for err.
func Report(w io.Writer, err error) int {
	fmt.Fprintf(w, "error: %v\n", err)
	return Code(err)
}

// Fatal writes err to stderr and exits with its code. Use it in main()
// for errors from run(), where the structured logger may not exist.
func Fatal(err error) {
	os.Exit(Report(os.Stderr, err))
}
