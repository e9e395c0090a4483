// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	PID int
	// Code is the exit status, or -1 when the process was killed by a
	// signal or could not be waited for.
	Code int
	// Signal names the terminating signal, if any.
	Signal string
	// Err is a wait failure unrelated to the exit status.
	Err error
}

// Clean reports a voluntary exit with status zero.
func (e ExitStatus) Clean() bool { return e.Code == 0 && e.Signal == "" && e.Err == nil }

// Process is a started worker.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
}

// Spawner starts worker processes. Spawn writes bootstrap to the new
// process's stdin, closes it, and arranges for onExit to be called
// exactly once, from any goroutine, when the process ends.
type Spawner interface {
	Spawn(path string, args []string, bootstrap []byte, onExit func(ExitStatus)) (Process, error)
}

// ExecSpawner starts workers with os/exec. Worker stdout and stderr go
// to the given writers, normally the collector's own stderr.
type ExecSpawner struct {
	Stdout io.Writer
	Stderr io.Writer
	// Env, when non-nil, replaces the collector's environment.
	Env []string
	// Logger, if set, records each spawned pid at debug level and
	// failures to clean up after an aborted start.
	Logger *slog.Logger
}

func (s *ExecSpawner) Spawn(path string, args []string, bootstrap []byte, onExit func(ExitStatus)) (Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.Env = s.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe for %s: %w", path, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}

	_, writeErr := stdin.Write(bootstrap)
	closeErr := stdin.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		s.abandon(cmd, path)
		return nil, fmt.Errorf("writing bootstrap to %s: %w", path, err)
	}

	pid := cmd.Process.Pid
	if s.Logger != nil {
		s.Logger.Debug("module process spawned", "module", path, "pid", pid, "args", args)
	}
	go func() {
		onExit(exitStatus(pid, cmd.Wait()))
	}()
	return execProcess{cmd.Process}, nil
}

// abandon kills and reaps a process whose bootstrap could not be
// delivered. An exit status is expected from Wait after the kill; any
// other failure is logged.
func (s *ExecSpawner) abandon(cmd *exec.Cmd, path string) {
	pid := cmd.Process.Pid
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.warn("killing module after failed bootstrap", "module", path, "pid", pid, "error", err)
	}
	var exitErr *exec.ExitError
	if err := cmd.Wait(); err != nil && !errors.As(err, &exitErr) {
		s.warn("reaping module after failed bootstrap", "module", path, "pid", pid, "error", err)
	}
}

func (s *ExecSpawner) warn(msg string, args ...any) {
	if s.Logger != nil {
		s.Logger.Warn(msg, args...)
	}
}

func exitStatus(pid int, waitErr error) ExitStatus {
	status := ExitStatus{PID: pid}
	if waitErr == nil {
		return status
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		status.Code = -1
		status.Err = waitErr
		return status
	}
	status.Code = exitErr.ExitCode()
	if waitStatus, ok := exitErr.Sys().(syscall.WaitStatus); ok && waitStatus.Signaled() {
		status.Signal = waitStatus.Signal().String()
	}
	return status
}

type execProcess struct {
	process *os.Process
}

func (p execProcess) PID() int { return p.process.Pid }

func (p execProcess) Signal(sig os.Signal) error { return p.process.Signal(sig) }
