// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/vigil-ids/vigil/lib/handshake"
	vtestutil "github.com/vigil-ids/vigil/lib/testutil"
)

const helperEnv = "VIGIL_SUPERVISOR_TEST_HELPER"

// TestMain lets the test binary double as a worker process: the
// spawner re-executes it with helperEnv set.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	switch mode {
	case "echo":
		bootstrap, err := handshake.Decode(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		fmt.Printf("%d %d %s %s\n", bootstrap.SemaphoreKey, bootstrap.BlockKey, strings.Join(os.Args[1:], ","), bootstrap.Context)
		return 0
	case "crash":
		io.Copy(io.Discard, os.Stdin)
		return 7
	case "deaf":
		return 3
	case "wait":
		io.Copy(io.Discard, os.Stdin)
		time.Sleep(time.Minute) //nolint:realclock killed by the test
		return 0
	}
	return 99
}

func helperSpawner(mode string, stdout io.Writer) *ExecSpawner {
	return &ExecSpawner{
		Stdout: stdout,
		Stderr: os.Stderr,
		Env:    append(os.Environ(), helperEnv+"="+mode),
		Logger: slog.New(slog.DiscardHandler),
	}
}

func spawnHelper(t *testing.T, mode string, stdout io.Writer, bootstrap []byte) (Process, <-chan ExitStatus) {
	t.Helper()
	exits := make(chan ExitStatus, 1)
	process, err := helperSpawner(mode, stdout).Spawn(os.Args[0], []string{"module.conf", "-x"}, bootstrap, func(status ExitStatus) {
		exits <- status
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return process, exits
}

func TestExecSpawnerDeliversHandshake(t *testing.T) {
	var stdout bytes.Buffer
	bootstrap, err := handshake.Init{SemaphoreKey: 10004, BlockKey: 10001, Context: "ctx-1"}.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	process, exits := spawnHelper(t, "echo", &stdout, bootstrap)

	status := vtestutil.RequireReceive(t, exits, 30*time.Second, "helper exit")
	if !status.Clean() || status.PID != process.PID() {
		t.Fatalf("exit status = %+v, want clean exit of pid %d", status, process.PID())
	}
	if got, want := stdout.String(), "10004 10001 module.conf,-x ctx-1\n"; got != want {
		t.Errorf("helper saw %q, want %q", got, want)
	}
}

func TestExecSpawnerReportsExitCode(t *testing.T) {
	_, exits := spawnHelper(t, "crash", io.Discard, []byte("1 2 USE_FILES\n/tmp\n"))
	status := vtestutil.RequireReceive(t, exits, 30*time.Second, "helper exit")
	if status.Clean() || status.Code != 7 || status.Signal != "" {
		t.Errorf("exit status = %+v, want code 7", status)
	}
}

func TestExecSpawnerReportsSignal(t *testing.T) {
	process, exits := spawnHelper(t, "wait", io.Discard, []byte("1 2 USE_FILES\n/tmp\n"))
	if err := process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	status := vtestutil.RequireReceive(t, exits, 30*time.Second, "helper exit")
	if status.Clean() || status.Code != -1 || status.Signal != syscall.SIGTERM.String() {
		t.Errorf("exit status = %+v, want SIGTERM", status)
	}
}

func TestExecSpawnerMissingBinary(t *testing.T) {
	_, err := helperSpawner("echo", io.Discard).Spawn("/nonexistent/module", nil, nil, func(ExitStatus) {
		t.Error("onExit called for a process that never started")
	})
	if err == nil {
		t.Error("Spawn of missing binary succeeded")
	}
}

func TestExecSpawnerReapsProcessThatIgnoresBootstrap(t *testing.T) {
	var logs bytes.Buffer
	spawner := helperSpawner("deaf", io.Discard)
	spawner.Logger = slog.New(slog.NewTextHandler(&logs, nil))

	// Larger than a pipe buffer, so the write outlives the helper.
	bootstrap := bytes.Repeat([]byte("x"), 1<<20)
	_, err := spawner.Spawn(os.Args[0], nil, bootstrap, func(ExitStatus) {
		t.Error("onExit called for a process whose start failed")
	})
	if err == nil || !strings.Contains(err.Error(), "writing bootstrap") {
		t.Fatalf("Spawn = %v, want bootstrap write failure", err)
	}
	// The helper's exit status after the kill is expected, not a
	// cleanup failure.
	if strings.Contains(logs.String(), "level=WARN") {
		t.Errorf("unexpected cleanup warning: %s", logs.String())
	}
}
