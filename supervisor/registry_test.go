// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bytes"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vigil-ids/vigil/lib/exchange"
	"github.com/vigil-ids/vigil/lib/handshake"
)

func TestStateTransitions(t *testing.T) {
	allowed := map[State][]State{
		NotRunning: {Running, Remove},
		Running:    {Crashed, Remove},
		Crashed:    {Running, Remove},
		Remove:     nil,
	}
	states := []State{NotRunning, Running, Crashed, Remove}
	for _, from := range states {
		for _, to := range states {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCreateMissingModule(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.registry.Create(filepath.Join(h.dir, "absent"), "", nil)
	if !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Create = %v, want ErrModuleNotFound", err)
	}
	if len(h.registry.Snapshot()) != 0 {
		t.Error("missing module was registered")
	}
}

func TestCreateRecordsDigest(t *testing.T) {
	h := newHarness(t, true)
	path := h.module("scan-detector")
	info := h.worker(path)
	if info.State != NotRunning.String() || len(info.Digest) != 64 {
		t.Errorf("new worker = %+v", info)
	}
}

func TestSetStateRefusesInvalidTransition(t *testing.T) {
	h := newHarness(t, true)
	path := h.module("a")
	h.start()
	pid := h.worker(path).PID

	if !h.registry.SetState(pid, Remove) {
		t.Fatal("Running -> Remove refused")
	}
	if h.registry.SetState(pid, Running) {
		t.Error("Remove -> Running allowed")
	}
	if h.registry.SetState(99999, Crashed) {
		t.Error("unknown pid accepted")
	}
}

func TestStopTerminatesAndRemovesSemaphore(t *testing.T) {
	h := newHarness(t, true)
	path := h.module("a")
	h.start()
	info := h.worker(path)

	if err := h.registry.Stop(info.PID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.worker(path).State; got != Remove.String() {
		t.Errorf("state = %s, want remove", got)
	}
	if _, _, removed := h.semaphores.get(info.SemaphoreKey).state(); !removed {
		t.Error("semaphore not removed")
	}
	if err := h.registry.Stop(12345); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("Stop(unknown) = %v, want ErrUnknownWorker", err)
	}
}

func TestCountsAndTargets(t *testing.T) {
	h := newHarness(t, true)
	a := h.module("a")
	h.module("b")
	h.start()
	h.registry.DeleteModule(h.worker(a).PID)

	counts := h.registry.Counts()
	if counts["running"] != 1 || counts["remove"] != 1 {
		t.Errorf("Counts = %v", counts)
	}
	if targets := h.registry.Targets(); len(targets) != 1 {
		t.Errorf("Targets = %d, want 1", len(targets))
	}
	if n := h.registry.Collect(); n != 1 {
		t.Errorf("Collect = %d, want 1", n)
	}
}

// A removed worker keeps its pid until the next Collect. When the
// kernel hands that pid to a new worker, exits belong to the new one.
func TestExitMatchesLiveWorkerOverRemovedOne(t *testing.T) {
	h := newHarness(t, true)
	old := h.module("old")
	h.spawner.stubborn["old"] = true
	h.start()
	pid := h.worker(old).PID
	if err := h.registry.Stop(pid); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	replacement := h.module("replacement")
	h.spawner.reusePID(pid)
	h.start()
	if got := h.worker(replacement).PID; got != pid {
		t.Fatalf("replacement pid = %d, want reused %d", got, pid)
	}

	h.spawner.process(pid).exit(ExitStatus{PID: pid, Code: 1})
	h.supervisor.handleExits()

	after := h.worker(replacement)
	if after.State != Running.String() || after.Restarts != 1 {
		t.Errorf("replacement after crash: state %s, restarts %d; want running, 1", after.State, after.Restarts)
	}
	if got := h.worker(old).State; got != Remove.String() {
		t.Errorf("old state = %s, want remove", got)
	}
}

func TestFailedStartLogsUnremovableSemaphore(t *testing.T) {
	h := newHarness(t, true)
	var logs bytes.Buffer
	registry := NewRegistry(RegistryConfig{
		Spawner:    h.spawner,
		Semaphores: h.semaphores,
		Bootstrap:  handshake.Init{BlockKey: 20000, Style: exchange.SharedMemory},
		Clock:      h.clock,
		Metrics:    h.metrics,
		Logger:     slog.New(slog.NewTextHandler(&logs, nil)),
	})
	path := h.module("scan-detector")
	if _, err := registry.Create(path, "", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	h.semaphores.removeErr = errors.New("operation not permitted")
	h.spawner.fail = errors.New("exec format error")
	if err := registry.StartAll(); err == nil {
		t.Fatal("StartAll succeeded with a failing spawner")
	}

	output := logs.String()
	if !strings.Contains(output, "removing module semaphore") || !strings.Contains(output, "operation not permitted") {
		t.Errorf("semaphore leak not logged:\n%s", output)
	}
	if registry.Alive() != 0 {
		t.Errorf("Alive = %d after failed start", registry.Alive())
	}
}
