// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/vigil-ids/vigil/lib/clock"
	"github.com/vigil-ids/vigil/lib/exchange"
	"github.com/vigil-ids/vigil/lib/handshake"
	"github.com/vigil-ids/vigil/lib/metering"
	"github.com/vigil-ids/vigil/lib/notifyblock"
	"github.com/vigil-ids/vigil/lib/seqnum"
	"github.com/vigil-ids/vigil/lib/sysv"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeSemaphore models a worker semaphore. When responsive, a notify
// is consumed immediately, as if the worker read its records at once.
type fakeSemaphore struct {
	key int

	mu         sync.Mutex
	value      int
	notifies   int
	removed    bool
	responsive bool
	removeErr  error
}

func (s *fakeSemaphore) Key() int { return s.key }

func (s *fakeSemaphore) Add(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return fmt.Errorf("adding to fake semaphore %d: %w", s.key, sysv.ErrRemoved)
	}
	s.value += n
	s.notifies++
	if s.responsive {
		s.value = 0
	}
	return nil
}

func (s *fakeSemaphore) WaitZero(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		value, removed := s.value, s.removed
		s.mu.Unlock()
		switch {
		case removed:
			return fmt.Errorf("waiting on fake semaphore %d: %w", s.key, sysv.ErrRemoved)
		case value == 0:
			return nil
		case !time.Now().Before(deadline):
			return sysv.ErrTimeout
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func (s *fakeSemaphore) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeErr != nil {
		return s.removeErr
	}
	if s.removed {
		return sysv.ErrRemoved
	}
	s.removed = true
	return nil
}

// finish takes both units, as a worker does after processing a batch.
func (s *fakeSemaphore) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = 0
}

func (s *fakeSemaphore) state() (value, notifies int, removed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.notifies, s.removed
}

type fakeSemaphores struct {
	mu      sync.Mutex
	nextKey int
	byKey   map[int]*fakeSemaphore
	fail    error
	// removeErr is handed to every semaphore created afterwards.
	removeErr error
}

func newFakeSemaphores() *fakeSemaphores {
	return &fakeSemaphores{nextKey: 10000, byKey: make(map[int]*fakeSemaphore)}
}

func (f *fakeSemaphores) Create() (Semaphore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	sem := &fakeSemaphore{key: f.nextKey, responsive: true, removeErr: f.removeErr}
	f.byKey[sem.key] = sem
	f.nextKey++
	return sem, nil
}

func (f *fakeSemaphores) get(key int) *fakeSemaphore {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byKey[key]
}

// fakeProcess exits with a signal status when sent SIGTERM, unless it
// is stubborn.
type fakeProcess struct {
	pid      int
	path     string
	onExit   func(ExitStatus)
	stubborn bool

	mu      sync.Mutex
	signals []os.Signal
	exited  bool
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return os.ErrProcessDone
	}
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM && !p.stubborn {
		p.exit(ExitStatus{PID: p.pid, Code: -1, Signal: "terminated"})
	}
	return nil
}

func (p *fakeProcess) exit(status ExitStatus) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()
	p.onExit(status)
}

func (p *fakeProcess) signalled() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// fakeSpawner hands out pids and wires each process's semaphore
// behaviour by module name.
type fakeSpawner struct {
	semaphores *fakeSemaphores

	mu         sync.Mutex
	nextPID    int
	processes  []*fakeProcess
	bootstraps map[int]handshake.Init
	args       map[int][]string
	slow       map[string]bool
	stubborn   map[string]bool
	fail       error
}

func newFakeSpawner(semaphores *fakeSemaphores) *fakeSpawner {
	return &fakeSpawner{
		semaphores: semaphores,
		nextPID:    100,
		bootstraps: make(map[int]handshake.Init),
		args:       make(map[int][]string),
		slow:       make(map[string]bool),
		stubborn:   make(map[string]bool),
	}
}

func (s *fakeSpawner) Spawn(path string, args []string, bootstrap []byte, onExit func(ExitStatus)) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	decoded, err := handshake.Decode(bytes.NewReader(bootstrap))
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)
	if sem := s.semaphores.get(decoded.SemaphoreKey); sem != nil && s.slow[name] {
		sem.mu.Lock()
		sem.responsive = false
		sem.mu.Unlock()
	}
	process := &fakeProcess{pid: s.nextPID, path: path, onExit: onExit, stubborn: s.stubborn[name]}
	s.nextPID++
	s.processes = append(s.processes, process)
	s.bootstraps[process.pid] = decoded
	s.args[process.pid] = args
	return process, nil
}

// process returns the most recent process spawned with pid.
func (s *fakeSpawner) process(pid int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.processes) - 1; i >= 0; i-- {
		if s.processes[i].pid == pid {
			return s.processes[i]
		}
	}
	return nil
}

// reusePID makes the next spawn get pid, as the kernel may do once
// the previous holder has exited.
func (s *fakeSpawner) reusePID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPID = pid
}

func (s *fakeSpawner) spawnCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, process := range s.processes {
		if process.path == path {
			count++
		}
	}
	return count
}

// fakePublisher stands in for the exporter: pending records are
// published and acknowledged by count.
type fakePublisher struct {
	mu      sync.Mutex
	next    seqnum.Counter
	oldest  seqnum.Counter
	acks    []int
	publish int
}

func (p *fakePublisher) add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = p.next.Add(n)
}

func (p *fakePublisher) Publish() notifyblock.Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publish++
	return notifyblock.Range{From: p.oldest, To: p.next}
}

func (p *fakePublisher) AcknowledgeUpTo(count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if count > p.next.Sub(p.oldest) {
		return errors.New("over-acknowledged")
	}
	p.acks = append(p.acks, count)
	p.oldest = p.oldest.Add(count)
	return nil
}

func (p *fakePublisher) acknowledged() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.acks...)
}

type harness struct {
	t          *testing.T
	dir        string
	clock      *clock.FakeClock
	semaphores *fakeSemaphores
	spawner    *fakeSpawner
	publisher  *fakePublisher
	metrics    *metering.Metrics
	registry   *Registry
	supervisor *Supervisor
}

func newHarness(t *testing.T, restartOnCrash bool) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		dir:        t.TempDir(),
		clock:      clock.Fake(epoch),
		semaphores: newFakeSemaphores(),
		publisher:  &fakePublisher{},
		metrics:    metering.New(),
	}
	h.spawner = newFakeSpawner(h.semaphores)
	logger := slog.New(slog.DiscardHandler)
	h.registry = NewRegistry(RegistryConfig{
		Spawner:    h.spawner,
		Semaphores: h.semaphores,
		Bootstrap:  handshake.Init{BlockKey: 20000, Style: exchange.SharedMemory, Context: "test"},
		Clock:      h.clock,
		Metrics:    h.metrics,
		Logger:     logger,
	})
	h.supervisor = New(Config{
		Registry:       h.registry,
		Publisher:      h.publisher,
		KillTime:       30 * time.Second,
		PollInterval:   time.Millisecond,
		RestartOnCrash: restartOnCrash,
		ShutdownGrace:  2 * time.Second,
		Clock:          h.clock,
		Metrics:        h.metrics,
		Logger:         logger,
	})
	return h
}

// module writes an executable placeholder and registers it.
func (h *harness) module(name string) string {
	h.t.Helper()
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n# "+name+"\n"), 0o755); err != nil {
		h.t.Fatalf("writing module %s: %v", name, err)
	}
	if _, err := h.registry.Create(path, path+".conf", []string{"-v"}); err != nil {
		h.t.Fatalf("Create(%s): %v", name, err)
	}
	return path
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.registry.StartAll(); err != nil {
		h.t.Fatalf("StartAll: %v", err)
	}
}

// worker returns the current registry entry for the module at path.
func (h *harness) worker(path string) WorkerInfo {
	h.t.Helper()
	for _, info := range h.registry.Snapshot() {
		if info.Path == path {
			return info
		}
	}
	h.t.Fatalf("no worker for %s", path)
	return WorkerInfo{}
}

func (h *harness) hasWorker(path string) bool {
	for _, info := range h.registry.Snapshot() {
		if info.Path == path {
			return true
		}
	}
	return false
}
