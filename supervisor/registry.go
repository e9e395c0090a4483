// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/vigil-ids/vigil/lib/binhash"
	"github.com/vigil-ids/vigil/lib/clock"
	"github.com/vigil-ids/vigil/lib/handshake"
	"github.com/vigil-ids/vigil/lib/metering"
	"github.com/vigil-ids/vigil/lib/sysv"
)

// ErrModuleNotFound is returned by Create when the module executable
// does not exist. Callers log it and carry on without the module.
var ErrModuleNotFound = errors.New("module executable not found")

// ErrUnknownWorker is returned for a pid the registry does not hold.
var ErrUnknownWorker = errors.New("unknown worker")

// Semaphore is the per-worker notification counter.
type Semaphore interface {
	Key() int
	Add(n int) error
	// WaitZero returns nil once the counter is zero, sysv.ErrTimeout
	// after timeout, and an error wrapping sysv.ErrRemoved if the
	// semaphore no longer exists.
	WaitZero(timeout time.Duration) error
	Remove() error
}

// SemaphoreFactory allocates a fresh semaphore for each worker start.
type SemaphoreFactory interface {
	Create() (Semaphore, error)
}

// SysvSemaphores allocates System V semaphores, probing keys upward
// from KeyBase.
type SysvSemaphores struct {
	KeyBase int
}

func (f SysvSemaphores) Create() (Semaphore, error) {
	sem, err := sysv.CreateSemaphore(f.KeyBase)
	if err != nil {
		return nil, err
	}
	return sem, nil
}

// Worker is one supervised module. All fields are guarded by the
// owning Registry's mutex.
type Worker struct {
	path       string
	configFile string
	args       []string

	state     State
	pid       int
	process   Process
	semaphore Semaphore
	digest    binhash.Digest
	restarts  int
	startedAt time.Time
}

// WorkerInfo is a copy of a worker's externally visible state.
type WorkerInfo struct {
	Path         string `cbor:"path"`
	ConfigFile   string `cbor:"config_file"`
	PID          int    `cbor:"pid"`
	State        string `cbor:"state"`
	SemaphoreKey int    `cbor:"semaphore_key"`
	Restarts     int    `cbor:"restarts"`
	Digest       string `cbor:"digest"`
	StartedAt    string `cbor:"started_at,omitempty"`
}

func (w *Worker) info() WorkerInfo {
	info := WorkerInfo{
		Path:       w.path,
		ConfigFile: w.configFile,
		PID:        w.pid,
		State:      w.state.String(),
		Restarts:   w.restarts,
		Digest:     w.digest.String(),
	}
	if w.semaphore != nil {
		info.SemaphoreKey = w.semaphore.Key()
	}
	if !w.startedAt.IsZero() {
		info.StartedAt = w.startedAt.UTC().Format(time.RFC3339)
	}
	return info
}

// Target is a running worker as the notification cycle sees it.
type Target struct {
	PID       int
	Path      string
	Semaphore Semaphore
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Spawner    Spawner
	Semaphores SemaphoreFactory
	// Bootstrap is the handshake sent to every worker. Its
	// SemaphoreKey is filled in per worker.
	Bootstrap handshake.Init
	Clock     clock.Clock
	Metrics   *metering.Metrics
	Logger    *slog.Logger
}

// Registry owns the set of workers. It is safe for concurrent use:
// the supervisor drives it, and the control socket reads and stops
// workers.
type Registry struct {
	spawner    Spawner
	semaphores SemaphoreFactory
	bootstrap  handshake.Init
	clock      clock.Clock
	metrics    *metering.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	workers []*Worker

	// Exit notifications come from spawner goroutines and never take
	// mu, so a spawner may report an exit while a start is in flight.
	exitMu    sync.Mutex
	exits     []ExitStatus
	alive     int
	exitReady chan struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	return &Registry{
		spawner:    config.Spawner,
		semaphores: config.Semaphores,
		bootstrap:  config.Bootstrap,
		clock:      config.Clock,
		metrics:    config.Metrics,
		logger:     config.Logger,
		exitReady:  make(chan struct{}, 1),
	}
}

// Create registers a module in state NotRunning. configFile becomes
// the module's first argument. A missing executable yields
// ErrModuleNotFound.
func (r *Registry) Create(path, configFile string, args []string) (WorkerInfo, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return WorkerInfo{}, fmt.Errorf("%w: %s", ErrModuleNotFound, path)
	}
	if err != nil {
		return WorkerInfo{}, fmt.Errorf("checking module %s: %w", path, err)
	}
	if info.IsDir() {
		return WorkerInfo{}, fmt.Errorf("module %s is a directory", path)
	}
	digest, err := binhash.HashFile(path)
	if err != nil {
		return WorkerInfo{}, err
	}

	worker := &Worker{
		path:       path,
		configFile: configFile,
		args:       slices.Clone(args),
		state:      NotRunning,
		digest:     digest,
	}
	r.mu.Lock()
	r.workers = append(r.workers, worker)
	r.mu.Unlock()

	r.logger.Info("module registered", "module", path, "config_file", configFile, "digest", digest.Short())
	return worker.info(), nil
}

// StartAll starts every NotRunning worker. It stops at the first
// failure.
func (r *Registry) StartAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, worker := range r.workers {
		if worker.state != NotRunning {
			continue
		}
		if err := r.startLocked(worker); err != nil {
			return fmt.Errorf("starting module %s: %w", worker.path, err)
		}
	}
	return nil
}

// startLocked allocates a semaphore, spawns the process with its
// handshake, and marks the worker Running.
func (r *Registry) startLocked(worker *Worker) error {
	semaphore, err := r.semaphores.Create()
	if err != nil {
		return fmt.Errorf("allocating semaphore: %w", err)
	}
	bootstrap := r.bootstrap
	bootstrap.SemaphoreKey = semaphore.Key()
	message, err := bootstrap.Bytes()
	if err != nil {
		r.discardSemaphore(worker, semaphore)
		return err
	}

	args := worker.args
	if worker.configFile != "" {
		args = append([]string{worker.configFile}, worker.args...)
	}

	r.exitMu.Lock()
	r.alive++
	r.exitMu.Unlock()
	process, err := r.spawner.Spawn(worker.path, args, message, r.onExit)
	if err != nil {
		r.exitMu.Lock()
		r.alive--
		r.exitMu.Unlock()
		r.discardSemaphore(worker, semaphore)
		return err
	}

	worker.process = process
	worker.pid = process.PID()
	worker.semaphore = semaphore
	worker.state = Running
	worker.startedAt = r.clock.Now()

	r.logger.Info("module started",
		"module", worker.path,
		"pid", worker.pid,
		"semaphore_key", semaphore.Key(),
		"restarts", worker.restarts,
	)
	return nil
}

func (r *Registry) onExit(status ExitStatus) {
	r.exitMu.Lock()
	r.exits = append(r.exits, status)
	r.alive--
	r.exitMu.Unlock()
	select {
	case r.exitReady <- struct{}{}:
	default:
	}
}

// Exited receives a value whenever new exit statuses are queued.
// Several exits may share one notification; call TakeExits to get
// them all.
func (r *Registry) Exited() <-chan struct{} { return r.exitReady }

// TakeExits returns and clears the queued exit statuses.
func (r *Registry) TakeExits() []ExitStatus {
	r.exitMu.Lock()
	defer r.exitMu.Unlock()
	exits := r.exits
	r.exits = nil
	return exits
}

// Alive returns the number of spawned processes that have not exited.
func (r *Registry) Alive() int {
	r.exitMu.Lock()
	defer r.exitMu.Unlock()
	return r.alive
}

// findLocked returns the worker holding pid. A worker in Remove keeps
// its pid until the next Collect, so a live worker that was given the
// same pid by the kernel wins over it.
func (r *Registry) findLocked(pid int) *Worker {
	var removed *Worker
	for _, worker := range r.workers {
		if worker.pid != pid || worker.process == nil {
			continue
		}
		if worker.state != Remove {
			return worker
		}
		if removed == nil {
			removed = worker
		}
	}
	return removed
}

// SetState moves the worker with the given pid to state. It reports
// false, and logs, when the pid is unknown or the transition is not
// allowed.
func (r *Registry) SetState(pid int, state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStateLocked(pid, state)
}

func (r *Registry) setStateLocked(pid int, state State) bool {
	worker := r.findLocked(pid)
	if worker == nil {
		r.logger.Error("state change for unknown worker", "pid", pid, "state", state.String())
		return false
	}
	if !worker.state.CanTransition(state) {
		r.logger.Warn("refusing worker state change",
			"module", worker.path,
			"pid", pid,
			"from", worker.state.String(),
			"to", state.String(),
		)
		return false
	}
	worker.state = state
	return true
}

// DeleteModule marks the worker for removal. It is erased by the next
// Collect.
func (r *Registry) DeleteModule(pid int) bool {
	return r.SetState(pid, Remove)
}

// RestartCrashed starts a Crashed worker again with the same arguments
// and a new semaphore. On failure the worker is marked Remove.
func (r *Registry) RestartCrashed(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	worker := r.findLocked(pid)
	if worker == nil {
		return fmt.Errorf("%w: pid %d", ErrUnknownWorker, pid)
	}
	if worker.state != Crashed {
		return fmt.Errorf("worker %d is %s, not crashed", pid, worker.state)
	}

	r.removeSemaphoreLocked(worker)
	if digest, err := binhash.HashFile(worker.path); err != nil {
		r.logger.Warn("cannot hash module before restart", "module", worker.path, "error", err)
	} else if digest != worker.digest {
		r.logger.Warn("module executable changed since last start",
			"module", worker.path,
			"previous_digest", worker.digest.Short(),
			"digest", digest.Short(),
		)
		worker.digest = digest
	}

	worker.restarts++
	if err := r.startLocked(worker); err != nil {
		worker.state = Remove
		return fmt.Errorf("restarting module %s: %w", worker.path, err)
	}
	r.metrics.Restarts.Inc()
	return nil
}

// Stop marks the worker Remove, sends it SIGTERM, and removes its
// semaphore so that any wait on it ends.
func (r *Registry) Stop(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	worker := r.findLocked(pid)
	if worker == nil {
		return fmt.Errorf("%w: pid %d", ErrUnknownWorker, pid)
	}
	r.terminateLocked(worker)
	return nil
}

// Evict stops a worker that missed the cycle deadline. It is never
// restarted.
func (r *Registry) Evict(pid int) error {
	if err := r.Stop(pid); err != nil {
		return err
	}
	r.metrics.Evictions.Inc()
	return nil
}

func (r *Registry) terminateLocked(worker *Worker) {
	worker.state = Remove
	if worker.process != nil {
		if err := worker.process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.logger.Warn("signalling module", "module", worker.path, "pid", worker.pid, "error", err)
		}
	}
	r.removeSemaphoreLocked(worker)
}

func (r *Registry) removeSemaphoreLocked(worker *Worker) {
	if worker.semaphore == nil {
		return
	}
	r.discardSemaphore(worker, worker.semaphore)
	worker.semaphore = nil
}

// discardSemaphore removes a semaphore that no process will use again.
// Failure leaks a kernel object, so it is logged.
func (r *Registry) discardSemaphore(worker *Worker, semaphore Semaphore) {
	if err := semaphore.Remove(); err != nil && !errors.Is(err, sysv.ErrRemoved) {
		r.logger.Warn("removing module semaphore",
			"module", worker.path,
			"pid", worker.pid,
			"semaphore_key", semaphore.Key(),
			"error", err,
		)
	}
}

// Collect erases every worker in state Remove and returns how many
// were erased.
func (r *Registry) Collect() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.workers)
	r.workers = slices.DeleteFunc(r.workers, func(worker *Worker) bool {
		if worker.state != Remove {
			return false
		}
		r.removeSemaphoreLocked(worker)
		r.logger.Info("module removed", "module", worker.path, "pid", worker.pid)
		return true
	})
	return before - len(r.workers)
}

// KillAll terminates every worker. Failures are logged and do not stop
// the sweep.
func (r *Registry) KillAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, worker := range r.workers {
		r.terminateLocked(worker)
	}
}

// Targets returns the Running workers.
func (r *Registry) Targets() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	var targets []Target
	for _, worker := range r.workers {
		if worker.state == Running && worker.semaphore != nil {
			targets = append(targets, Target{PID: worker.pid, Path: worker.path, Semaphore: worker.semaphore})
		}
	}
	return targets
}

// IsRunning reports whether pid belongs to a Running worker.
func (r *Registry) IsRunning(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	worker := r.findLocked(pid)
	return worker != nil && worker.state == Running
}

// Lookup returns the worker with the given pid.
func (r *Registry) Lookup(pid int) (WorkerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	worker := r.findLocked(pid)
	if worker == nil {
		return WorkerInfo{}, false
	}
	return worker.info(), true
}

// Snapshot returns every worker in registration order.
func (r *Registry) Snapshot() []WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]WorkerInfo, len(r.workers))
	for i, worker := range r.workers {
		infos[i] = worker.info()
	}
	return infos
}

// Counts returns the number of workers in each state.
func (r *Registry) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, worker := range r.workers {
		counts[worker.state.String()]++
	}
	return counts
}
