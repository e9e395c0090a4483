// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vigil-ids/vigil/lib/clock"
	"github.com/vigil-ids/vigil/lib/metering"
	"github.com/vigil-ids/vigil/lib/notifyblock"
	"github.com/vigil-ids/vigil/lib/sysv"
)

// Publisher is the exporter as the supervisor sees it.
type Publisher interface {
	// Publish makes the outstanding records visible to workers and
	// returns the published range.
	Publish() notifyblock.Range
	// AcknowledgeUpTo releases the count oldest records.
	AcknowledgeUpTo(count int) error
}

// Trigger coalesces wake-ups: any number of Fire calls between two
// receives produce a single pending wake-up.
type Trigger struct {
	ch chan struct{}
}

func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Fire requests a cycle. It never blocks.
func (t *Trigger) Fire() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C receives once per batch of Fire calls.
func (t *Trigger) C() <-chan struct{} { return t.ch }

// Config configures a Supervisor.
type Config struct {
	Registry  *Registry
	Publisher Publisher
	Trigger   *Trigger

	// KillTime bounds a cycle. Workers still busy when it expires are
	// evicted.
	KillTime time.Duration
	// PollInterval is the timeout of each semaphore wait while a cycle
	// is in progress. Exits are processed between polls.
	PollInterval time.Duration
	// RestartOnCrash restarts workers that exit abnormally.
	RestartOnCrash bool
	// ShutdownGrace is how long Shutdown waits for workers to exit.
	ShutdownGrace time.Duration

	Clock   clock.Clock
	Metrics *metering.Metrics
	Logger  *slog.Logger
}

// Supervisor runs notification cycles and reacts to worker exits. Run,
// Cycle, and Shutdown must be called from one goroutine; Wake may be
// called from anywhere.
type Supervisor struct {
	config   Config
	registry *Registry
	logger   *slog.Logger

	shutdown atomic.Bool
	// restarts holds pids of workers that crashed during a cycle, to
	// be restarted once it ends.
	restarts []int
	inCycle  bool
}

// New returns a Supervisor. Zero durations get defaults: 30s kill
// time, 10ms poll interval, 2s shutdown grace.
func New(config Config) *Supervisor {
	if config.KillTime <= 0 {
		config.KillTime = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Millisecond
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 2 * time.Second
	}
	if config.Trigger == nil {
		config.Trigger = NewTrigger()
	}
	return &Supervisor{
		config:   config,
		registry: config.Registry,
		logger:   config.Logger,
	}
}

// Wake requests a notification cycle.
func (s *Supervisor) Wake() { s.config.Trigger.Fire() }

// Run handles wake-ups and exits until ctx is done. Cancelling ctx
// sets the shutdown flag at once: a cycle in progress stops waiting
// for its workers, evicts and restarts nothing, and no further cycle
// starts.
func (s *Supervisor) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.shutdown.Store(true) })
	defer stop()

	s.logger.Info("supervisor running",
		"kill_time", s.config.KillTime,
		"poll_interval", s.config.PollInterval,
		"restart_on_crash", s.config.RestartOnCrash,
	)
	for {
		select {
		case <-ctx.Done():
			s.shutdown.Store(true)
			return nil
		case <-s.config.Trigger.C():
			if ctx.Err() != nil {
				s.shutdown.Store(true)
				return nil
			}
			s.Cycle()
		case <-s.registry.Exited():
			s.handleExits()
		}
	}
}

// Cycle runs one notification cycle: publish, notify, wait, evict,
// release.
func (s *Supervisor) Cycle() {
	started := s.config.Clock.Now()

	s.registry.Collect()
	published := s.config.Publisher.Publish()

	var expired atomic.Bool
	timer := s.config.Clock.AfterFunc(s.config.KillTime, func() { expired.Store(true) })

	s.inCycle = true
	busy := s.notify()
	for len(busy) > 0 && !expired.Load() && !s.shutdown.Load() {
		busy = s.poll(busy, &expired)
		s.handleExits()
		busy = s.stillRunning(busy)
	}
	timer.Stop()
	s.inCycle = false

	if s.shutdown.Load() {
		// Shutdown terminates the remaining workers.
		busy = nil
	}
	for _, target := range busy {
		s.logger.Warn("evicting module that missed the cycle deadline",
			"module", target.Path,
			"pid", target.PID,
			"kill_time", s.config.KillTime,
		)
		if err := s.registry.Evict(target.PID); err != nil {
			s.logger.Error("evicting module", "module", target.Path, "pid", target.PID, "error", err)
		}
	}

	if err := s.config.Publisher.AcknowledgeUpTo(published.Len()); err != nil {
		s.logger.Error("releasing published records", "count", published.Len(), "error", err)
	}

	s.config.Metrics.RecordCycle(s.config.Clock.Now().Sub(started))
	s.applyRestarts()
	s.config.Metrics.SetWorkers(s.registry.Counts())
}

// notify adds two units to every running worker's semaphore and
// returns the workers that now owe a reply.
func (s *Supervisor) notify() []Target {
	var busy []Target
	for _, target := range s.registry.Targets() {
		if err := target.Semaphore.Add(2); err != nil {
			s.logger.Error("notifying module", "module", target.Path, "pid", target.PID, "error", err)
			continue
		}
		busy = append(busy, target)
	}
	return busy
}

// poll waits once on each busy worker and returns those still busy.
// Once the kill timer has fired the remaining workers are not waited
// on.
func (s *Supervisor) poll(busy []Target, expired *atomic.Bool) []Target {
	var remaining []Target
	for _, target := range busy {
		if expired.Load() {
			remaining = append(remaining, target)
			continue
		}
		err := target.Semaphore.WaitZero(s.config.PollInterval)
		switch {
		case err == nil:
		case errors.Is(err, sysv.ErrTimeout):
			remaining = append(remaining, target)
		case errors.Is(err, sysv.ErrRemoved):
			// Stopped from elsewhere; nothing left to wait for.
		default:
			s.logger.Error("waiting for module", "module", target.Path, "pid", target.PID, "error", err)
		}
	}
	return remaining
}

func (s *Supervisor) stillRunning(busy []Target) []Target {
	var running []Target
	for _, target := range busy {
		if s.registry.IsRunning(target.PID) {
			running = append(running, target)
		}
	}
	return running
}

func (s *Supervisor) handleExits() {
	for _, status := range s.registry.TakeExits() {
		s.handleExit(status)
	}
}

func (s *Supervisor) handleExit(status ExitStatus) {
	if s.shutdown.Load() {
		return
	}
	worker, ok := s.registry.Lookup(status.PID)
	if !ok {
		s.logger.Debug("exit of unregistered process", "pid", status.PID, "exit_code", status.Code)
		return
	}
	if worker.State == Remove.String() {
		// Evicted or stopped; the exit is the expected consequence.
		return
	}

	if status.Clean() {
		s.logger.Info("module exited", "module", worker.Path, "pid", status.PID)
		s.registry.DeleteModule(status.PID)
		return
	}

	s.logger.Warn("module crashed",
		"module", worker.Path,
		"pid", status.PID,
		"exit_code", status.Code,
		"signal", status.Signal,
		"error", status.Err,
	)
	s.config.Metrics.Crashes.Inc()
	if !s.registry.SetState(status.PID, Crashed) {
		return
	}
	if !s.config.RestartOnCrash {
		s.registry.DeleteModule(status.PID)
		return
	}
	s.restarts = append(s.restarts, status.PID)
	if !s.inCycle {
		s.applyRestarts()
	}
}

func (s *Supervisor) applyRestarts() {
	pending := s.restarts
	s.restarts = nil
	for _, pid := range pending {
		if s.shutdown.Load() {
			return
		}
		if err := s.registry.RestartCrashed(pid); err != nil {
			s.logger.Error("restarting crashed module", "pid", pid, "error", err)
		}
	}
}

// Shutdown suppresses exit handling, terminates every worker, and
// waits up to the shutdown grace period for their processes to end.
func (s *Supervisor) Shutdown() {
	s.shutdown.Store(true)
	s.registry.KillAll()

	deadline := s.config.Clock.After(s.config.ShutdownGrace)
	for s.registry.Alive() > 0 {
		select {
		case <-s.registry.Exited():
		case <-deadline:
			s.logger.Warn("modules still running after shutdown grace",
				"alive", s.registry.Alive(),
				"grace", s.config.ShutdownGrace,
			)
			return
		}
	}
}
