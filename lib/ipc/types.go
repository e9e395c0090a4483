// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

// Actions understood by the control socket.
const (
	ActionStatus      = "status"
	ActionListWorkers = "list-workers"
	ActionStopWorker  = "stop-worker"
)

// Request is sent by a control client.
type Request struct {
	Action string `cbor:"action"`

	// PID selects the worker for stop-worker.
	PID int `cbor:"pid,omitempty"`
}

// Response answers one Request.
type Response struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`

	// Status is set for status.
	Status *Status `cbor:"status,omitempty"`

	// Workers is set for list-workers.
	Workers []Worker `cbor:"workers,omitempty"`
}

// Status summarizes a running collector.
type Status struct {
	InstanceID string `cbor:"instance_id"`
	Version    string `cbor:"version"`
	Digest     string `cbor:"digest,omitempty"`

	// Exchange is the record exchange style: USE_FILES or USE_SHM.
	Exchange string `cbor:"exchange"`

	// Oldest and Newest bound the outstanding records, Newest exclusive.
	Oldest      int `cbor:"oldest"`
	Newest      int `cbor:"newest"`
	Outstanding int `cbor:"outstanding"`

	// Workers counts workers by state name.
	Workers map[string]int `cbor:"workers"`
}

// Worker is one row of list-workers.
type Worker struct {
	PID          int    `cbor:"pid"`
	Path         string `cbor:"path"`
	ConfigFile   string `cbor:"config_file,omitempty"`
	State        string `cbor:"state"`
	SemaphoreKey int    `cbor:"semaphore_key"`
	Restarts     int    `cbor:"restarts"`
	Digest       string `cbor:"digest,omitempty"`
	StartedAt    string `cbor:"started_at,omitempty"`
}
