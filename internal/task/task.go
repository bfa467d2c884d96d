// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package task defines the data model shared by every component that
// touches a task: the immutable descriptor carried on the bus and the
// mutable state record kept in the state store.
package task

import "fmt"

// State is one of the lifecycle graph's node names. It is the only field
// of a state record manipulated by compare-and-swap.
type State string

const (
	StatePending   State = "pending"
	StateClaimed   State = "claimed"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is one of the states teardown converges on.
// Terminal states are never overwritten (spec.md §3 invariant d).
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Descriptor is the immutable task envelope carried on the bus and
// referenced by the state-store key. Published once by an upstream
// producer; never mutated by the supervisor.
type Descriptor struct {
	ID            string   `cbor:"id"`
	Type          string   `cbor:"task_type"`
	Profile       string   `cbor:"profile"`
	ParamsRef     string   `cbor:"params_ref"`
	ToolAllowlist []string `cbor:"tool_allowlist,omitempty"`
	DeadlineHint  int64    `cbor:"deadline_hint,omitempty"` // unix millis, 0 = none
	TraceID       string   `cbor:"trace_id,omitempty"`
}

// StateKey returns the state-store key for a descriptor: the format
// carried in spec.md §3, {namespace}:state:tasks:{type}:{id}.
func StateKey(namespace, taskType, id string) string {
	return fmt.Sprintf("%s:state:tasks:%s:%s", namespace, taskType, id)
}

// Record is the flat field-to-bytes mapping kept in the state store for
// one task, projected into a typed Go struct for convenience. Fields map
// 1:1 onto the names in spec.md §3; code that writes a subset of fields
// uses the Fields helper instead of a full Record.
type Record struct {
	State       State  `cbor:"state"`
	TaskType    string `cbor:"task_type"`
	ParamsRef   string `cbor:"params_ref"`
	Worker      string `cbor:"worker,omitempty"`
	UpdatedAt   int64  `cbor:"updated_at"`
	TimeoutAt   int64  `cbor:"timeout_at,omitempty"`
	StartedAt   int64  `cbor:"started_at,omitempty"`
	CompletedAt int64  `cbor:"completed_at,omitempty"`
	CurrentStep string `cbor:"current_step,omitempty"`
	Error       string `cbor:"error,omitempty"`
	ResultRef   string `cbor:"result_ref,omitempty"`
}

// Fields returns a map[string]any view of the record, the shape the
// statestore capability's SetFields expects. state and updated_at are
// always included; every other field only when it is non-zero.
func (r Record) Fields() map[string]any {
	fields := map[string]any{
		"state":      string(r.State),
		"updated_at": r.UpdatedAt,
	}
	if r.TaskType != "" {
		fields["task_type"] = r.TaskType
	}
	if r.ParamsRef != "" {
		fields["params_ref"] = r.ParamsRef
	}
	if r.Worker != "" {
		fields["worker"] = r.Worker
	}
	if r.TimeoutAt != 0 {
		fields["timeout_at"] = r.TimeoutAt
	}
	if r.StartedAt != 0 {
		fields["started_at"] = r.StartedAt
	}
	if r.CompletedAt != 0 {
		fields["completed_at"] = r.CompletedAt
	}
	if r.CurrentStep != "" {
		fields["current_step"] = r.CurrentStep
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}
	if r.ResultRef != "" {
		fields["result_ref"] = r.ResultRef
	}
	return fields
}

// WorkerID formats the worker field written on successful claim:
// "{host_id}:{vm_cid}".
func WorkerID(hostID string, cid uint32) string {
	return fmt.Sprintf("%s:%d", hostID, cid)
}
