// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sentinelerr defines the typed error kinds carried across the
// supervisor's components. Every fallible operation that crosses a
// component boundary returns (or wraps) an *Error so callers can branch
// on Kind with errors.As instead of string matching.
package sentinelerr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a supervisor error. Kinds drive
// propagation policy: retry, fail the task, or escalate to process exit.
type Kind string

const (
	Config             Kind = "config"
	PrerequisiteMissing Kind = "prerequisite_missing"
	BusTransient       Kind = "bus_transient"
	BusFatal           Kind = "bus_fatal"
	StateTransient     Kind = "state_transient"
	StateFatal         Kind = "state_fatal"
	CASConflict        Kind = "cas_conflict"
	OverlayIO          Kind = "overlay_io"
	NetworkSetup       Kind = "network_setup"
	HypervisorLaunch   Kind = "hypervisor_launch"
	HypervisorCrash    Kind = "hypervisor_crash"
	GuestProtocol      Kind = "guest_protocol"
	GuestTimeout       Kind = "guest_timeout"
	ToolDenied         Kind = "tool_denied"
	ToolExec           Kind = "tool_exec"
	Cancelled          Kind = "cancelled"
)

// Error wraps a Kind, an optional cause, and structured fields (task id,
// host id, etc.) useful for logging without parsing the error string.
type Error struct {
	Kind   Kind
	Cause  error
	Fields map[string]any
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, sentinelerr.CASConflict)-style comparisons by
// matching on Kind when the target is a bare Kind value wrapped as an error
// via New. Two *Error values match if their Kinds are equal.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error with no cause and no fields.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap builds an *Error carrying cause, classified under kind.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// WithField returns a shallow copy of e with field set to value. Safe to
// chain: sentinelerr.Wrap(...).WithField("task_id", id).WithField("cid", cid).
func (e *Error) WithField(key string, value any) *Error {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	return &Error{Kind: e.Kind, Cause: e.Cause, Fields: fields}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, and
// reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ExitCode maps an error's Kind to the supervisor's process exit code
// (spec'd in the Supervisor Entry's startup-failure contract). Errors with
// no Kind (plain errors) map to 1, matching a generic configuration/startup
// failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	kind, ok := KindOf(err)
	if !ok {
		return 1
	}
	switch kind {
	case Config:
		return 1
	case PrerequisiteMissing:
		return 2
	case BusFatal, StateFatal:
		return 3
	case Cancelled:
		return 130
	default:
		return 1
	}
}
