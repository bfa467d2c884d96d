// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statestore declares the field-addressable key-value capability
// the supervisor consumes for task state records. The store itself lives
// outside this repository; this package defines the {get, set_fields,
// compare_and_swap} capability set from spec.md §9 and an in-memory
// implementation for tests.
package statestore

import (
	"context"
	"sync"
)

// StateStore is the capability set {get, set_fields, compare_and_swap}.
// Implementations must be safe for concurrent use by many owners.
type StateStore interface {
	// Get returns the current value of every field on key. A missing key
	// returns a nil map and no error.
	Get(ctx context.Context, key string) (map[string]any, error)

	// SetFields writes each field in fields onto key unconditionally
	// (last-writer-wins). Safe under spec.md §5 because each task has at
	// most one owning writer after claim.
	SetFields(ctx context.Context, key string, fields map[string]any) error

	// CompareAndSwap atomically sets field to newValue iff its current
	// value equals expected (missing field treated as a zero value).
	// Returns ok=false without error on a benign conflict.
	CompareAndSwap(ctx context.Context, key, field string, expected, newValue any) (ok bool, err error)
}

// Compile-time interface check.
var _ StateStore = (*Memory)(nil)

// Memory is an in-process StateStore for tests. A single mutex guards
// every key's field map; CompareAndSwap and SetFields are atomic with
// respect to all concurrent callers.
type Memory struct {
	mu     sync.Mutex
	keys   map[string]map[string]any
	casLog []CASRecord
}

// CASRecord captures one CompareAndSwap attempt for test assertions, in
// particular the "single-winner claim" property (spec.md §8.1).
type CASRecord struct {
	Key      string
	Field    string
	Expected any
	New      any
	OK       bool
}

// NewMemory creates an empty in-process state store.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]map[string]any)}
}

func (m *Memory) Get(ctx context.Context, key string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.keys[key]
	if !ok {
		return nil, nil
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied, nil
}

func (m *Memory) SetFields(ctx context.Context, key string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.keys[key]
	if !ok {
		existing = make(map[string]any)
		m.keys[key] = existing
	}
	for k, v := range fields {
		existing[k] = v
	}
	return nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key, field string, expected, newValue any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.keys[key]
	if !ok {
		existing = make(map[string]any)
		m.keys[key] = existing
	}

	current, has := existing[field]
	matched := (!has && expected == nil) || (has && current == expected)

	record := CASRecord{Key: key, Field: field, Expected: expected, New: newValue, OK: matched}
	m.casLog = append(m.casLog, record)

	if !matched {
		return false, nil
	}
	existing[field] = newValue
	return true, nil
}

// Seed directly installs fields on key, bypassing CAS. Tests use this to
// set up a `pending` record before racing claimants against it.
func (m *Memory) Seed(key string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := make(map[string]any, len(fields))
	for k, v := range fields {
		existing[k] = v
	}
	m.keys[key] = existing
}

// CASLog returns every CompareAndSwap attempt recorded so far, in order.
func (m *Memory) CASLog() []CASRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CASRecord(nil), m.casLog...)
}
