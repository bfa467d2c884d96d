// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"context"
	"testing"
)

func TestGetReturnsNilForMissingKey(t *testing.T) {
	m := NewMemory()
	got, err := m.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil map, got %v", got)
	}
}

func TestSetFieldsMergesRatherThanReplaces(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.SetFields(ctx, "k1", map[string]any{"a": 1}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	if err := m.SetFields(ctx, "k1", map[string]any{"b": 2}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}

	got, err := m.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["a"] != 1 || got["b"] != 2 {
		t.Fatalf("expected merged fields, got %v", got)
	}
}

func TestCompareAndSwapOnlyOneWinnerAgainstMissingField(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.CompareAndSwap(ctx, "k1", "state", nil, "claimed")
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if !first {
		t.Fatal("expected first CAS against a missing field to succeed")
	}

	second, err := m.CompareAndSwap(ctx, "k1", "state", nil, "claimed")
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if second {
		t.Fatal("expected second CAS to fail now that state is set")
	}
}

func TestCompareAndSwapSucceedsWhenExpectedMatches(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Seed("k1", map[string]any{"state": "pending"})

	ok, err := m.CompareAndSwap(ctx, "k1", "state", "pending", "claimed")
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if !ok {
		t.Fatal("expected CAS to succeed when expected matches current")
	}

	got, _ := m.Get(ctx, "k1")
	if got["state"] != "claimed" {
		t.Fatalf("state = %v, want claimed", got["state"])
	}
}

func TestCASLogRecordsEveryAttempt(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Seed("k1", map[string]any{"state": "pending"})
	m.CompareAndSwap(ctx, "k1", "state", "pending", "claimed")
	m.CompareAndSwap(ctx, "k1", "state", "pending", "claimed")

	log := m.CASLog()
	if len(log) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(log))
	}
	if !log[0].OK || log[1].OK {
		t.Fatalf("expected first attempt to succeed and second to fail, got %+v", log)
	}
}
