// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gbe-systems/sentinel/bus"
	"github.com/gbe-systems/sentinel/claim"
	"github.com/gbe-systems/sentinel/config"
	"github.com/gbe-systems/sentinel/lib/clock"
	"github.com/gbe-systems/sentinel/slot"
	"github.com/gbe-systems/sentinel/statestore"
	"github.com/gbe-systems/sentinel/toolbroker"
)

func testSupervisor(t *testing.T) *supervisor {
	t.Helper()
	store := statestore.NewMemory()
	return &supervisor{
		cfg: &config.Config{
			Namespace: "gbe",
			HostID:    "host1",
			Profiles: map[string]*config.Profile{
				"default": {VCPUs: 1, MemMB: 256, Rootfs: "base.ext4", TimeoutSec: 30, Network: config.NetworkNone},
			},
		},
		logger:    nil,
		transport: bus.NewMemory(),
		store:     store,
		tracker:   slot.New(4),
		claimant: &claim.Claimant{
			Store:     store,
			HostID:    "host1",
			Namespace: "gbe",
			Clock:     clock.Real(),
		},
		nextCID: 3,
	}
}

func encodedDescriptorMessage(t *testing.T, id, taskType, profile string) ([]byte, func(), func()) {
	t.Helper()
	data, err := bus.Encode("", time.Now(), map[string]any{
		"id":        id,
		"task_type": taskType,
		"profile":   profile,
	})
	if err != nil {
		t.Fatalf("bus.Encode: %v", err)
	}
	return data, func() {}, func() {}
}

func TestAllocateCIDIsUnique(t *testing.T) {
	s := testSupervisor(t)
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		cid := s.allocateCID()
		if seen[cid] {
			t.Fatalf("duplicate cid %d", cid)
		}
		seen[cid] = true
	}
}

func TestHandleDropsMalformedMessage(t *testing.T) {
	s := testSupervisor(t)
	var wg sync.WaitGroup
	handler := s.handle(context.Background(), &wg)

	naked := false
	msg := bus.Message{
		Data: []byte("not cbor"),
		Ack:  func() {},
		Nak:  func() { naked = true },
	}
	tok, err := s.tracker.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	handler(context.Background(), msg, tok)

	if !naked {
		t.Fatal("expected malformed message to be nak'd")
	}
	if snap := s.tracker.Available(); snap.Used != 0 {
		t.Fatalf("expected slot released, used=%d", snap.Used)
	}
}

func TestHandleDropsUnknownProfile(t *testing.T) {
	s := testSupervisor(t)
	var wg sync.WaitGroup
	handler := s.handle(context.Background(), &wg)

	data, _, _ := encodedDescriptorMessage(t, "t1", "build", "nonexistent")
	naked := false
	msg := bus.Message{
		Data: data,
		Ack:  func() {},
		Nak:  func() { naked = true },
	}
	tok, err := s.tracker.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	handler(context.Background(), msg, tok)

	if !naked {
		t.Fatal("expected unknown-profile message to be nak'd")
	}
	if snap := s.tracker.Available(); snap.Used != 0 {
		t.Fatalf("expected slot released, used=%d", snap.Used)
	}
}

func TestRotateAuditIfNeededSkipsBelowThreshold(t *testing.T) {
	s := testSupervisor(t)
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.db")
	audit, err := toolbroker.OpenAuditLog(auditPath)
	if err != nil {
		t.Fatalf("OpenAuditLog: %v", err)
	}
	defer audit.Close()

	s.audit = audit
	s.auditPath = auditPath
	s.broker = toolbroker.New(audit, nil)
	s.cfg.AuditRotateBytes = 1 << 30 // effectively disables rotation for this file's size

	s.rotateAuditIfNeeded()

	if s.audit != audit {
		t.Fatal("expected audit log to stay the same below threshold")
	}
}

func TestRotateAuditIfNeededRotatesAboveThreshold(t *testing.T) {
	s := testSupervisor(t)
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.db")
	audit, err := toolbroker.OpenAuditLog(auditPath)
	if err != nil {
		t.Fatalf("OpenAuditLog: %v", err)
	}

	if err := audit.Append(toolbroker.Entry{TaskID: "t1", CallID: "c1", Tool: "grep", Accepted: true, Timestamp: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	s.audit = audit
	s.auditPath = auditPath
	s.broker = toolbroker.New(audit, nil)
	s.cfg.AuditRotateBytes = 1 // rotate as soon as the file has any bytes

	s.rotateAuditIfNeeded()

	if s.audit == audit {
		t.Fatal("expected audit log to be replaced after rotation")
	}
	defer s.audit.Close()

	if _, err := os.Stat(auditPath + ".zst"); err != nil {
		t.Fatalf("expected archive to exist: %v", err)
	}
	if s.broker.AuditLog() != s.audit {
		t.Fatal("expected broker to observe the rotated audit log")
	}
}

func TestHandleNaksOnCASConflict(t *testing.T) {
	s := testSupervisor(t)
	var wg sync.WaitGroup
	handler := s.handle(context.Background(), &wg)

	// Seed the state record as already claimed, forcing a CAS conflict.
	key := "gbe:state:tasks:build:t1"
	s.store.(*statestore.Memory).Seed(key, map[string]any{"state": "claimed"})

	data, _, _ := encodedDescriptorMessage(t, "t1", "build", "default")
	naked, acked := false, false
	msg := bus.Message{
		Data: data,
		Ack:  func() { acked = true },
		Nak:  func() { naked = true },
	}
	tok, err := s.tracker.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	handler(context.Background(), msg, tok)

	if !naked || acked {
		t.Fatalf("expected cas-conflict message to be nak'd only, naked=%v acked=%v", naked, acked)
	}
	if snap := s.tracker.Available(); snap.Used != 0 {
		t.Fatalf("expected slot released, used=%d", snap.Used)
	}
}
