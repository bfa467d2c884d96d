// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package slot

import (
	"context"
	"testing"
	"time"
)

func TestAcquireReleaseConservation(t *testing.T) {
	tr := New(2)

	tok1, err := tr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	tok2, err := tr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	if snap := tr.Available(); snap.Used != 2 || snap.Total != 2 {
		t.Fatalf("unexpected snapshot after two acquires: %+v", snap)
	}

	tok1.Release()
	tok1.Release() // idempotent — must not double-decrement

	if snap := tr.Available(); snap.Used != 1 {
		t.Fatalf("expected used=1 after release+double-release, got %+v", snap)
	}

	tok2.Release()
	if snap := tr.Available(); snap.Used != 0 {
		t.Fatalf("expected used=0, got %+v", snap)
	}
}

func TestAcquireBlocksUntilFree(t *testing.T) {
	tr := New(1)

	tok, err := tr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		second, err := tr.Acquire(context.Background())
		if err != nil {
			t.Errorf("second acquire: %v", err)
			return
		}
		second.Release()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire returned before the slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	tok.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked after release")
	}
}

func TestAcquireCancellation(t *testing.T) {
	tr := New(1)
	tok, err := tr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer tok.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tr.Acquire(ctx); err == nil {
		t.Fatal("expected error from acquiring with a cancelled context")
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	tr := New(1)
	ch, unsubscribe := tr.Subscribe()
	defer unsubscribe()

	tok, err := tr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	select {
	case snap := <-ch:
		if snap.Used != 1 {
			t.Fatalf("expected used=1, got %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot received after acquire")
	}

	tok.Release()

	select {
	case snap := <-ch:
		if snap.Used != 0 {
			t.Fatalf("expected used=0, got %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot received after release")
	}
}
