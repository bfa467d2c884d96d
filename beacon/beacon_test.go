// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package beacon

import (
	"context"
	"testing"
	"time"

	"github.com/gbe-systems/sentinel/bus"
	"github.com/gbe-systems/sentinel/lib/clock"
	"github.com/gbe-systems/sentinel/slot"
)

func subjectsPublished(transport *bus.Memory, subject string) int {
	count := 0
	for _, rec := range transport.Published() {
		if rec.Subject == subject {
			count++
		}
	}
	return count
}

func TestBeaconPublishesHealthAndCapacityOnCadence(t *testing.T) {
	transport := bus.NewMemory()
	tracker := slot.New(4)
	fake := clock.Fake(time.Unix(1000, 0))

	b := New(transport, tracker, fake, nil, "gbe", "host1", 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	fake.WaitForTimers(2) // the health/capacity ticker and the debounce ticker
	fake.Advance(5 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if subjectsPublished(transport, "gbe.events.sentinel.host1.health") > 0 &&
			subjectsPublished(transport, "gbe.events.sentinel.host1.capacity") > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := subjectsPublished(transport, "gbe.events.sentinel.host1.health"); n == 0 {
		t.Fatalf("expected at least one health publish, got %d", n)
	}
	if n := subjectsPublished(transport, "gbe.events.sentinel.host1.capacity"); n == 0 {
		t.Fatalf("expected at least one capacity publish, got %d", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestBeaconFlushesFinalCapacityOnCancel(t *testing.T) {
	transport := bus.NewMemory()
	tracker := slot.New(2)
	fake := clock.Fake(time.Unix(0, 0))

	b := New(transport, tracker, fake, nil, "gbe", "host2", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	fake.WaitForTimers(2)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if n := subjectsPublished(transport, "gbe.events.sentinel.host2.capacity"); n != 1 {
		t.Fatalf("expected exactly one final capacity publish, got %d", n)
	}
}

func TestBeaconDebouncesCapacityOnSlotChanges(t *testing.T) {
	transport := bus.NewMemory()
	tracker := slot.New(4)
	fake := clock.Fake(time.Unix(0, 0))

	b := New(transport, tracker, fake, nil, "gbe", "host3", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	fake.WaitForTimers(2)

	tok1, err := tracker.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	tok2, err := tracker.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Give the beacon goroutine a chance to consume the change
	// notifications and mark a capacity publish pending before the
	// debounce ticker fires.
	time.Sleep(20 * time.Millisecond)

	fake.Advance(capacityDebounce)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if subjectsPublished(transport, "gbe.events.sentinel.host3.capacity") > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := subjectsPublished(transport, "gbe.events.sentinel.host3.capacity"); n == 0 {
		t.Fatalf("expected at least one debounced capacity publish, got %d", n)
	}

	tok1.Release()
	tok2.Release()
}
