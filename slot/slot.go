// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package slot implements the Slot Tracker: the sole backpressure
// mechanism for concurrent VM capacity (spec.md §4.1).
package slot

import (
	"context"
	"sync"

	"github.com/gbe-systems/sentinel/sentinelerr"
)

// Token is an opaque permit returned by Acquire. Release is mandatory and
// idempotent on a given Token.
type Token struct {
	tracker  *Tracker
	released bool
}

// Tracker maintains total_slots (configured) and used_slots (dynamic).
// Safe for concurrent use; acquire/release use single-writer semantics
// enforced by an internal mutex.
type Tracker struct {
	mu   sync.Mutex
	total int
	used  int

	// waiters are goroutines blocked in Acquire, notified by a closed
	// channel each time a slot becomes free.
	waitersChanged chan struct{}

	// subscribers receive a snapshot on every change, for the Beacon's
	// debounced capacity publish.
	subMu       sync.Mutex
	subscribers []chan Snapshot
}

// Snapshot is a point-in-time view of slot usage.
type Snapshot struct {
	Used  int
	Total int
}

// New creates a Tracker with the given total capacity.
func New(total int) *Tracker {
	return &Tracker{
		total:          total,
		waitersChanged: make(chan struct{}),
	}
}

// Acquire blocks until a slot is free or ctx is cancelled, then returns a
// Token. On cancellation returns a *sentinelerr.Error of kind Cancelled.
func (t *Tracker) Acquire(ctx context.Context) (*Token, error) {
	for {
		t.mu.Lock()
		if t.used < t.total {
			t.used++
			changed := t.waitersChanged
			t.waitersChanged = make(chan struct{})
			t.mu.Unlock()
			close(changed)
			t.notify()
			return &Token{tracker: t}, nil
		}
		wait := t.waitersChanged
		t.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return nil, sentinelerr.Wrap(sentinelerr.Cancelled, ctx.Err())
		}
	}
}

// Release returns the token's slot to the pool. Calling Release more than
// once on the same Token is a no-op, satisfying the "idempotent on a given
// token" requirement (spec.md §4.1).
func (t *Token) Release() {
	if t == nil || t.released {
		return
	}
	t.released = true

	tr := t.tracker
	tr.mu.Lock()
	if tr.used > 0 {
		tr.used--
	}
	changed := tr.waitersChanged
	tr.waitersChanged = make(chan struct{})
	tr.mu.Unlock()
	close(changed)
	tr.notify()
}

// Available returns a snapshot of current usage.
func (t *Tracker) Available() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{Used: t.used, Total: t.total}
}

// Subscribe returns a channel that receives a Snapshot on every Acquire or
// Release. The channel has capacity 1 and drops snapshots if the
// subscriber falls behind (the Beacon only ever cares about the latest
// value). Call Unsubscribe to stop receiving and release resources.
func (t *Tracker) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	t.subMu.Lock()
	t.subscribers = append(t.subscribers, ch)
	t.subMu.Unlock()

	unsubscribe := func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		for i, candidate := range t.subscribers {
			if candidate == ch {
				t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

func (t *Tracker) notify() {
	snap := t.Available()
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}
