// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gbe-systems/sentinel/bus"
	"github.com/gbe-systems/sentinel/slot"
)

func TestConsumerDispatchesWithAcquiredToken(t *testing.T) {
	transport := bus.NewMemory()
	tracker := slot.New(1)

	var mu sync.Mutex
	var gotTok *slot.Token
	done := make(chan struct{})

	c := &Consumer{
		Transport:   transport,
		Tracker:     tracker,
		Namespace:   "gbe",
		TaskType:    "build",
		MaxInflight: 1,
		Handler: func(ctx context.Context, msg bus.Message, tok *slot.Token) {
			mu.Lock()
			gotTok = tok
			mu.Unlock()
			tok.Release()
			msg.Ack()
			close(done)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	subject := bus.Subjects{Namespace: "gbe"}.TaskQueue("build")
	if err := transport.Publish(ctx, subject, []byte("payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to run")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotTok == nil {
		t.Fatal("expected handler to receive a non-nil token")
	}
	if snap := tracker.Available(); snap.Used != 0 {
		t.Fatalf("expected slot released after handler returned, used=%d", snap.Used)
	}
}

func TestDispatchNaksWhenAcquireIsCancelled(t *testing.T) {
	tracker := slot.New(1)
	tok, err := tracker.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer tok.Release()

	called := false
	c := &Consumer{
		Tracker: tracker,
		Handler: func(ctx context.Context, msg bus.Message, tok *slot.Token) {
			called = true
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	naked := false
	msg := bus.Message{
		Nak: func() { naked = true },
		Ack: func() {},
	}
	c.dispatch(ctx, msg)

	if !naked {
		t.Fatal("expected message to be nak'd when slot acquisition is cancelled")
	}
	if called {
		t.Fatal("expected handler not to run when no slot was acquired")
	}
}
