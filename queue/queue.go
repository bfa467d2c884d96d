// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the Queue Consumer (spec.md §4.2): one
// subscription per configured task type, with inflight bounded by the
// slots dedicated to that type and backpressure enforced purely by slot
// availability.
package queue

import (
	"context"
	"log/slog"

	"github.com/gbe-systems/sentinel/bus"
	"github.com/gbe-systems/sentinel/slot"
)

// Handler is invoked for every delivered message once a slot token has
// been acquired on the caller's behalf. The handler owns tok: on any
// outcome that does not transfer it onward (e.g. into a Lifecycle
// Coordinator), the handler must release it.
type Handler func(ctx context.Context, msg bus.Message, tok *slot.Token)

// Consumer subscribes to one task type's queue.
type Consumer struct {
	Transport   bus.Transport
	Tracker     *slot.Tracker
	Namespace   string
	TaskType    string
	MaxInflight int
	Handler     Handler
	Logger      *slog.Logger
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Run subscribes and processes messages until ctx is cancelled. For each
// delivered message it acquires a slot token (blocking); if acquisition
// is cancelled by shutdown, the message is negatively-acknowledged so
// another host may pick it up, per spec.md §4.2.
func (c *Consumer) Run(ctx context.Context) error {
	subjects := bus.Subjects{Namespace: c.Namespace}
	subject := subjects.TaskQueue(c.TaskType)
	group := subjects.TaskGroup(c.TaskType)

	maxInflight := c.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 1
	}

	messages, err := c.Transport.Subscribe(ctx, subject, group, maxInflight)
	if err != nil {
		return err
	}

	c.logger().Info("queue consumer started", "subject", subject, "group", group, "max_inflight", maxInflight)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.dispatch(ctx, msg)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg bus.Message) {
	tok, err := c.Tracker.Acquire(ctx)
	if err != nil {
		// Shutdown or cancellation fired while waiting for a slot: give
		// the message back so another host can claim it.
		msg.Nak()
		return
	}
	c.Handler(ctx, msg, tok)
}
