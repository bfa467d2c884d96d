// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package claim implements the State-Store Claimant (spec.md §4.3): the
// compare-and-swap gate that decides which host owns a task.
package claim

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gbe-systems/sentinel/bus"
	"github.com/gbe-systems/sentinel/internal/task"
	"github.com/gbe-systems/sentinel/lib/clock"
	"github.com/gbe-systems/sentinel/sentinelerr"
	"github.com/gbe-systems/sentinel/slot"
	"github.com/gbe-systems/sentinel/statestore"
)

// Result is handed to the Lifecycle Coordinator on a successful claim.
type Result struct {
	StateKey   string
	Descriptor task.Descriptor
	Token      *slot.Token
}

// Claimant performs CAS claims and writes the lifecycle fields a
// successful claim requires. It does not own the slot token lifecycle
// beyond claim time — on success, ownership transfers to the caller via
// Result.Token; on any failure, the Claimant releases it itself.
type Claimant struct {
	Store     statestore.StateStore
	HostID    string
	Namespace string
	Clock     clock.Clock
	Logger    *slog.Logger
}

func (c *Claimant) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Claim extracts the state key from descriptor, performs CAS(state:
// pending→claimed), and on success writes worker/updated_at/timeout_at in
// the same logical step, per the CAS-then-ack ordering spec.md §4.3
// mandates (ack happens after this returns, by the caller).
//
// On CAS conflict, returns a *sentinelerr.Error of kind CASConflict and
// releases tok. On a state-store error, returns a *sentinelerr.Error of
// kind StateTransient and releases tok. Callers must Nak the bus message
// in both cases; Claim never acks or naks the bus itself.
func (c *Claimant) Claim(ctx context.Context, descriptor task.Descriptor, cid uint32, timeoutSec int, tok *slot.Token) (*Result, error) {
	if descriptor.TraceID == "" {
		descriptor.TraceID = uuid.NewString()
	}
	key := task.StateKey(c.Namespace, descriptor.Type, descriptor.ID)

	ok, err := c.Store.CompareAndSwap(ctx, key, "state", string(task.StatePending), string(task.StateClaimed))
	if err != nil {
		tok.Release()
		return nil, sentinelerr.Wrap(sentinelerr.StateTransient, err).WithField("task_id", descriptor.ID)
	}
	if !ok {
		tok.Release()
		c.logger().Debug("cas conflict", "task_id", descriptor.ID, "key", key)
		return nil, sentinelerr.New(sentinelerr.CASConflict).WithField("task_id", descriptor.ID)
	}

	now := c.Clock.Now()
	record := task.Record{
		State:     task.StateClaimed,
		Worker:    task.WorkerID(c.HostID, cid),
		UpdatedAt: now.UnixMilli(),
		TimeoutAt: now.Add(time.Duration(timeoutSec) * time.Second).UnixMilli(),
	}
	if err := c.Store.SetFields(ctx, key, record.Fields()); err != nil {
		tok.Release()
		return nil, sentinelerr.Wrap(sentinelerr.StateTransient, err).WithField("task_id", descriptor.ID)
	}

	c.logger().Info("claimed task", "task_id", descriptor.ID, "key", key, "worker", record.Worker)
	return &Result{StateKey: key, Descriptor: descriptor, Token: tok}, nil
}

// DescriptorFromMessage decodes a bus message body into a task.Descriptor.
func DescriptorFromMessage(msg bus.Message) (task.Descriptor, error) {
	env, err := bus.Decode(msg.Data)
	if err != nil {
		return task.Descriptor{}, sentinelerr.Wrap(sentinelerr.GuestProtocol, err)
	}
	var descriptor task.Descriptor
	if raw, ok := env.Body.(map[string]any); ok {
		descriptor = descriptorFromMap(raw)
	}
	return descriptor, nil
}

func descriptorFromMap(raw map[string]any) task.Descriptor {
	var d task.Descriptor
	if v, ok := raw["id"].(string); ok {
		d.ID = v
	}
	if v, ok := raw["task_type"].(string); ok {
		d.Type = v
	}
	if v, ok := raw["profile"].(string); ok {
		d.Profile = v
	}
	if v, ok := raw["params_ref"].(string); ok {
		d.ParamsRef = v
	}
	if v, ok := raw["trace_id"].(string); ok {
		d.TraceID = v
	}
	if v, ok := raw["tool_allowlist"].([]any); ok {
		for _, item := range v {
			if tool, ok := item.(string); ok {
				d.ToolAllowlist = append(d.ToolAllowlist, tool)
			}
		}
	}
	return d
}
