// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package beacon implements the Beacon (spec.md §4.10): the
// periodic health and capacity publisher that lets other hosts and
// operators observe this supervisor's load without querying it
// directly.
package beacon

import (
	"context"
	"log/slog"
	"time"

	"github.com/gbe-systems/sentinel/bus"
	"github.com/gbe-systems/sentinel/lib/clock"
	"github.com/gbe-systems/sentinel/slot"
)

// capacityDebounce bounds how often a Slot Tracker change triggers a
// capacity publish (spec.md §4.10).
const capacityDebounce = 100 * time.Millisecond

// Beacon publishes health on a fixed cadence and capacity both on that
// cadence and, debounced, on every Slot Tracker change.
type Beacon struct {
	Transport bus.Transport
	Tracker   *slot.Tracker
	Clock     clock.Clock
	Logger    *slog.Logger

	Namespace string
	HostID    string
	Interval  time.Duration

	startedAt time.Time
}

// New constructs a Beacon. Interval is the health/capacity publish
// cadence; if zero, defaults to 10s.
func New(transport bus.Transport, tracker *slot.Tracker, hostClock clock.Clock, logger *slog.Logger, namespace, hostID string, interval time.Duration) *Beacon {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Beacon{
		Transport: transport,
		Tracker:   tracker,
		Clock:     hostClock,
		Logger:    logger,
		Namespace: namespace,
		HostID:    hostID,
		Interval:  interval,
	}
}

// Run publishes health and capacity on Interval until ctx is
// cancelled, and additionally publishes capacity whenever the Slot
// Tracker changes, debounced to at most one extra publish per 100ms.
// On cancellation it flushes one final capacity event (spec.md §5
// "the Beacon flushes one final capacity event") before returning.
func (b *Beacon) Run(ctx context.Context) {
	b.startedAt = b.Clock.Now()

	ticker := b.Clock.NewTicker(b.Interval)
	defer ticker.Stop()

	changes, unsubscribe := b.Tracker.Subscribe()
	defer unsubscribe()

	debounce := b.Clock.NewTicker(capacityDebounce)
	defer debounce.Stop()

	pendingCapacity := false

	for {
		select {
		case <-ticker.C:
			b.publishHealth(ctx)
			b.publishCapacity(ctx)

		case <-changes:
			pendingCapacity = true

		case <-debounce.C:
			if pendingCapacity {
				pendingCapacity = false
				b.publishCapacity(ctx)
			}

		case <-ctx.Done():
			b.publishCapacity(context.Background())
			return
		}
	}
}

func (b *Beacon) publishHealth(ctx context.Context) {
	snap := b.Tracker.Available()
	body := bus.HealthBody{
		Uptime: b.Clock.Now().Sub(b.startedAt).Seconds(),
		Used:   snap.Used,
		Total:  snap.Total,
	}
	b.publish(ctx, bus.Subjects{Namespace: b.Namespace}.Health(b.HostID), body)
}

func (b *Beacon) publishCapacity(ctx context.Context) {
	snap := b.Tracker.Available()
	body := bus.CapacityBody{Used: snap.Used, Total: snap.Total}
	b.publish(ctx, bus.Subjects{Namespace: b.Namespace}.Capacity(b.HostID), body)
}

func (b *Beacon) publish(ctx context.Context, subject string, body any) {
	data, err := bus.Encode("", b.Clock.Now(), body)
	if err != nil {
		b.Logger.Error("beacon encode failed", "subject", subject, "error", err)
		return
	}
	if err := b.Transport.Publish(ctx, subject, data); err != nil {
		b.Logger.Warn("beacon publish failed", "subject", subject, "error", err)
	}
}
