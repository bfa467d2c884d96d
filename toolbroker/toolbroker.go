// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolbroker implements the Tool Broker (spec.md §4.9): the
// capability gate a guest's `tool_call` messages pass through before
// any external effect runs, plus the host's audit log of every call,
// keyed on task id.
package toolbroker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/gbe-systems/sentinel/channel"
	"github.com/gbe-systems/sentinel/config"
	"github.com/gbe-systems/sentinel/lib/clock"
	"github.com/gbe-systems/sentinel/sentinelerr"
)

// Executor performs a tool's actual effect. Implementations are
// per-tool; the broker only validates and records.
type Executor interface {
	Execute(ctx context.Context, tool string, params []byte) ([]byte, error)
}

// Broker validates and dispatches tool_call messages for every VM on the
// host; rate budgets are kept per task id.
type Broker struct {
	Logger *slog.Logger
	Clock  clock.Clock

	audit atomic.Pointer[AuditLog]

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // keyed by task id, one budget per task
}

func New(audit *AuditLog, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{Logger: logger, Clock: clock.Real(), limiters: make(map[string]*rate.Limiter)}
	b.audit.Store(audit)
	return b
}

// AuditLog returns the audit log the Broker is currently recording to.
func (b *Broker) AuditLog() *AuditLog {
	return b.audit.Load()
}

// SetAudit atomically swaps the audit log the Broker records to, used
// when the host-level log is rotated out from under it.
func (b *Broker) SetAudit(audit *AuditLog) {
	b.audit.Store(audit)
}

func (b *Broker) limiterFor(taskID string, callsPerMinute int) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	limiter, ok := b.limiters[taskID]
	if !ok {
		limit := rate.Limit(float64(callsPerMinute) / 60.0)
		limiter = rate.NewLimiter(limit, max(callsPerMinute, 1))
		b.limiters[taskID] = limiter
	}
	return limiter
}

// Forget drops the per-task rate limiter, called on lifecycle teardown
// so limiters don't accumulate across the supervisor's lifetime.
func (b *Broker) Forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.limiters, taskID)
}

// Handle validates call against profile and descriptor allowlists and
// the task's rate budget, executes it on acceptance, and returns the
// outbound message to send back to the guest (always a ToolResult or
// ToolError, never an error — rejection is a protocol response, not a
// Go error).
func (b *Broker) Handle(ctx context.Context, profile *config.Profile, descriptorAllowlist []string, taskID string, call channel.ToolCall, executors map[string]Executor) any {
	if !allowed(call.Tool, profile.ToolPolicy.AllowedTools, descriptorAllowlist) {
		b.Logger.Warn("tool call denied", "task_id", taskID, "tool", call.Tool)
		b.record(taskID, call, false, "tool not in allowlist intersection")
		return channel.ToolError{Type: "tool_error", ID: call.ID, CallID: call.CallID, Error: "tool not allowed"}
	}

	callsPerMinute := profile.ToolPolicy.RateLimit.CallsPerMinute
	if callsPerMinute > 0 {
		limiter := b.limiterFor(taskID, callsPerMinute)
		if !limiter.Allow() {
			b.Logger.Warn("tool call rate limited", "task_id", taskID, "tool", call.Tool)
			b.record(taskID, call, false, "rate limit exceeded")
			return channel.ToolError{Type: "tool_error", ID: call.ID, CallID: call.CallID, Error: "rate limit exceeded"}
		}
	}

	executor, ok := executors[call.Tool]
	if !ok {
		b.record(taskID, call, false, "no executor registered")
		return channel.ToolError{Type: "tool_error", ID: call.ID, CallID: call.CallID, Error: "tool unavailable"}
	}

	result, err := executor.Execute(ctx, call.Tool, call.Params)
	if err != nil {
		b.Logger.Error("tool execution failed", "task_id", taskID, "tool", call.Tool, "error", err)
		b.record(taskID, call, false, err.Error())
		wrapped := sentinelerr.Wrap(sentinelerr.ToolExec, err)
		return channel.ToolError{Type: "tool_error", ID: call.ID, CallID: call.CallID, Error: wrapped.Error()}
	}

	b.record(taskID, call, true, "")
	return channel.ToolResult{Type: "tool_result", ID: call.ID, CallID: call.CallID, Result: result}
}

// allowed reports whether tool is in the intersection of the profile's
// allowlist and the task descriptor's allowlist (spec.md §4.9). An
// empty profile allowlist denies everything; an empty descriptor
// allowlist is treated as "inherit the profile's set" since most task
// descriptors don't narrow further.
func allowed(tool string, profileAllow, descriptorAllow []string) bool {
	if !contains(profileAllow, tool) {
		return false
	}
	if len(descriptorAllow) == 0 {
		return true
	}
	return contains(descriptorAllow, tool)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func (b *Broker) record(taskID string, call channel.ToolCall, accepted bool, reason string) {
	audit := b.audit.Load()
	if audit == nil {
		return
	}
	if err := audit.Append(Entry{
		TaskID:    taskID,
		CallID:    call.CallID,
		Tool:      call.Tool,
		Accepted:  accepted,
		Reason:    reason,
		Timestamp: b.Clock.Now().UnixMilli(),
	}); err != nil {
		b.Logger.Error("audit log append failed", "task_id", taskID, "error", err)
	}
}
