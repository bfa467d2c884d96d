// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle implements the VM Lifecycle Coordinator (spec.md
// §4.7): the state machine that drives one VM from claim through
// teardown, owning its timeout timer and the ordering guarantees
// between guest result, terminal bus publish, terminal state-store
// write, and slot release.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/gbe-systems/sentinel/bus"
	"github.com/gbe-systems/sentinel/channel"
	"github.com/gbe-systems/sentinel/claim"
	"github.com/gbe-systems/sentinel/config"
	"github.com/gbe-systems/sentinel/hypervisor"
	"github.com/gbe-systems/sentinel/internal/task"
	"github.com/gbe-systems/sentinel/lib/clock"
	"github.com/gbe-systems/sentinel/netattach"
	"github.com/gbe-systems/sentinel/overlay"
	"github.com/gbe-systems/sentinel/statestore"
	"github.com/gbe-systems/sentinel/toolbroker"
)

// Phase names the state machine's nodes (spec.md §4.7).
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseProvisioning Phase = "provisioning"
	PhaseRunning      Phase = "running"
	PhaseCollecting   Phase = "collecting"
	PhaseTeardown     Phase = "teardown"
)

// Outcome is the terminal task.State a lifecycle converges on, the
// human-readable cause recorded in the state store's error field, and
// the guest's reported output, if any.
type Outcome struct {
	State     task.State
	Cause     string
	ResultRef string
}

// Deps bundles every collaborator a Coordinator drives. One Deps is
// shared by every lifecycle running on a host; each Coordinator only
// touches the CID it owns.
type Deps struct {
	Overlay     *overlay.Manager
	Network     *netattach.Manager
	Multiplexer *channel.Multiplexer
	Transport   bus.Transport
	Store       statestore.StateStore
	Clock       clock.Clock
	Logger      *slog.Logger
	Broker      *toolbroker.Broker
	Executors   map[string]toolbroker.Executor

	HypervisorBin  string
	KernelPath     string
	SocketDir      string
	Namespace      string
	HostID         string
	BusRetries     int
}

// Coordinator drives a single claimed task's VM from provisioning to
// teardown.
type Coordinator struct {
	deps       Deps
	cid        uint32
	descriptor task.Descriptor
	profile    *config.Profile
	profileName string
	stateKey   string
	tok        releasable

	phase   Phase
	process *hypervisor.Process
	inbox   *channel.Inbox
	attachment *netattach.Attachment
	overlayPath string
	vsockListener net.Listener
}

// releasable is the subset of *slot.Token a Coordinator needs, kept
// narrow so tests can substitute a fake without importing slot.
type releasable interface {
	Release()
}

// New constructs a Coordinator for a freshly claimed task. tok is
// released exactly once, during teardown.
func New(deps Deps, result *claim.Result, cid uint32, profileName string, profile *config.Profile) *Coordinator {
	return &Coordinator{
		deps:        deps,
		cid:         cid,
		descriptor:  result.Descriptor,
		profile:     profile,
		profileName: profileName,
		stateKey:    result.StateKey,
		tok:         result.Token,
		phase:       PhaseIdle,
	}
}

func (c *Coordinator) logger() *slog.Logger {
	if c.deps.Logger == nil {
		return slog.Default()
	}
	return c.deps.Logger
}

// Run drives the full lifecycle to completion: provisioning, running,
// collecting, teardown. It never returns an error — every failure path
// is captured as an Outcome and reflected in the state store and bus
// before Run returns.
func (c *Coordinator) Run(ctx context.Context) Outcome {
	outcome, cause, resultRef := c.provisionAndRun(ctx)
	c.teardown(ctx, outcome, cause, resultRef)
	return Outcome{State: outcome, Cause: cause, ResultRef: resultRef}
}

func (c *Coordinator) provisionAndRun(ctx context.Context) (task.State, string, string) {
	c.phase = PhaseProvisioning

	overlayPath, err := c.deps.Overlay.Provision(c.cid, c.profileName, c.profile.Rootfs)
	if err != nil {
		c.logger().Error("overlay provisioning failed", "task_id", c.descriptor.ID, "error", err)
		return task.StateFailed, err.Error(), ""
	}
	c.overlayPath = overlayPath

	attachment, err := c.deps.Network.Attach(ctx, c.cid, c.profile)
	if err != nil {
		c.logger().Error("network attach failed", "task_id", c.descriptor.ID, "error", err)
		return task.StateFailed, err.Error(), ""
	}
	c.attachment = attachment

	c.inbox = c.deps.Multiplexer.Register(c.cid)

	socketPath := fmt.Sprintf("%s/%d.sock", c.deps.SocketDir, c.cid)
	process, err := hypervisor.Launch(ctx, c.deps.HypervisorBin, socketPath)
	if err != nil {
		c.logger().Error("hypervisor launch failed", "task_id", c.descriptor.ID, "error", err)
		return task.StateFailed, err.Error(), ""
	}
	c.process = process

	if err := c.configureAndStart(ctx, overlayPath); err != nil {
		c.logger().Error("hypervisor configuration failed", "task_id", c.descriptor.ID, "error", err)
		return task.StateFailed, err.Error(), ""
	}

	c.phase = PhaseRunning
	return c.runUntilTerminal(ctx)
}

func (c *Coordinator) configureAndStart(ctx context.Context, overlayPath string) error {
	client := c.process.Client

	if err := client.ConfigureMachine(ctx, hypervisor.MachineConfig{
		VCPUCount:  c.profile.VCPUs,
		MemSizeMiB: c.profile.MemMB,
	}); err != nil {
		return err
	}
	if err := client.SetBootSource(ctx, hypervisor.BootSource{
		KernelImagePath: c.deps.KernelPath,
		BootArgs:        hypervisor.DefaultBootArgs,
	}); err != nil {
		return err
	}
	if err := client.SetRootDrive(ctx, overlayPath); err != nil {
		return err
	}
	vsockPath := fmt.Sprintf("%s/%d.vsock", c.deps.SocketDir, c.cid)
	if err := client.SetVsock(ctx, c.cid, vsockPath); err != nil {
		return err
	}
	if err := c.listenGuestChannel(vsockPath); err != nil {
		return err
	}
	if c.attachment.TapName != "" {
		if err := client.SetNetworkInterface(ctx, c.attachment.TapName); err != nil {
			return err
		}
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	return nil
}

// listenGuestChannel opens the host side of this VM's vsock device and
// hands it to the Multiplexer. Firecracker connects the guest's vsock
// traffic through to this socket once the device is attached, so the
// listener must exist before Start is issued.
func (c *Coordinator) listenGuestChannel(vsockPath string) error {
	if err := os.Remove(vsockPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	listener, err := net.Listen("unix", vsockPath)
	if err != nil {
		return err
	}
	c.vsockListener = listener

	cid := c.cid
	go c.deps.Multiplexer.Serve(context.Background(), listener, func(net.Conn) (uint32, error) {
		return cid, nil
	})
	return nil
}

// runUntilTerminal sends the task payload to the guest and waits for
// whichever comes first: a guest result/error, the timeout timer, or
// the hypervisor process exiting. This is the boundary the spec calls
// out as strictly ordered per VM: whatever arrives here precedes every
// subsequent write.
func (c *Coordinator) runUntilTerminal(ctx context.Context) (task.State, string, string) {
	now := c.deps.Clock.Now()
	timeoutAt := now.Add(time.Duration(c.profile.TimeoutSec) * time.Second)

	if err := c.deps.Store.SetFields(ctx, c.stateKey, map[string]any{
		"state":      string(task.StateRunning),
		"started_at": now.UnixMilli(),
		"timeout_at": timeoutAt.UnixMilli(),
		"updated_at": now.UnixMilli(),
	}); err != nil {
		c.logger().Warn("state-store update failed entering running", "task_id", c.descriptor.ID, "error", err)
	}

	c.inbox.Send(channel.Task{
		Type:    "task",
		ID:      c.descriptor.ID,
		Payload: nil,
		Tools:   c.descriptor.ToolAllowlist,
	})

	timeout := c.deps.Clock.After(time.Duration(c.profile.TimeoutSec) * time.Second)

	for {
		select {
		case msg, ok := <-c.inbox.Inbound:
			if !ok {
				return task.StateFailed, "guest channel closed", ""
			}
			c.phase = PhaseCollecting
			switch msg.Type {
			case "progress":
				c.publishProgress(ctx, msg)
				c.phase = PhaseRunning
				continue
			case "result":
				result, err := channel.DecodeResult(msg)
				if err != nil {
					continue
				}
				if result.ExitCode == 0 {
					return task.StateCompleted, "", result.Output
				}
				return task.StateFailed, fmt.Sprintf("guest exited %d", result.ExitCode), result.Output
			case "error":
				guestErr, err := channel.DecodeGuestError(msg)
				if err != nil {
					continue
				}
				return task.StateFailed, guestErr.Error, ""
			case "tool_call":
				call, err := channel.DecodeToolCall(msg)
				if err != nil {
					c.logger().Warn("malformed tool_call", "task_id", c.descriptor.ID, "error", err)
					c.phase = PhaseRunning
					continue
				}
				reply := c.deps.Broker.Handle(ctx, c.profile, c.descriptor.ToolAllowlist, c.descriptor.ID, call, c.deps.Executors)
				c.inbox.Send(reply)
				c.phase = PhaseRunning
				continue
			default:
				c.phase = PhaseRunning
				continue
			}

		case <-timeout:
			return task.StateFailed, "guest_timeout", ""

		case <-c.process.Exited():
			if c.process.Crashed() {
				return task.StateFailed, "vm_crash", ""
			}
			return task.StateFailed, "hypervisor exited unexpectedly", ""

		case <-ctx.Done():
			return task.StateCancelled, "cancelled", ""
		}
	}
}

func (c *Coordinator) publishProgress(ctx context.Context, msg channel.Inbound) {
	progress, err := channel.DecodeProgress(msg)
	if err != nil {
		return
	}
	subjects := bus.Subjects{Namespace: c.deps.Namespace}
	encoded, err := bus.Encode(c.descriptor.TraceID, c.deps.Clock.Now(), bus.ProgressBody{
		ID:   progress.ID,
		Step: progress.Step,
	})
	if err != nil {
		return
	}
	if err := c.deps.Transport.Publish(ctx, subjects.TaskProgress(c.descriptor.Type), encoded); err != nil {
		return
	}

	now := c.deps.Clock.Now()
	if err := c.deps.Store.SetFields(ctx, c.stateKey, map[string]any{
		"current_step": progress.Step,
		"updated_at":   now.UnixMilli(),
	}); err != nil {
		c.logger().Warn("state-store update failed on progress", "task_id", c.descriptor.ID, "error", err)
	}
}

// teardown always runs regardless of how provisionAndRun concluded. It
// terminates the hypervisor, detaches the network, deletes the overlay,
// deregisters from the multiplexer, publishes the terminal bus event,
// writes terminal state-store fields, and finally releases the slot
// token — in that order, matching spec.md §4.7 and §5's ordering
// guarantee.
func (c *Coordinator) teardown(ctx context.Context, outcome task.State, cause, resultRef string) {
	c.phase = PhaseTeardown

	if c.process != nil {
		if err := c.process.Shutdown(ctx, 3*time.Second, 10*time.Second); err != nil {
			c.logger().Warn("hypervisor shutdown failed", "task_id", c.descriptor.ID, "error", err)
		}
	}
	if c.attachment != nil {
		if err := c.attachment.Teardown(); err != nil {
			c.logger().Warn("network teardown failed", "task_id", c.descriptor.ID, "error", err)
		}
	}
	if c.overlayPath != "" {
		if err := c.deps.Overlay.Destroy(c.cid); err != nil {
			c.logger().Warn("overlay teardown failed", "task_id", c.descriptor.ID, "error", err)
		}
	}
	if c.vsockListener != nil {
		c.vsockListener.Close()
	}
	c.deps.Multiplexer.Deregister(c.cid)

	c.publishTerminal(ctx, outcome, cause, resultRef)
	c.writeTerminalState(ctx, outcome, cause, resultRef)

	c.tok.Release()
}

func (c *Coordinator) publishTerminal(ctx context.Context, outcome task.State, cause, resultRef string) {
	subjects := bus.Subjects{Namespace: c.deps.Namespace}
	encoded, err := bus.Encode(c.descriptor.TraceID, c.deps.Clock.Now(), bus.TerminalBody{
		ID:        c.descriptor.ID,
		State:     string(outcome),
		Error:     cause,
		ResultRef: resultRef,
	})
	if err != nil {
		c.logger().Error("encoding terminal event", "task_id", c.descriptor.ID, "error", err)
		return
	}

	subject := subjects.TaskTerminal(c.descriptor.Type)
	attempts := c.deps.BusRetries
	if attempts <= 0 {
		attempts = 3
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.deps.Transport.Publish(ctx, subject, encoded); err == nil {
			return
		} else if attempt == attempts {
			c.logger().Error("abandoning terminal publish after retries", "task_id", c.descriptor.ID, "error", err)
			return
		}
		c.deps.Clock.Sleep(time.Duration(1<<(attempt-1)) * time.Second)
	}
}

func (c *Coordinator) writeTerminalState(ctx context.Context, outcome task.State, cause, resultRef string) {
	now := c.deps.Clock.Now()
	record := task.Record{
		State:       outcome,
		CompletedAt: now.UnixMilli(),
		UpdatedAt:   now.UnixMilli(),
		Error:       cause,
		ResultRef:   resultRef,
	}

	// Terminal states are never overwritten (spec.md §3 invariant d): the
	// current state is read first, and if it is already terminal that
	// write wins and this one is a no-op. The read and the write are two
	// separate calls, not a CAS; a failed read is not escalated and the
	// write proceeds.
	current, err := c.deps.Store.Get(ctx, c.stateKey)
	if err == nil && current != nil {
		if existing, ok := current["state"].(string); ok && task.State(existing).Terminal() {
			return
		}
	}

	if err := c.deps.Store.SetFields(ctx, c.stateKey, record.Fields()); err != nil {
		c.logger().Error("writing terminal state failed", "task_id", c.descriptor.ID, "error", err)
	}
}

// IsCancelled is a convenience check used by callers deciding
// whether a Coordinator's failure Outcome stemmed from shutdown rather
// than a task-specific error.
func IsCancelled(o Outcome) bool {
	return o.State == task.StateCancelled
}
