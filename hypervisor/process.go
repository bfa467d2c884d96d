// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gbe-systems/sentinel/sentinelerr"
)

// Process supervises one firecracker binary instance: its API socket,
// its exit, and its teardown. A Process is not reusable — one VM
// lifecycle, one Process.
type Process struct {
	SocketPath string
	Client     *Client

	cmd  *exec.Cmd
	mu   sync.Mutex
	exit chan struct{}
	err  error
}

// Launch starts the hypervisor binary with an API socket at socketPath,
// waiting until the socket file exists before returning.
func Launch(ctx context.Context, bin, socketPath string) (*Process, error) {
	os.Remove(socketPath) // firecracker refuses to bind an existing socket

	cmd := exec.CommandContext(ctx, bin, "--api-sock", socketPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.HypervisorLaunch, err).WithField("bin", bin)
	}

	p := &Process{
		SocketPath: socketPath,
		Client:     NewClient(socketPath),
		cmd:        cmd,
		exit:       make(chan struct{}),
	}

	go p.wait()

	if err := p.waitForSocket(ctx, socketPath); err != nil {
		p.Kill()
		return nil, err
	}

	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.exit)
}

// waitForSocket polls for the API socket's existence, since firecracker
// creates it asynchronously after the process starts.
func (p *Process) waitForSocket(ctx context.Context, socketPath string) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-p.exit:
			return sentinelerr.New(sentinelerr.HypervisorLaunch).WithField("reason", "process exited before socket appeared")
		case <-ctx.Done():
			return sentinelerr.Wrap(sentinelerr.Cancelled, ctx.Err())
		default:
		}
		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return sentinelerr.New(sentinelerr.HypervisorLaunch).WithField("reason", "timed out waiting for api socket")
}

// Exited returns a channel closed when the hypervisor process exits,
// for whatever reason. Check Err afterward to distinguish a clean exit
// (teardown) from a crash.
func (p *Process) Exited() <-chan struct{} {
	return p.exit
}

// Err returns the process's exit error, or nil if it exited cleanly or
// has not exited yet.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Crashed reports whether the process has exited with a non-zero status
// or signal, as opposed to a clean exit requested by Terminate.
func (p *Process) Crashed() bool {
	select {
	case <-p.exit:
	default:
		return false
	}
	err := p.Err()
	if err == nil {
		return false
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return true
	}
	return true
}

func asExitError(err error, target **exec.ExitError) bool {
	if exitErr, ok := err.(*exec.ExitError); ok {
		*target = exitErr
		return true
	}
	return false
}

// Shutdown asks the guest to power off over the control plane first
// (SendCtrlAltDel), giving it gracePeriod to exit on its own, and only
// falls through to Terminate (SIGTERM, then SIGKILL after
// drainDeadline) if it hasn't. Idempotent: calling it again after the
// process has already exited is a no-op.
func (p *Process) Shutdown(ctx context.Context, gracePeriod, drainDeadline time.Duration) error {
	select {
	case <-p.exit:
		return nil
	default:
	}

	if err := p.Client.SendCtrlAltDel(ctx); err != nil {
		return p.Terminate(drainDeadline)
	}

	select {
	case <-p.exit:
		return nil
	case <-time.After(gracePeriod):
	}

	return p.Terminate(drainDeadline)
}

// Terminate sends SIGTERM and waits up to drainDeadline for the process
// to exit before escalating to SIGKILL. Idempotent: calling it again
// after the process has already exited is a no-op.
func (p *Process) Terminate(drainDeadline time.Duration) error {
	select {
	case <-p.exit:
		return nil
	default:
	}

	if err := p.signalGroup(syscall.SIGTERM); err != nil {
		return sentinelerr.Wrap(sentinelerr.HypervisorCrash, err)
	}

	select {
	case <-p.exit:
		return nil
	case <-time.After(drainDeadline):
	}

	return p.Kill()
}

// Kill sends SIGKILL unconditionally and waits for the exit goroutine to
// observe it. Idempotent.
func (p *Process) Kill() error {
	select {
	case <-p.exit:
		return nil
	default:
	}

	if p.cmd.Process != nil {
		if err := p.signalGroup(syscall.SIGKILL); err != nil {
			return sentinelerr.Wrap(sentinelerr.HypervisorCrash, err)
		}
	}

	<-p.exit
	os.Remove(p.SocketPath)
	return nil
}

// signalGroup signals the process group (not just the leader) with sig,
// catching any child processes firecracker spawned (e.g. jailer) that
// would otherwise survive as orphans.
func (p *Process) signalGroup(sig syscall.Signal) error {
	pgid, err := unix.Getpgid(p.cmd.Process.Pid)
	if err != nil {
		return fmt.Errorf("getpgid: %w", err)
	}
	return unix.Kill(-pgid, sig)
}
