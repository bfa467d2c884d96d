// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netattach implements the Network Attachment Manager (spec.md
// §4.5): wiring a VM's guest network interface to the host according to
// its profile's mode — NAT, Proxy, or Broker-only.
package netattach

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gbe-systems/sentinel/config"
	"github.com/gbe-systems/sentinel/sentinelerr"
)

// Attachment is the result of attaching one VM's network, returned so
// the Lifecycle Coordinator can tear it down on teardown.
type Attachment struct {
	CID      uint32
	Mode     config.NetworkMode
	TapName  string
	teardown func() error
}

// Teardown releases whatever host-side resources this attachment holds.
// Idempotent: a second call is a no-op.
func (a *Attachment) Teardown() error {
	if a.teardown == nil {
		return nil
	}
	teardown := a.teardown
	a.teardown = nil
	return teardown()
}

// Manager attaches VM guest interfaces according to their profile's
// network mode.
type Manager struct {
	Logger *slog.Logger

	// SocketDir holds the per-VM proxy listener sockets Proxy mode binds,
	// mirroring where the Lifecycle Coordinator keeps its guest-channel
	// vsock sockets.
	SocketDir string

	proxy *ProxyBroker
}

func New(logger *slog.Logger, proxy *ProxyBroker, socketDir string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Logger: logger, proxy: proxy, SocketDir: socketDir}
}

// Attach wires cid's guest interface per profile.Network. The profile's
// network_policy.allow list is consulted only in Proxy mode.
func (m *Manager) Attach(ctx context.Context, cid uint32, profile *config.Profile) (*Attachment, error) {
	switch profile.Network {
	case config.NetworkNAT:
		return m.attachNAT(cid)
	case config.NetworkProxy:
		return m.attachProxy(cid, profile.NetworkPolicy.Allow)
	case config.NetworkNone:
		return &Attachment{CID: cid, Mode: config.NetworkNone}, nil
	default:
		return nil, sentinelerr.New(sentinelerr.NetworkSetup).WithField("reason", "unknown network mode").WithField("mode", profile.Network)
	}
}

// attachNAT creates a tap device for cid and installs iptables
// masquerade/forward rules so the guest can reach the outside world
// through the host's default route, with no inbound path back in.
func (m *Manager) attachNAT(cid uint32) (*Attachment, error) {
	tapName := fmt.Sprintf("sentinel-tap%d", cid)

	if err := runIP("tuntap", "add", "dev", tapName, "mode", "tap"); err != nil {
		return nil, sentinerrNetworkSetup(err, tapName)
	}
	if err := runIP("link", "set", tapName, "up"); err != nil {
		runIP("tuntap", "del", "dev", tapName, "mode", "tap")
		return nil, sentinerrNetworkSetup(err, tapName)
	}

	if err := runIPTables("-t", "nat", "-A", "POSTROUTING", "-o", tapName, "-j", "MASQUERADE"); err != nil {
		runIP("tuntap", "del", "dev", tapName, "mode", "tap")
		return nil, sentinerrNetworkSetup(err, tapName)
	}
	if err := runIPTables("-A", "FORWARD", "-i", tapName, "-j", "ACCEPT"); err != nil {
		runIPTables("-t", "nat", "-D", "POSTROUTING", "-o", tapName, "-j", "MASQUERADE")
		runIP("tuntap", "del", "dev", tapName, "mode", "tap")
		return nil, sentinerrNetworkSetup(err, tapName)
	}

	m.Logger.Info("attached nat", "cid", cid, "tap", tapName)

	attachment := &Attachment{CID: cid, Mode: config.NetworkNAT, TapName: tapName}
	attachment.teardown = func() error {
		var errs []string
		if err := runIPTables("-D", "FORWARD", "-i", tapName, "-j", "ACCEPT"); err != nil {
			errs = append(errs, err.Error())
		}
		if err := runIPTables("-t", "nat", "-D", "POSTROUTING", "-o", tapName, "-j", "MASQUERADE"); err != nil {
			errs = append(errs, err.Error())
		}
		if err := runIP("tuntap", "del", "dev", tapName, "mode", "tap"); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return sentinelerr.New(sentinelerr.NetworkSetup).WithField("reason", strings.Join(errs, "; "))
		}
		return nil
	}
	return attachment, nil
}

// attachProxy registers cid with the proxy broker, which enforces allow
// against every CONNECT request before bridging, and binds the per-VM
// socket the guest's CONNECT stream arrives on.
func (m *Manager) attachProxy(cid uint32, allow []string) (*Attachment, error) {
	if m.proxy == nil {
		return nil, sentinelerr.New(sentinelerr.NetworkSetup).WithField("reason", "proxy broker not configured")
	}
	m.proxy.Register(cid, allow)

	socketPath := filepath.Join(m.SocketDir, fmt.Sprintf("%d.proxy.sock", cid))
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		m.proxy.Unregister(cid)
		return nil, sentinelerr.Wrap(sentinelerr.NetworkSetup, err).WithField("cid", cid)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		m.proxy.Unregister(cid)
		return nil, sentinelerr.Wrap(sentinelerr.NetworkSetup, err).WithField("cid", cid)
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	go m.serveProxyConns(serveCtx, cid, listener)

	attachment := &Attachment{CID: cid, Mode: config.NetworkProxy}
	attachment.teardown = func() error {
		cancel()
		listener.Close()
		m.proxy.Unregister(cid)
		os.Remove(socketPath)
		return nil
	}
	return attachment, nil
}

// serveProxyConns accepts cid's proxy connections one at a time, each
// carrying a single CONNECT request, until listener closes.
func (m *Manager) serveProxyConns(ctx context.Context, cid uint32, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				m.Logger.Warn("proxy listener accept failed", "cid", cid, "error", err)
				return
			}
		}
		go func() {
			if err := m.proxy.Serve(ctx, cid, conn); err != nil {
				m.Logger.Debug("proxy connection ended", "cid", cid, "error", err)
			}
		}()
	}
}

func sentinerrNetworkSetup(err error, tapName string) error {
	return sentinelerr.Wrap(sentinelerr.NetworkSetup, err).WithField("tap", tapName)
}

func runIP(args ...string) error {
	return runQuiet("ip", args...)
}

func runIPTables(args ...string) error {
	return runQuiet("iptables", args...)
}

func runQuiet(name string, args ...string) error {
	output, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

