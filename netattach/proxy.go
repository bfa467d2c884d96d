// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netattach

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gbe-systems/sentinel/lib/netutil"
	"github.com/gbe-systems/sentinel/sentinelerr"
)

// ProxyBroker terminates CONNECT requests from Proxy-mode guests and
// bridges the resulting stream to the requested host:port, refusing
// anything outside the requesting VM's allowlist.
type ProxyBroker struct {
	Logger *slog.Logger

	mu        sync.Mutex
	allowlist map[uint32][]string
}

func NewProxyBroker(logger *slog.Logger) *ProxyBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyBroker{Logger: logger, allowlist: make(map[uint32][]string)}
}

// Register installs cid's allowlist, effective for every CONNECT this
// broker serves on cid's behalf until Unregister.
func (b *ProxyBroker) Register(cid uint32, allow []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowlist[cid] = allow
}

// Unregister removes cid's allowlist; subsequent Serve calls for cid are
// refused.
func (b *ProxyBroker) Unregister(cid uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.allowlist, cid)
}

func (b *ProxyBroker) allowed(cid uint32, target string) bool {
	b.mu.Lock()
	allow := b.allowlist[cid]
	b.mu.Unlock()

	for _, entry := range allow {
		if entry == target {
			return true
		}
	}
	return false
}

// Serve handles one guest connection carrying a single HTTP CONNECT
// request, bridging to the target on success and writing a 403/502
// response and closing on failure. conn is closed before Serve returns.
func (b *ProxyBroker) Serve(ctx context.Context, cid uint32, conn net.Conn) error {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.NetworkSetup, err).WithField("cid", cid)
	}
	if req.Method != http.MethodConnect {
		fmt.Fprintf(conn, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
		return sentinelerr.New(sentinelerr.ToolDenied).WithField("cid", cid).WithField("method", req.Method)
	}

	target := req.Host
	if !b.allowed(cid, target) {
		fmt.Fprintf(conn, "HTTP/1.1 403 Forbidden\r\n\r\n")
		b.Logger.Warn("proxy connect denied", "cid", cid, "target", target)
		return sentinelerr.New(sentinelerr.ToolDenied).WithField("cid", cid).WithField("target", target)
	}

	upstream, err := (&net.Dialer{}).DialContext(ctx, "tcp", target)
	if err != nil {
		fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return sentinelerr.Wrap(sentinelerr.NetworkSetup, err).WithField("cid", cid).WithField("target", target)
	}
	defer upstream.Close()

	fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
	b.Logger.Info("proxy connect established", "cid", cid, "target", target)

	// reader may already hold buffered bytes the guest sent immediately
	// after CONNECT; bridge from it rather than conn directly so nothing
	// is lost.
	if err := netutil.BridgeReaders(conn, reader, upstream, upstream); err != nil {
		if !netutil.IsExpectedCloseError(err) {
			return sentinelerr.Wrap(sentinelerr.NetworkSetup, err).WithField("cid", cid).WithField("target", target)
		}
	}
	return nil
}
