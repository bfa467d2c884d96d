// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netattach

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestProxyBrokerDeniesOutsideAllowlist(t *testing.T) {
	broker := NewProxyBroker(nil)
	broker.Register(1, []string{"allowed.example:443"})

	guest, other := net.Pipe()
	defer other.Close()

	done := make(chan error, 1)
	go func() {
		done <- broker.Serve(context.Background(), 1, other)
	}()

	go func() {
		guest.Write([]byte("CONNECT not-allowed.example:443 HTTP/1.1\r\nHost: not-allowed.example:443\r\n\r\n"))
	}()

	buf := make([]byte, 512)
	guest.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := guest.Read(buf)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if got := string(buf[:n]); !contains(got, "403") {
		t.Fatalf("expected 403 response, got %q", got)
	}
	guest.Close()

	<-done
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
