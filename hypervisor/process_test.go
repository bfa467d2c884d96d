// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

// This test binary doubles as a stand-in hypervisor process: re-exec'd
// with helperEnv set, it serves a minimal /actions endpoint on the
// socket path Launch gives it and reacts to signals per helperModeEnv,
// letting Process be exercised against a real OS process without
// depending on firecracker being installed.
const (
	helperEnv     = "SENTINEL_HYPERVISOR_TEST_HELPER"
	helperModeEnv = "SENTINEL_HYPERVISOR_TEST_MODE"
)

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		runHelperProcess()
		return
	}
	os.Exit(m.Run())
}

func runHelperProcess() {
	args := os.Args
	socketPath := args[len(args)-1]
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		os.Exit(1)
	}

	mode := os.Getenv(helperModeEnv)

	mux := http.NewServeMux()
	mux.HandleFunc("/actions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
		if body["action_type"] == "SendCtrlAltDel" {
			go func() {
				time.Sleep(20 * time.Millisecond)
				os.Exit(0)
			}()
		}
	})
	server := &http.Server{Handler: mux}
	go server.Serve(listener)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM)
	<-sigc

	if mode == "stubborn" || mode == "ctrlaltdel" {
		// Simulate a guest that ignores SIGTERM; only SendCtrlAltDel
		// (above) or an unblockable SIGKILL ends it.
		select {}
	}
	os.Exit(0)
}

func launchHelper(t *testing.T, mode string) (*Process, string) {
	t.Helper()

	bin, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	socketPath := filepath.Join(t.TempDir(), "api.sock")

	if mode != "" {
		os.Setenv(helperModeEnv, mode)
		t.Cleanup(func() { os.Unsetenv(helperModeEnv) })
	}
	os.Setenv(helperEnv, "1")
	proc, err := Launch(context.Background(), bin, socketPath)
	os.Unsetenv(helperEnv)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { proc.Kill() })
	return proc, socketPath
}

func TestTerminateExitsCleanlyOnSIGTERM(t *testing.T) {
	proc, _ := launchHelper(t, "")

	if err := proc.Terminate(2 * time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case <-proc.Exited():
	default:
		t.Fatal("expected process to have exited")
	}
	if proc.Crashed() {
		t.Fatal("expected a clean exit, not a crash")
	}
}

func TestTerminateEscalatesToKillWhenProcessIgnoresSIGTERM(t *testing.T) {
	proc, _ := launchHelper(t, "stubborn")

	start := time.Now()
	if err := proc.Terminate(200 * time.Millisecond); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("expected Terminate to wait out the drain deadline before escalating, took %v", elapsed)
	}
	select {
	case <-proc.Exited():
	default:
		t.Fatal("expected process to have exited after escalation to SIGKILL")
	}
}

func TestShutdownUsesControlPlaneBeforeSignal(t *testing.T) {
	proc, _ := launchHelper(t, "ctrlaltdel")

	start := time.Now()
	if err := proc.Shutdown(context.Background(), 2*time.Second, 2*time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed >= 2*time.Second {
		t.Fatalf("expected SendCtrlAltDel to end the process well inside its grace period, took %v", elapsed)
	}
	select {
	case <-proc.Exited():
	default:
		t.Fatal("expected process to have exited")
	}
}

func TestShutdownFallsBackToTerminateWhenControlPlaneUnreachable(t *testing.T) {
	proc, socketPath := launchHelper(t, "stubborn")

	// Sever the control plane before asking for shutdown, forcing the
	// SendCtrlAltDel request itself to fail.
	os.Remove(socketPath)

	if err := proc.Shutdown(context.Background(), 2*time.Second, 200*time.Millisecond); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-proc.Exited():
	default:
		t.Fatal("expected process to have exited via the Terminate/Kill fallback")
	}
}
