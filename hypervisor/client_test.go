// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gbe-systems/sentinel/sentinelerr"
)

// newTestClient starts an httptest server listening on a Unix socket at
// dir/api.sock and returns a Client dialing it, mirroring how the real
// Client dials the firecracker API socket.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *[]recordedRequest) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "api.sock")

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	recorded := &[]recordedRequest{}
	server := httptest.NewUnstartedServer(recordHandler(recorded, handler))
	server.Listener = listener
	server.Start()
	t.Cleanup(server.Close)

	return NewClient(socketPath), recorded
}

type recordedRequest struct {
	Path string
	Body map[string]any
}

func recordHandler(out *[]recordedRequest, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		*out = append(*out, recordedRequest{Path: r.URL.Path, Body: body})
		next.ServeHTTP(w, r)
	})
}

func TestConfigureMachineSendsExpectedFields(t *testing.T) {
	client, recorded := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.ConfigureMachine(context.Background(), MachineConfig{VCPUCount: 2, MemSizeMiB: 512}); err != nil {
		t.Fatalf("ConfigureMachine: %v", err)
	}

	if len(*recorded) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*recorded))
	}
	req := (*recorded)[0]
	if req.Path != "/machine-config" {
		t.Errorf("path = %q, want /machine-config", req.Path)
	}
	if req.Body["vcpu_count"] != float64(2) {
		t.Errorf("vcpu_count = %v, want 2", req.Body["vcpu_count"])
	}
	if req.Body["mem_size_mib"] != float64(512) {
		t.Errorf("mem_size_mib = %v, want 512", req.Body["mem_size_mib"])
	}
}

func TestSetRootDriveMarksRootAndWritable(t *testing.T) {
	client, recorded := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.SetRootDrive(context.Background(), "/var/lib/sentinel/overlays/7.ext4"); err != nil {
		t.Fatalf("SetRootDrive: %v", err)
	}

	req := (*recorded)[0]
	if req.Path != "/drives/rootfs" {
		t.Errorf("path = %q, want /drives/rootfs", req.Path)
	}
	if req.Body["is_root_device"] != true {
		t.Errorf("is_root_device = %v, want true", req.Body["is_root_device"])
	}
	if req.Body["is_read_only"] != false {
		t.Errorf("is_read_only = %v, want false", req.Body["is_read_only"])
	}
}

func TestBootSourceCarriesHeadlessBootArgs(t *testing.T) {
	client, recorded := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.SetBootSource(context.Background(), BootSource{
		KernelImagePath: "/var/lib/sentinel/kernels/vmlinux",
		BootArgs:        DefaultBootArgs,
	}); err != nil {
		t.Fatalf("SetBootSource: %v", err)
	}

	req := (*recorded)[0]
	if req.Body["boot_args"] != "console=ttyS0 reboot=k panic=1 pci=off" {
		t.Errorf("boot_args = %v", req.Body["boot_args"])
	}
}

func TestSendCtrlAltDelRequestsTheRightAction(t *testing.T) {
	client, recorded := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.SendCtrlAltDel(context.Background()); err != nil {
		t.Fatalf("SendCtrlAltDel: %v", err)
	}

	req := (*recorded)[0]
	if req.Path != "/actions" {
		t.Errorf("path = %q, want /actions", req.Path)
	}
	if req.Body["action_type"] != "SendCtrlAltDel" {
		t.Errorf("action_type = %v, want SendCtrlAltDel", req.Body["action_type"])
	}
}

func TestErrorStatusSurfacesAsHypervisorLaunchError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"fault_message":"invalid vcpu_count"}`))
	}))

	err := client.ConfigureMachine(context.Background(), MachineConfig{VCPUCount: 0})
	if err == nil {
		t.Fatal("expected error")
	}
	if !sentinelerr.Is(err, sentinelerr.HypervisorLaunch) {
		t.Fatalf("expected hypervisor_launch error, got %v", err)
	}
}
