// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hypervisor implements the Hypervisor Driver (spec.md §4.6): a
// control client over the Firecracker API Unix socket plus the process
// supervision (launch, crash detection, teardown) needed to run it.
package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/gbe-systems/sentinel/lib/netutil"
	"github.com/gbe-systems/sentinel/sentinelerr"
)

// Client is a typed HTTP client for the Firecracker API socket.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client dialing the API socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// MachineConfig is the body of PUT /machine-config.
type MachineConfig struct {
	VCPUCount  int `json:"vcpu_count"`
	MemSizeMiB int `json:"mem_size_mib"`
}

// BootSource is the body of PUT /boot-source.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

// Drive is the body of PUT /drives/{drive_id}.
type Drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

// Vsock is the body of PUT /vsock.
type Vsock struct {
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

// NetworkInterface is the body of PUT /network-interfaces/{iface_id}.
type NetworkInterface struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
}

// InstanceAction is the body of PUT /actions.
type InstanceAction struct {
	ActionType string `json:"action_type"`
}

// DefaultBootArgs matches what a minimal guest kernel expects for a
// headless, single-console boot with no PCI bus to probe.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

func (c *Client) ConfigureMachine(ctx context.Context, cfg MachineConfig) error {
	return c.put(ctx, "/machine-config", cfg)
}

func (c *Client) SetBootSource(ctx context.Context, boot BootSource) error {
	return c.put(ctx, "/boot-source", boot)
}

func (c *Client) SetRootDrive(ctx context.Context, pathOnHost string) error {
	return c.put(ctx, "/drives/rootfs", Drive{
		DriveID:      "rootfs",
		PathOnHost:   pathOnHost,
		IsRootDevice: true,
		IsReadOnly:   false,
	})
}

func (c *Client) SetVsock(ctx context.Context, guestCID uint32, udsPath string) error {
	return c.put(ctx, "/vsock", Vsock{GuestCID: guestCID, UDSPath: udsPath})
}

func (c *Client) SetNetworkInterface(ctx context.Context, hostDevName string) error {
	return c.put(ctx, "/network-interfaces/eth0", NetworkInterface{
		IfaceID:     "eth0",
		HostDevName: hostDevName,
	})
}

// Start issues the InstanceStart action, booting the configured machine.
func (c *Client) Start(ctx context.Context) error {
	return c.put(ctx, "/actions", InstanceAction{ActionType: "InstanceStart"})
}

// SendCtrlAltDel asks the guest to shut down cleanly via the virtual
// keyboard controller, used as the first step of graceful teardown.
func (c *Client) SendCtrlAltDel(ctx context.Context) error {
	return c.put(ctx, "/actions", InstanceAction{ActionType: "SendCtrlAltDel"})
}

func (c *Client) put(ctx context.Context, path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.HypervisorLaunch, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://hypervisor"+path, bytes.NewReader(encoded))
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.HypervisorLaunch, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.HypervisorLaunch, err).WithField("path", path)
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 {
		body := netutil.ErrorBody(response.Body)
		return sentinelerr.New(sentinelerr.HypervisorLaunch).
			WithField("path", path).
			WithField("status", response.StatusCode).
			WithField("body", body)
	}
	return nil
}
