// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package overlay implements the Rootfs Overlay Manager (spec.md §4.4):
// per-VM copy-on-write snapshots of shared, read-only base images.
//
// A device-mapper snapshot is preferred — it shares the base image's
// blocks until the guest writes, so N concurrent VMs against one base
// image consume base-size + per-VM deltas, not N * base-size. When
// dmsetup is unavailable, the Manager falls back to a sparse file copy
// that preallocates the overlay's logical size without writing the base
// image's zero-filled holes.
package overlay

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/gbe-systems/sentinel/sentinelerr"
)

// Manager creates and destroys per-VM overlays under a configured
// directory, validating every provisioned image against a manifest.
type Manager struct {
	ImageDir    string
	OverlayDir  string
	ManifestPath string
	Logger      *slog.Logger

	dmsetupBin string // empty if dmsetup is unavailable; forces sparse-copy fallback

	mu       sync.Mutex
	manifest Manifest
	active   map[uint32]*overlay
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

type overlay struct {
	path        string
	backingImage string
	dmName      string // non-empty if backed by a device-mapper snapshot
	destroyed   bool
}

// New creates a Manager rooted at imageDir/overlayDir. It probes for
// dmsetup once at construction; its absence only disables the preferred
// path, it is not fatal (unlike the teacher's fuse-overlayfs dependency,
// which has no fallback).
func New(imageDir, overlayDir, manifestPath string) *Manager {
	dmsetupBin, _ := exec.LookPath("dmsetup")
	return &Manager{
		ImageDir:     imageDir,
		OverlayDir:   overlayDir,
		ManifestPath: manifestPath,
		dmsetupBin:   dmsetupBin,
		active:       make(map[uint32]*overlay),
	}
}

// WithLogger sets the Manager's logger, used to report overlay sizes in
// human-readable form on provision and destroy.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.Logger = logger
	return m
}

// LoadManifest (re)loads the image manifest. Call once at startup before
// the first Provision.
func (m *Manager) LoadManifest() error {
	manifest, err := LoadManifest(m.ManifestPath)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.OverlayIO, err)
	}
	m.mu.Lock()
	m.manifest = manifest
	m.mu.Unlock()
	return nil
}

// ValidateImage checks the on-disk checksum of profile's base image
// against the manifest, refusing to provision on mismatch or a missing
// manifest entry (spec.md §4.4).
func (m *Manager) ValidateImage(profile, rootfsImage string) error {
	m.mu.Lock()
	entry, ok := m.manifest[profile]
	m.mu.Unlock()
	if !ok {
		return sentinelerr.New(sentinelerr.OverlayIO).WithField("reason", "missing manifest entry").WithField("profile", profile)
	}

	imagePath := filepath.Join(m.ImageDir, rootfsImage)
	got, err := ChecksumFile(imagePath)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.OverlayIO, err).WithField("image", imagePath)
	}
	if got != entry.Checksum {
		return sentinelerr.New(sentinelerr.OverlayIO).
			WithField("reason", "checksum mismatch").
			WithField("image", imagePath).
			WithField("want", entry.Checksum).
			WithField("got", got)
	}
	return nil
}

// Provision creates a writable overlay for cid against profile's base
// image, validating the image's checksum first. Returns the path to
// bind into the VM spec as the rootfs drive.
func (m *Manager) Provision(cid uint32, profile, rootfsImage string) (string, error) {
	if err := m.ValidateImage(profile, rootfsImage); err != nil {
		return "", err
	}

	imagePath := filepath.Join(m.ImageDir, rootfsImage)
	overlayPath := filepath.Join(m.OverlayDir, fmt.Sprintf("%d.ext4", cid))

	info, err := os.Stat(imagePath)
	if err != nil {
		return "", sentinelerr.Wrap(sentinelerr.OverlayIO, err)
	}

	ov := &overlay{path: overlayPath, backingImage: imagePath}

	if m.dmsetupBin != "" {
		dmName, err := m.createDeviceMapperSnapshot(cid, imagePath, overlayPath, info.Size())
		if err == nil {
			ov.dmName = dmName
			m.mu.Lock()
			m.active[cid] = ov
			m.mu.Unlock()
			m.logger().Info("provisioned overlay", "cid", cid, "backend", "device-mapper", "base_size", humanSize(info.Size()))
			return overlayPath, nil
		}
		// Fall through to sparse copy; the dmsetup attempt is best-effort.
		m.logger().Warn("device-mapper snapshot failed, falling back to sparse copy", "cid", cid, "error", err)
	}

	if err := sparseCopy(imagePath, overlayPath, info.Size()); err != nil {
		return "", sentinerrOverlayIO(err)
	}

	m.mu.Lock()
	m.active[cid] = ov
	m.mu.Unlock()
	m.logger().Info("provisioned overlay", "cid", cid, "backend", "sparse-copy", "base_size", humanSize(info.Size()))
	return overlayPath, nil
}

func sentinerrOverlayIO(err error) error {
	return sentinelerr.Wrap(sentinelerr.OverlayIO, err)
}

// Destroy removes cid's overlay. Idempotent: invoking it twice on the same
// cid is a no-op on the second call (spec.md §8.9).
func (m *Manager) Destroy(cid uint32) error {
	m.mu.Lock()
	ov, ok := m.active[cid]
	if ok {
		delete(m.active, cid)
	}
	m.mu.Unlock()

	if !ok || ov.destroyed {
		return nil
	}
	ov.destroyed = true

	if ov.dmName != "" {
		if err := exec.Command(m.dmsetupBin, "remove", ov.dmName).Run(); err != nil {
			return sentinerrOverlayIO(fmt.Errorf("dmsetup remove %s: %w", ov.dmName, err))
		}
	}

	var freed int64
	if info, err := os.Stat(ov.path); err == nil {
		freed = info.Size()
	}
	if err := os.Remove(ov.path); err != nil && !os.IsNotExist(err) {
		return sentinerrOverlayIO(err)
	}
	m.logger().Info("destroyed overlay", "cid", cid, "freed", humanSize(freed))
	return nil
}

// createDeviceMapperSnapshot builds a dm-snapshot target backed by a loop
// device over the base image, with a sparse copy-on-write store. Returns
// the device-mapper name on success.
func (m *Manager) createDeviceMapperSnapshot(cid uint32, imagePath, overlayPath string, sizeBytes int64) (string, error) {
	cowPath := overlayPath + ".cow"
	// The CoW store only needs to hold deltas; 10% of the base image is a
	// generous starting point and dm-snapshot grows it is not supported,
	// so this is intentionally conservative.
	cowSize := sizeBytes/10 + (64 << 20)
	if err := sparseAllocate(cowPath, cowSize); err != nil {
		return "", err
	}

	baseLoop, err := attachLoopDevice(imagePath)
	if err != nil {
		os.Remove(cowPath)
		return "", err
	}
	cowLoop, err := attachLoopDevice(cowPath)
	if err != nil {
		detachLoopDevice(baseLoop)
		os.Remove(cowPath)
		return "", err
	}

	dmName := fmt.Sprintf("sentinel-%d", cid)
	sectors := sizeBytes / 512
	table := fmt.Sprintf("0 %d snapshot %s %s P 8", sectors, baseLoop, cowLoop)

	cmd := exec.Command(m.dmsetupBin, "create", dmName, "--table", table)
	if output, err := cmd.CombinedOutput(); err != nil {
		detachLoopDevice(baseLoop)
		detachLoopDevice(cowLoop)
		os.Remove(cowPath)
		return "", fmt.Errorf("dmsetup create: %w: %s", err, output)
	}

	return dmName, nil
}

// sparseCopy copies sizeBytes from src to dst, skipping holes (regions of
// the source with no allocated blocks) using SEEK_DATA/SEEK_HOLE so the
// destination stays sparse wherever the source was.
func sparseCopy(src, dst string, size int64) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if err := dstFile.Truncate(size); err != nil {
		return err
	}

	srcFd := int(srcFile.Fd())
	offset := int64(0)
	for offset < size {
		dataStart, err := unix.Seek(srcFd, offset, unix.SEEK_DATA)
		if err != nil {
			// ENXIO means no more data; the rest of the file is a hole,
			// already sparse in dst thanks to Truncate.
			if err == unix.ENXIO {
				break
			}
			return fmt.Errorf("seek data at %d: %w", offset, err)
		}

		holeStart, err := unix.Seek(srcFd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			if err == unix.ENXIO {
				holeStart = size
			} else {
				return fmt.Errorf("seek hole at %d: %w", dataStart, err)
			}
		}

		if _, err := srcFile.Seek(dataStart, io.SeekStart); err != nil {
			return err
		}
		if _, err := dstFile.Seek(dataStart, io.SeekStart); err != nil {
			return err
		}
		if _, err := io.CopyN(dstFile, srcFile, holeStart-dataStart); err != nil {
			return fmt.Errorf("copying data region [%d,%d): %w", dataStart, holeStart, err)
		}

		offset = holeStart
	}

	return nil
}

// sparseAllocate creates an empty sparse file of the given logical size,
// used for the dm-snapshot copy-on-write store.
func sparseAllocate(path string, size int64) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()
	return file.Truncate(size)
}

func attachLoopDevice(path string) (string, error) {
	cmd := exec.Command("losetup", "--show", "--find", path)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("losetup %s: %w", path, err)
	}
	device := string(output)
	for len(device) > 0 && (device[len(device)-1] == '\n' || device[len(device)-1] == '\r') {
		device = device[:len(device)-1]
	}
	return device, nil
}

func detachLoopDevice(device string) {
	exec.Command("losetup", "-d", device).Run()
}

// humanSize renders byte counts for the provision and destroy logs,
// e.g. "2.1 GB" instead of a raw integer.
func humanSize(bytes int64) string {
	return humanize.Bytes(uint64(bytes))
}
