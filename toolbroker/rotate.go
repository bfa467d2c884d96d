// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toolbroker

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Rotate closes the audit log, compresses its database file to
// path+".zst", and removes the uncompressed original. The caller owns
// reopening a fresh AuditLog at the same path afterward and installing
// it wherever the old one was in use (the Broker's SetAudit exists for
// exactly this); Rotate itself only closes and archives.
//
// Rotate is a no-op if the database was never created (e.g. the host
// accepted no tool calls since the last rotation).
func Rotate(a *AuditLog) (string, error) {
	path := a.Path()
	if err := a.Close(); err != nil {
		return "", fmt.Errorf("toolbroker: closing audit log before rotation: %w", err)
	}

	if !statExists(path) {
		return "", nil
	}

	archivePath := path + ".zst"
	if err := compressFile(path, archivePath); err != nil {
		return "", fmt.Errorf("toolbroker: rotating audit log %s: %w", path, err)
	}

	// Remove the live database and its WAL/SHM siblings now that the
	// archive holds the data.
	os.Remove(path)
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")

	return archivePath, nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	encoder, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	if _, err := io.Copy(encoder, in); err != nil {
		encoder.Close()
		return err
	}
	return encoder.Close()
}
