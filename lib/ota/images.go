// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrIntegrity is returned when a downloaded image does not match the
// checksum the backend published for it. The switch is aborted and
// the device keeps running its current version.
var ErrIntegrity = errors.New("ota: firmware integrity check failed")

// ImageStore keeps downloaded firmware images on local disk, one file
// per version, under a single directory created on demand.
type ImageStore struct {
	dir string
}

// NewImageStore creates a store rooted at dir.
func NewImageStore(dir string) *ImageStore {
	return &ImageStore{dir: dir}
}

// ImagePath returns the path an image of the given version is stored
// at.
func (s *ImageStore) ImagePath(version string) string {
	return filepath.Join(s.dir, "firmware_"+version+".bin")
}

// Save writes an image to the store. The write goes through a
// temporary file and rename so a crash mid-download never leaves a
// half-written image under the final name.
func (s *ImageStore) Save(version string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("ota: creating firmware directory: %w", err)
	}

	path := s.ImagePath(version)
	temporaryPath := path + ".tmp"
	if err := os.WriteFile(temporaryPath, data, 0644); err != nil {
		return fmt.Errorf("ota: writing image %s: %w", version, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("ota: placing image %s: %w", version, err)
	}
	return nil
}

// Verify checks data against the hex SHA-256 digest the backend
// published. An empty expected checksum fails verification: an
// unverifiable image must never be switched to.
func Verify(data []byte, expectedChecksum string) error {
	if expectedChecksum == "" {
		return fmt.Errorf("%w: metadata carries no checksum", ErrIntegrity)
	}

	digest := sha256.Sum256(data)
	actual := hex.EncodeToString(digest[:])
	if !strings.EqualFold(actual, expectedChecksum) {
		return fmt.Errorf("%w: got %s, want %s", ErrIntegrity, actual, expectedChecksum)
	}
	return nil
}
