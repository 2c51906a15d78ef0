// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Save atomically writes v as indented JSON to path. The document is
// written to a temporary file in the same directory, fsynced, and
// renamed into place, so readers never observe a partial write. The
// parent directory is synced afterwards so the rename survives power
// loss. The file is created with mode 0600 — state files carry the
// device credential.
//
// The parent directory must already exist.
func Save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statefile: marshaling %s: %w", path, err)
	}
	// Trailing newline for clean file content.
	data = append(data, '\n')

	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("statefile: creating %s: %w", temporaryPath, err)
	}

	// Write, sync, close — in that order. If any step fails, remove
	// the temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: writing %s: %w", temporaryPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: syncing %s: %w", temporaryPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: closing %s: %w", temporaryPath, err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: renaming %s into place: %w", path, err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}

	return nil
}

// Load reads the JSON document at path into v. When the file does not
// exist, the returned error wraps os.ErrNotExist (testable with
// errors.Is), letting callers distinguish first boot from a corrupt
// or unreadable state file.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("statefile: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("statefile: parsing %s: %w", path, err)
	}
	return nil
}
