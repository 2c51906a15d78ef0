// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile provides atomic, crash-durable JSON document
// persistence for the agent's small state records: the device
// configuration document and the OTA state.
//
// Both documents sit on the restart path — the OTA state in
// particular must be durable before the process exits to "reboot"
// into a new firmware image, or the agent would loop forever applying
// the same update. Save therefore follows the full atomic-replace
// discipline: write to a temporary file, fsync, rename into place,
// fsync the parent directory.
//
// Records measured in bytes do not need SQLite; the telemetry queue,
// which grows without bound while the backend is unreachable, lives
// in lib/queue instead.
package statefile
