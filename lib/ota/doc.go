// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package ota implements over-the-air firmware updates with A/B slot
// semantics and crash-safe state persistence.
//
// The persisted record is tiny — {current_version, active_slot} — but
// its write ordering is the whole point: the switch is committed to
// disk before the process exits to "reboot", so the agent can crash
// at any instant and still come back knowing exactly which image it
// runs. Slot assignment strictly alternates, mirroring real A/B
// partition schemes where the fallback image must survive the update.
//
// Image integrity is verified against the backend-published SHA-256
// before any state changes; a mismatch aborts the switch and the old
// version keeps running.
//
// The process exit itself is not performed here. CheckOnce returns
// [ErrRestartRequired] and the binary's main decides how to die —
// keeping the state machine testable without tests that exit.
package ota
