// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package ota

import (
	"errors"
	"fmt"
	"os"

	"github.com/edgefleet/edgefleet/lib/statefile"
)

// Slot identifies one of the two firmware storage locations. Exactly
// one slot is active at any time; a successful switch strictly
// alternates A and B so the previous image is never overwritten by
// the update that replaces it.
type Slot string

const (
	SlotA Slot = "A"
	SlotB Slot = "B"
)

// Other returns the inactive counterpart.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// State is the crash-persisted OTA record. Mutated only by a
// successful firmware switch, and persisted before the process
// restarts, so a crash at any point resumes with a consistent
// version/slot pair.
type State struct {
	CurrentVersion string `json:"current_version"`
	ActiveSlot     Slot   `json:"active_slot"`
}

// StateStore persists State at a fixed path.
type StateStore struct {
	path string

	// defaultVersion seeds the state on first boot, when no
	// persisted file exists: the agent's own build version, slot A.
	defaultVersion string
}

// NewStateStore creates a store for the OTA state document at path.
func NewStateStore(path, defaultVersion string) *StateStore {
	return &StateStore{path: path, defaultVersion: defaultVersion}
}

// Load reads the persisted state, or returns the first-boot default
// when no file exists. Corrupt or unreadable files are errors — the
// caller must not guess which image is running.
func (s *StateStore) Load() (State, error) {
	var state State
	err := statefile.Load(s.path, &state)
	if errors.Is(err, os.ErrNotExist) {
		return State{CurrentVersion: s.defaultVersion, ActiveSlot: SlotA}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("ota: %w", err)
	}
	return state, nil
}

// Save durably persists the state. It must return before the process
// is allowed to exit for a reboot.
func (s *StateStore) Save(state State) error {
	if err := statefile.Save(s.path, state); err != nil {
		return fmt.Errorf("ota: %w", err)
	}
	return nil
}
