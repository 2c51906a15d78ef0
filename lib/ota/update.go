// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package ota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/edgefleet/edgefleet/lib/backend"
)

// ErrRestartRequired is the terminal outcome of a successful firmware
// switch: the new state is durably persisted and the process must now
// exit so the supervisor restarts it "into" the new image. It is not
// a failure — the caller propagates it out of the loop instead of
// logging and continuing.
var ErrRestartRequired = errors.New("ota: firmware switched, restart required")

// Fetcher is the slice of the backend protocol the updater needs.
// *backend.Client satisfies it; tests substitute a fake.
type Fetcher interface {
	LatestFirmware(ctx context.Context, deviceID string) (*backend.FirmwareMetadata, error)
	DownloadFirmware(ctx context.Context, firmwareURL string) ([]byte, error)
}

// Updater evaluates and applies firmware updates. One CheckOnce call
// runs the whole state machine for a single tick:
//
//	UpToDate → UpdateAvailable → Downloading → Switching → Restarting
//
// with failure exits back to UpToDate from every non-terminal state.
// The device's running version is untouched by any failure; only a
// fully verified and persisted switch reaches the terminal state.
type Updater struct {
	fetcher Fetcher
	states  *StateStore
	images  *ImageStore
	logger  *slog.Logger
}

// NewUpdater creates an Updater.
func NewUpdater(fetcher Fetcher, states *StateStore, images *ImageStore, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Updater{fetcher: fetcher, states: states, images: images, logger: logger}
}

// CheckOnce fetches firmware metadata and, when a different version
// is published, downloads, verifies, stores, and switches to it.
//
// Returns nil when the device is up to date or no firmware is
// published. Returns ErrRestartRequired after a successful switch —
// by then the new {version, slot} is durable on disk, so the restart
// (or any crash after this point) resumes with the new version.
// Every other error leaves state unchanged and is retried naturally
// on the next scheduled check.
func (u *Updater) CheckOnce(ctx context.Context, deviceID string, state *State) error {
	metadata, err := u.fetcher.LatestFirmware(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("ota: metadata fetch: %w", err)
	}
	if metadata == nil {
		u.logger.Debug("no firmware published", "current_version", state.CurrentVersion)
		return nil
	}

	if metadata.Version == state.CurrentVersion {
		u.logger.Debug("firmware up to date", "version", state.CurrentVersion)
		return nil
	}

	u.logger.Info("new firmware version available",
		"current_version", state.CurrentVersion,
		"new_version", metadata.Version,
	)

	data, err := u.fetcher.DownloadFirmware(ctx, metadata.URL)
	if err != nil {
		return fmt.Errorf("ota: download %s: %w", metadata.Version, err)
	}

	if err := Verify(data, metadata.Checksum); err != nil {
		return fmt.Errorf("ota: %s: %w", metadata.Version, err)
	}

	if err := u.images.Save(metadata.Version, data); err != nil {
		return err
	}

	// Switching: flip to the other slot, persist, and only then
	// signal the restart. The persisted write is the commit point.
	state.CurrentVersion = metadata.Version
	state.ActiveSlot = state.ActiveSlot.Other()
	if err := u.states.Save(*state); err != nil {
		return fmt.Errorf("ota: persisting switch to %s: %w", metadata.Version, err)
	}

	u.logger.Info("switched firmware, restarting",
		"version", state.CurrentVersion,
		"active_slot", state.ActiveSlot,
	)
	return ErrRestartRequired
}
