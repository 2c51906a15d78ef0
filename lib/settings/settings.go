// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings are the static, operator-provided agent parameters. They
// are read once at startup and never written by the agent — the
// mutable device record (identity, live intervals, shadows) lives in
// lib/devstate instead.
type Settings struct {
	// BackendURL is the fleet backend root.
	BackendURL string `yaml:"backend_url"`

	// StateDir holds everything the agent persists: the device
	// config document, the OTA state, the telemetry queue database,
	// and downloaded firmware images.
	StateDir string `yaml:"state_dir"`

	// Region and HardwareRev are reported in heartbeats when set.
	Region      string `yaml:"region,omitempty"`
	HardwareRev string `yaml:"hardware_rev,omitempty"`

	// StartLatitude and StartLongitude anchor the simulated position
	// walk. Both zero disables position reporting.
	StartLatitude  float64 `yaml:"start_latitude,omitempty"`
	StartLongitude float64 `yaml:"start_longitude,omitempty"`

	// Intervals are the first-boot scheduling periods, in seconds.
	// After registration they live in the device record and are
	// steered by the backend.
	Intervals Intervals `yaml:"intervals"`

	// UploadBatchSize bounds each drain of the telemetry queue.
	UploadBatchSize int `yaml:"upload_batch_size"`

	// QueueMaxDepth caps the telemetry queue; oldest records are
	// dropped beyond it. Zero means the queue default.
	QueueMaxDepth int64 `yaml:"queue_max_depth,omitempty"`
}

// Intervals are scheduling periods in seconds.
type Intervals struct {
	SampleSecs      uint64 `yaml:"sample_secs"`
	UploadSecs      uint64 `yaml:"upload_secs"`
	HeartbeatSecs   uint64 `yaml:"heartbeat_secs"`
	OTACheckSecs    uint64 `yaml:"ota_check_secs"`
	ShadowCheckSecs uint64 `yaml:"shadow_check_secs"`
}

// Default returns the built-in settings: a local backend and the
// stock periods (sample 10s, upload 60s, heartbeat 30s, OTA check
// 5m, shadow check 60s).
func Default() *Settings {
	return &Settings{
		BackendURL: "http://localhost:8000",
		StateDir:   "./state",
		Intervals: Intervals{
			SampleSecs:      10,
			UploadSecs:      60,
			HeartbeatSecs:   30,
			OTACheckSecs:    300,
			ShadowCheckSecs: 60,
		},
		UploadBatchSize: 100,
	}
}

// LoadFile reads YAML settings from path, merged over Default(). An
// empty path returns the defaults unchanged.
func LoadFile(path string) (*Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("settings: parsing %s: %w", path, err)
	}
	return s, nil
}

// Validate checks for configurations the agent cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	if s.BackendURL == "" {
		errs = append(errs, fmt.Errorf("backend_url is required"))
	}
	if s.StateDir == "" {
		errs = append(errs, fmt.Errorf("state_dir is required"))
	}
	if s.UploadBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("upload_batch_size must be positive"))
	}
	for name, v := range map[string]uint64{
		"sample_secs":       s.Intervals.SampleSecs,
		"upload_secs":       s.Intervals.UploadSecs,
		"heartbeat_secs":    s.Intervals.HeartbeatSecs,
		"ota_check_secs":    s.Intervals.OTACheckSecs,
		"shadow_check_secs": s.Intervals.ShadowCheckSecs,
	} {
		if v == 0 {
			errs = append(errs, fmt.Errorf("intervals.%s must be positive", name))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureStateDir creates the state directory if absent.
func (s *Settings) EnsureStateDir() error {
	if err := os.MkdirAll(s.StateDir, 0755); err != nil {
		return fmt.Errorf("settings: creating state dir: %w", err)
	}
	return nil
}

// Locations of the persisted artifacts under StateDir.

func (s *Settings) ConfigPath() string   { return filepath.Join(s.StateDir, "config.json") }
func (s *Settings) OTAStatePath() string { return filepath.Join(s.StateDir, "ota_state.json") }
func (s *Settings) QueuePath() string    { return filepath.Join(s.StateDir, "telemetry.db") }
func (s *Settings) FirmwareDir() string  { return filepath.Join(s.StateDir, "firmware") }
