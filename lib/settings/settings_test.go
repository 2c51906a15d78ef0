// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := `
backend_url: "http://fleet.example:8000"
region: eu-west
intervals:
  sample_secs: 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if s.BackendURL != "http://fleet.example:8000" {
		t.Errorf("BackendURL = %q", s.BackendURL)
	}
	if s.Region != "eu-west" {
		t.Errorf("Region = %q", s.Region)
	}
	if s.Intervals.SampleSecs != 5 {
		t.Errorf("SampleSecs = %d, want the override 5", s.Intervals.SampleSecs)
	}
	// Untouched fields keep their defaults.
	if s.Intervals.UploadSecs != 60 {
		t.Errorf("UploadSecs = %d, want the default 60", s.Intervals.UploadSecs)
	}
	if s.UploadBatchSize != 100 {
		t.Errorf("UploadBatchSize = %d, want the default 100", s.UploadBatchSize)
	}
}

func TestLoadFileEmptyPathReturnsDefaults(t *testing.T) {
	s, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if *s != *Default() {
		t.Errorf("LoadFile(\"\") = %+v, want defaults", s)
	}
}

func TestLoadFileMissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing settings file")
	}
}

func TestValidateRejectsZeroInterval(t *testing.T) {
	s := Default()
	s.Intervals.HeartbeatSecs = 0
	err := s.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(err.Error(), "heartbeat_secs") {
		t.Errorf("error %q does not name the offending field", err)
	}
}

func TestValidateRejectsMissingBackend(t *testing.T) {
	s := Default()
	s.BackendURL = ""
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation failure")
	}
}

func TestArtifactPaths(t *testing.T) {
	s := &Settings{StateDir: "/var/lib/edgefleet"}
	if got := s.QueuePath(); got != "/var/lib/edgefleet/telemetry.db" {
		t.Errorf("QueuePath = %q", got)
	}
	if got := s.FirmwareDir(); got != "/var/lib/edgefleet/firmware" {
		t.Errorf("FirmwareDir = %q", got)
	}
}
