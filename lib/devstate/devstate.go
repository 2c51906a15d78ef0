// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package devstate

import (
	"errors"
	"fmt"
	"os"

	"github.com/edgefleet/edgefleet/lib/shadow"
	"github.com/edgefleet/edgefleet/lib/statefile"
)

// ErrIdentityChanged is returned by Save when a state document
// carries a different device_id or auth_token than the one the store
// first saw. Identity is assigned exactly once, at registration;
// nothing afterwards may alter it.
var ErrIdentityChanged = errors.New("devstate: device identity is immutable after registration")

// State is the crash-durable device record: identity, credential,
// the live scheduling intervals, and the shadow documents. It is
// mutated repeatedly over the device's lifetime (by the reconciler
// and heartbeat responses) and persisted after every mutation —
// except DeviceID and AuthToken, which are written once.
type State struct {
	DeviceID  string `json:"device_id"`
	AuthToken string `json:"auth_token,omitempty"`

	SampleIntervalSecs      uint64 `json:"sample_interval_secs"`
	UploadIntervalSecs      uint64 `json:"upload_interval_secs"`
	HeartbeatIntervalSecs   uint64 `json:"heartbeat_interval_secs"`
	OTACheckIntervalSecs    uint64 `json:"ota_check_interval_secs"`
	ShadowCheckIntervalSecs uint64 `json:"shadow_check_interval_secs"`

	DesiredShadowState  shadow.Document `json:"desired_shadow_state"`
	ReportedShadowState shadow.Document `json:"reported_shadow_state"`

	// ChaosFlags mirrors desired.chaos_flags. Nil means no chaos
	// configuration is active.
	ChaosFlags shadow.Document `json:"chaos_flags,omitempty"`
}

// NewRegistered builds the initial state written right after a
// successful registration exchange: the assigned identity plus
// freshly-initialized empty shadow documents and the given default
// intervals.
func NewRegistered(deviceID, authToken string, defaults Intervals) *State {
	return &State{
		DeviceID:                deviceID,
		AuthToken:               authToken,
		SampleIntervalSecs:      defaults.Sample,
		UploadIntervalSecs:      defaults.Upload,
		HeartbeatIntervalSecs:   defaults.Heartbeat,
		OTACheckIntervalSecs:    defaults.OTACheck,
		ShadowCheckIntervalSecs: defaults.ShadowCheck,
		DesiredShadowState:      shadow.New(),
		ReportedShadowState:     shadow.New(),
		ChaosFlags:              shadow.New(),
	}
}

// Intervals bundles the five scheduling periods in seconds.
type Intervals struct {
	Sample      uint64
	Upload      uint64
	Heartbeat   uint64
	OTACheck    uint64
	ShadowCheck uint64
}

// Store persists State documents at a fixed path and enforces
// identity immutability across saves.
type Store struct {
	path string

	// Identity pinned by the first Load or Save that carried one.
	deviceID  string
	authToken string
}

// NewStore creates a store for the state document at path. Nothing
// is read until Load.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted state. When no file exists the returned
// error wraps os.ErrNotExist — the caller treats that as first boot
// and registers. Any loaded shadow document that is absent from the
// file is initialized to an empty document so callers never see nil.
func (s *Store) Load() (*State, error) {
	var state State
	if err := statefile.Load(s.path, &state); err != nil {
		return nil, err
	}

	if state.DesiredShadowState == nil {
		state.DesiredShadowState = shadow.New()
	}
	if state.ReportedShadowState == nil {
		state.ReportedShadowState = shadow.New()
	}

	s.pin(&state)
	return &state, nil
}

// Save durably persists the state. The first save pins the identity;
// later saves with a different device_id or auth_token fail with
// ErrIdentityChanged before touching the file.
func (s *Store) Save(state *State) error {
	if s.deviceID != "" && (state.DeviceID != s.deviceID || state.AuthToken != s.authToken) {
		return ErrIdentityChanged
	}
	if err := statefile.Save(s.path, state); err != nil {
		return fmt.Errorf("devstate: %w", err)
	}
	s.pin(state)
	return nil
}

// Path returns the filesystem path of the state document.
func (s *Store) Path() string { return s.path }

// Exists reports whether a persisted state file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *Store) pin(state *State) {
	if s.deviceID == "" && state.DeviceID != "" {
		s.deviceID = state.DeviceID
		s.authToken = state.AuthToken
	}
}
