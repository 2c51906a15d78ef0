// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package shadow

import "maps"

// Well-known document keys. The backend may place anything in a
// shadow document; these are the keys the device itself interprets.
const (
	KeySampleInterval    = "sample_interval_secs"
	KeyUploadInterval    = "upload_interval_secs"
	KeyHeartbeatInterval = "heartbeat_interval_secs"
	KeyChaosFlags        = "chaos_flags"

	// ChaosRandomError, inside the chaos_flags sub-document, makes
	// upload and heartbeat ticks fail randomly.
	ChaosRandomError = "random_error"
)

// Document is an open, backend-defined key-value document: the
// payload of the shadow's desired and reported halves and of the
// chaos-flags sub-document. Keys the device understands get typed
// accessors below; everything else passes through opaquely.
//
// The zero value (nil) is a valid empty document for reads; use New
// or Clone before writing.
type Document map[string]any

// New returns an empty, writable document.
func New() Document { return Document{} }

// Clone returns a shallow copy. Nil-safe: cloning a nil document
// yields an empty writable one.
func (d Document) Clone() Document {
	clone := Document{}
	maps.Copy(clone, d)
	return clone
}

// Uint64 reads key as a non-negative integer. JSON decoding hands us
// float64 for all numbers, so that is the canonical case; int forms
// appear when documents are built in code. Returns false for missing
// keys, non-numeric values, and negatives.
func (d Document) Uint64(key string) (uint64, bool) {
	switch v := d[key].(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	default:
		return 0, false
	}
}

// Bool reads key as a boolean. Returns false, false for missing or
// non-boolean values.
func (d Document) Bool(key string) (bool, bool) {
	v, ok := d[key].(bool)
	return v, ok
}

// Sub reads key as a nested document. Returns nil, false when the
// key is missing or not an object.
func (d Document) Sub(key string) (Document, bool) {
	switch v := d[key].(type) {
	case Document:
		return v, true
	case map[string]any:
		return Document(v), true
	default:
		return nil, false
	}
}

// Set stores value under key. The document must be non-nil.
func (d Document) Set(key string, value any) {
	d[key] = value
}

// DeviceShadow is the wire shape of the backend's shadow document
// pair. Desired is backend-authoritative; Reported is
// device-authoritative. Either half may be absent.
type DeviceShadow struct {
	Desired  Document `json:"desired,omitempty"`
	Reported Document `json:"reported,omitempty"`
}

// DesiredState is the heartbeat response: interval overrides plus an
// optional desired firmware version. Ephemeral — applied immediately
// to the live schedule and never persisted as-is.
type DesiredState struct {
	DesiredVersion           *string `json:"desired_version"`
	DesiredSampleInterval    uint64  `json:"desired_sample_interval_secs"`
	DesiredUploadInterval    uint64  `json:"desired_upload_interval_secs"`
	DesiredHeartbeatInterval uint64  `json:"desired_heartbeat_interval_secs"`
}
