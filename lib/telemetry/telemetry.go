// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import "time"

// Measurement is one sensor sample. Immutable once created; it is
// destroyed only when the backend acknowledges the ingest batch that
// carried it. JSON field names are the backend wire contract.
type Measurement struct {
	// Timestamp is the UTC instant the sample was taken.
	Timestamp time.Time `json:"timestamp"`

	// Temp is the ambient temperature in degrees Celsius.
	Temp float64 `json:"temp"`

	// Humidity is the relative humidity in percent.
	Humidity float64 `json:"humidity"`

	// Battery is the remaining charge as a fraction in [0, 1].
	Battery float64 `json:"battery"`

	// SequenceNumber is process-local and monotonically increasing;
	// it resets to zero on restart. It disambiguates samples taken
	// within the same timestamp granularity, nothing more.
	SequenceNumber uint32 `json:"sequence_number"`

	// Position fields are optional: devices without a fix omit them.
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`

	// FirmwareVersion tags the sample with the image that produced
	// it, so fleet-side analysis can segment by rollout.
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// IngestPayload is the request body of the backend ingest call.
type IngestPayload struct {
	DeviceID     string        `json:"device_id"`
	Measurements []Measurement `json:"measurements"`
}
