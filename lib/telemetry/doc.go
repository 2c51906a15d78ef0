// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry defines the measurement record sampled on the
// device and the wire payload that carries batches of them to the
// backend ingest endpoint.
//
// The subpackage sampler generates simulated measurements; the
// durable queue in lib/queue persists them between upload ticks.
package telemetry
