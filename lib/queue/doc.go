// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the durable local telemetry queue: an
// append-only SQLite table of measurements with transactional batch
// dequeue.
//
// The upload tick drains a bounded batch (select oldest N, delete,
// commit as one unit), attempts the backend ingest call, and on a
// reported failure re-appends the drained measurements. Re-appended
// records receive fresh identifiers at the tail, so total order
// across the measurement stream is preserved only up to the first
// failure — an accepted property of the at-least-once strategy.
//
// Depth is capped (drop-oldest on append) so an unreachable backend
// cannot grow local storage without bound.
package queue
