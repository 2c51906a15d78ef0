// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package devstate persists the device's durable record: the
// registration-assigned identity and credential, the live scheduling
// intervals, and the desired/reported shadow documents.
//
// The record is a single JSON document written atomically via
// lib/statefile after every mutation. The store pins the identity on
// first sight and rejects any later save that would alter it, which
// is what makes "device_id and auth_token are set exactly once" an
// enforced property rather than a convention.
package devstate
