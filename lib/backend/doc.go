// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend implements the fleet backend's device protocol:
// register, heartbeat, ingest, firmware metadata and download, and
// the shadow get/patch pair.
//
// The agent core depends only on these request/response contracts,
// not on the transport. Every call carries an explicit timeout so a
// hung backend degrades into a transient per-tick failure instead of
// stalling the whole single-dispatch loop. Authenticated calls fail
// fast with [ErrMissingCredential] when no token is stored — a local
// precondition failure, distinct from network errors.
//
// Empty or undecodable 2xx bodies where a document was expected are
// reported as "no data available" (nil metadata, nil desired state,
// empty shadow) rather than as hard failures.
package backend
