// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package shadow models the device shadow: the backend-held pair of
// desired and reported configuration documents, plus the ephemeral
// desired-state record carried by heartbeat responses.
//
// Shadow payloads are an open schema owned by the backend, so the
// core type is a generic [Document] rather than a fixed struct: the
// interval keys the device understands have typed accessors, and
// unknown keys (notably chaos_flags) pass through untouched.
package shadow
