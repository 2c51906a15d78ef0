// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for edgefleet packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with a time.After fallback) so individual
// tests do not hang forever when a goroutine under test misbehaves.
// These helpers are the only place in the test suite where real
// wall-clock timeouts appear; everything else drives the fake clock.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no edgefleet-internal dependencies.
package testutil
