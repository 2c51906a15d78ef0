// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the agent's standard SQLite connection
// pool: zombiezen.com/go/sqlite with WAL journaling, NORMAL
// synchronous for process-crash durability without fsync-per-commit
// overhead, and a busy timeout so the drain transaction waits for a
// write lock instead of failing with SQLITE_BUSY.
//
// The package is intentionally thin. Callers write SQL directly with
// sqlitex.Execute and manage transactions with
// sqlitex.ImmediateTransaction; there is no query-builder layer. The
// only consumer today is the durable telemetry queue in lib/queue.
package sqlitepool
