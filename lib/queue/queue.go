// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/edgefleet/edgefleet/lib/sqlitepool"
	"github.com/edgefleet/edgefleet/lib/telemetry"
)

// DefaultMaxDepth is the default cap on total queue depth. When an
// append would exceed it, the oldest records are evicted. 10000
// records is roughly 28 hours of backlog at the default 10s sample
// interval.
const DefaultMaxDepth = 10000

// schema is created once per connection via the pool's OnConnect
// hook. AUTOINCREMENT (not plain rowid) guarantees identifiers are
// never reused after a delete, which the FIFO-ordering invariant
// depends on: a re-appended measurement must land at the tail with a
// strictly larger id.
const schema = `
CREATE TABLE IF NOT EXISTS measurements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	temp REAL NOT NULL,
	humidity REAL NOT NULL,
	battery REAL NOT NULL,
	sequence_number INTEGER NOT NULL,
	latitude REAL,
	longitude REAL,
	speed REAL,
	firmware_version TEXT
);
`

// Config holds the parameters for opening a Queue.
type Config struct {
	// Path is the SQLite database file backing the queue. Required.
	Path string

	// MaxDepth caps total queue depth. Appends beyond the cap evict
	// the oldest records. Defaults to DefaultMaxDepth if zero or
	// negative.
	MaxDepth int64

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Queue is the durable local telemetry queue: an append-only ordered
// table of measurements with transactional batch dequeue. Records
// leave the queue in one of exactly two ways — durably deleted inside
// a committed drain, or evicted by the depth cap.
//
// Safe for concurrent use, though the agent loop is single-dispatch
// and never overlaps queue operations.
type Queue struct {
	pool     *sqlitepool.Pool
	logger   *slog.Logger
	maxDepth int64
	evicted  atomic.Uint64
}

// Open opens (creating if necessary) the queue database at cfg.Path.
func Open(cfg Config) (*Queue, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	return &Queue{pool: pool, logger: logger, maxDepth: maxDepth}, nil
}

// Close closes the underlying pool.
func (q *Queue) Close() error {
	return q.pool.Close()
}

// Append durably persists one measurement and returns its
// storage-assigned identifier. The queue does not retry a failed
// append; the caller loses that one measurement and the error tells
// it so.
//
// If the append pushes the queue past its depth cap, the oldest
// overflow records are evicted in the same transaction.
func (q *Queue) Append(ctx context.Context, m telemetry.Measurement) (int64, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: append: %w", err)
	}
	defer q.pool.Put(conn)

	id, overflow, err := q.appendTx(conn, m)
	if err != nil {
		return 0, err
	}

	// The counter and warning only reflect committed evictions.
	if overflow > 0 {
		total := q.evicted.Add(uint64(overflow))
		q.logger.Warn("queue depth cap reached, evicted oldest records",
			"evicted", overflow,
			"evicted_total", total,
			"max_depth", q.maxDepth,
		)
	}
	return id, nil
}

// appendTx runs the insert and any overflow eviction in one
// transaction and reports how many records were evicted.
func (q *Queue) appendTx(conn *sqlite.Conn, m telemetry.Measurement) (id, overflow int64, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, 0, fmt.Errorf("queue: append: begin: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO measurements
			(timestamp, temp, humidity, battery, sequence_number,
			 latitude, longitude, speed, firmware_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				m.Timestamp.UTC().Format(time.RFC3339Nano),
				m.Temp,
				m.Humidity,
				m.Battery,
				int64(m.SequenceNumber),
				nullableFloat(m.Latitude),
				nullableFloat(m.Longitude),
				nullableFloat(m.Speed),
				nullableString(m.FirmwareVersion),
			},
		})
	if err != nil {
		return 0, 0, fmt.Errorf("queue: append: insert: %w", err)
	}
	id = conn.LastInsertRowID()

	overflow, err = q.evictOverflow(conn)
	if err != nil {
		return 0, 0, err
	}
	return id, overflow, nil
}

// evictOverflow deletes the oldest records beyond the depth cap and
// returns how many were deleted. Runs inside the append transaction.
func (q *Queue) evictOverflow(conn *sqlite.Conn) (int64, error) {
	depth, err := depthOn(conn)
	if err != nil {
		return 0, err
	}
	overflow := depth - q.maxDepth
	if overflow <= 0 {
		return 0, nil
	}

	err = sqlitex.Execute(conn, `
		DELETE FROM measurements WHERE id IN (
			SELECT id FROM measurements ORDER BY id LIMIT ?
		)`,
		&sqlitex.ExecOptions{Args: []any{overflow}})
	if err != nil {
		return 0, fmt.Errorf("queue: evicting overflow: %w", err)
	}
	return overflow, nil
}

// DrainBatch atomically selects up to maxN oldest records, deletes
// exactly those records, commits both as one unit, and returns the
// selected measurements in identifier order. A crash between select
// and commit rolls the whole drain back: no records are lost or
// duplicated. A crash after commit loses the returned batch — the
// accepted risk of the at-least-once upload strategy, mitigated only
// by the caller re-appending on a reported upload failure.
//
// A per-record delete failure is logged and skipped; the rest of the
// batch still commits, and the stragglers drain on the next tick.
func (q *Queue) DrainBatch(ctx context.Context, maxN int) (batch []telemetry.Measurement, err error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: drain: %w", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("queue: drain: begin: %w", err)
	}
	defer endTransaction(&err)

	var ids []int64
	err = sqlitex.Execute(conn, `
		SELECT id, timestamp, temp, humidity, battery, sequence_number,
		       latitude, longitude, speed, firmware_version
		FROM measurements ORDER BY id LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{maxN},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				m, rowErr := scanMeasurement(stmt)
				if rowErr != nil {
					return rowErr
				}
				ids = append(ids, stmt.ColumnInt64(0))
				batch = append(batch, m)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: drain: select: %w", err)
	}

	for _, id := range ids {
		deleteErr := sqlitex.Execute(conn, "DELETE FROM measurements WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{id}})
		if deleteErr != nil {
			q.logger.Error("failed to delete drained record",
				"id", id,
				"error", deleteErr,
			)
		}
	}

	return batch, nil
}

// Depth returns the number of records currently queued.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	defer q.pool.Put(conn)
	return depthOn(conn)
}

// Evicted returns the total number of records evicted by the depth
// cap since the queue was opened.
func (q *Queue) Evicted() uint64 {
	return q.evicted.Load()
}

func depthOn(conn *sqlite.Conn) (int64, error) {
	var depth int64
	err := sqlitex.Execute(conn, "SELECT COUNT(*) FROM measurements",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				depth = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("queue: counting records: %w", err)
	}
	return depth, nil
}

// scanMeasurement rebuilds a Measurement from a drain result row.
// Column order matches the drain SELECT.
func scanMeasurement(stmt *sqlite.Stmt) (telemetry.Measurement, error) {
	timestamp, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(1))
	if err != nil {
		return telemetry.Measurement{}, fmt.Errorf("queue: corrupt timestamp in record %d: %w",
			stmt.ColumnInt64(0), err)
	}

	m := telemetry.Measurement{
		Timestamp:      timestamp,
		Temp:           stmt.ColumnFloat(2),
		Humidity:       stmt.ColumnFloat(3),
		Battery:        stmt.ColumnFloat(4),
		SequenceNumber: uint32(stmt.ColumnInt64(5)),
	}
	if stmt.ColumnType(6) != sqlite.TypeNull {
		v := stmt.ColumnFloat(6)
		m.Latitude = &v
	}
	if stmt.ColumnType(7) != sqlite.TypeNull {
		v := stmt.ColumnFloat(7)
		m.Longitude = &v
	}
	if stmt.ColumnType(8) != sqlite.TypeNull {
		v := stmt.ColumnFloat(8)
		m.Speed = &v
	}
	if stmt.ColumnType(9) != sqlite.TypeNull {
		m.FirmwareVersion = stmt.ColumnText(9)
	}
	return m, nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
