// Package statsdb persists per-snapshot suspension telemetry: how long
// the host filesystem was quiesced creating each snapshot, and how many
// cylinder groups needed a pass-2 redo. Recording only happens when
// config.Tunables.CollectSnapStats is set.
package statsdb

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

const schema = `
CREATE TABLE IF NOT EXISTS suspensions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_inum INTEGER NOT NULL,
	device        TEXT NOT NULL,
	suspended_ns  INTEGER NOT NULL,
	cg_redone     INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);
`

// DB is a handle to the suspension telemetry database.
type DB struct {
	sql *sql.DB
}

// Open creates or opens the sqlite database at path and ensures its
// schema exists.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "statsdb: open")
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "statsdb: create schema")
	}
	return &DB{sql: conn}, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.sql.Close()
}

// SuspensionRecord is one recorded creation's telemetry.
type SuspensionRecord struct {
	SnapshotInum ufsgeom.InodeNumber
	Device       string
	Suspended    time.Duration
	CGRedone     int
	CreatedAt    time.Time
}

// Record inserts one suspension telemetry row.
func (db *DB) Record(ctx context.Context, r SuspensionRecord) error {
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO suspensions (snapshot_inum, device, suspended_ns, cg_redone, created_at) VALUES (?, ?, ?, ?, ?)`,
		int64(r.SnapshotInum), r.Device, r.Suspended.Nanoseconds(), r.CGRedone, r.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return errors.Wrap(err, "statsdb: record")
	}
	return nil
}

// Latest returns the most recently recorded suspension duration for
// snapInum, used by pkg/snapshot's Stat operation, and false if no row
// has ever been recorded for it.
func (db *DB) Latest(ctx context.Context, snapInum ufsgeom.InodeNumber) (time.Duration, bool, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT suspended_ns FROM suspensions WHERE snapshot_inum = ? ORDER BY id DESC LIMIT 1`,
		int64(snapInum))

	var ns int64
	switch err := row.Scan(&ns); err {
	case nil:
		return time.Duration(ns), true, nil
	case sql.ErrNoRows:
		return 0, false, nil
	default:
		return 0, false, errors.Wrap(err, "statsdb: latest")
	}
}
