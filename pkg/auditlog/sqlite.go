// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package auditlog

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS frames (
	id          INTEGER PRIMARY KEY,
	at_unix_ms  INTEGER NOT NULL,
	elapsed_ms  INTEGER NOT NULL,
	can_id      INTEGER NOT NULL,
	extended    INTEGER NOT NULL,
	dlc         INTEGER NOT NULL,
	data        BLOB
);
CREATE INDEX IF NOT EXISTS frames_can_id ON frames (can_id, at_unix_ms);

CREATE TABLE IF NOT EXISTS deliveries (
	id          INTEGER PRIMARY KEY,
	at_unix_ms  INTEGER NOT NULL,
	batch_id    TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	frames      INTEGER NOT NULL,
	status      INTEGER NOT NULL,
	error       TEXT
);
`

// SQLiteSink stores frames and delivery records in a SQLite database.
// Each Write is one IMMEDIATE transaction.
type SQLiteSink struct {
	conn *sqlite.Conn
}

// OpenSQLite opens (or creates) the database and applies the schema
func OpenSQLite(path string) (*SQLiteSink, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite, sqlite.OpenCreate, sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database %s: %w", path, err)
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}
	return &SQLiteSink{conn: conn}, nil
}

// Write implements Sink
func (s *SQLiteSink) Write(entries []Entry) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(s.conn)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, e := range entries {
		switch {
		case e.Frame != nil:
			err = sqlitex.Execute(s.conn,
				`INSERT INTO frames (at_unix_ms, elapsed_ms, can_id, extended, dlc, data) VALUES (?, ?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{
					e.At.UnixMilli(), e.Elapsed.Milliseconds(), int64(e.Frame.ID), e.Frame.Extended, int64(e.Frame.Length), e.Frame.Payload(),
				}})
		case e.Delivery != nil:
			d := e.Delivery
			err = sqlitex.Execute(s.conn,
				`INSERT INTO deliveries (at_unix_ms, batch_id, outcome, attempt, frames, status, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{
					e.At.UnixMilli(), d.BatchID, d.Outcome, d.Attempt, d.Frames, d.Status, d.Error,
				}})
		}
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteSink) Close() error {
	return s.conn.Close()
}
