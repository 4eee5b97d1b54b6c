// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS summaries (
	id          TEXT PRIMARY KEY,
	workspace   TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS summaries_listing ON summaries (workspace, created_at DESC, id);
`

// busyRetries bounds retries when another connection holds the write lock.
const busyRetries = 3

// SQLiteIndex stores summaries in a SQLite table. Ordering and limits
// are pushed down into the query.
//
// Thread Safety: Safe for concurrent use.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLite opens or creates the index database at path. ":memory:"
// opens a private in-memory database.
func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("open sqlite index: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = FULL",
	}
	for _, p := range append(pragmas, sqliteSchema) {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("open sqlite index: %s: %w", strings.TrimSpace(strings.SplitN(p, "\n", 2)[0]), err)
		}
	}
	return &SQLiteIndex{db: db}, nil
}

// Put upserts s.
func (x *SQLiteIndex) Put(ctx context.Context, s snapshot.Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary %s: %w", s.ID, err)
	}
	return x.exec(ctx, `INSERT INTO summaries (id, workspace, created_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET workspace = excluded.workspace, created_at = excluded.created_at, data = excluded.data`,
		s.ID, s.Workspace, s.CreatedAt.UnixNano(), string(data))
}

// Get loads the summary for id.
func (x *SQLiteIndex) Get(ctx context.Context, id string) (snapshot.Summary, error) {
	var data string
	err := x.db.QueryRowContext(ctx, `SELECT data FROM summaries WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.Summary{}, snapshot.NotFound(id)
	}
	if err != nil {
		return snapshot.Summary{}, fmt.Errorf("get summary %s: %w", id, err)
	}
	var s snapshot.Summary
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return snapshot.Summary{}, fmt.Errorf("decode summary %s: %w", id, err)
	}
	return s, nil
}

// List queries summaries newest first.
func (x *SQLiteIndex) List(ctx context.Context, q Query) ([]snapshot.Summary, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := x.db.QueryContext(ctx, `SELECT data FROM summaries
		WHERE (? = '' OR workspace = ?)
		ORDER BY created_at DESC, id ASC
		LIMIT ?`, q.Workspace, q.Workspace, limit)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []snapshot.Summary
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list summaries: %w", err)
		}
		var s snapshot.Summary
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Reset deletes every row.
func (x *SQLiteIndex) Reset(ctx context.Context) error {
	return x.exec(ctx, `DELETE FROM summaries`)
}

// Close closes the database.
func (x *SQLiteIndex) Close() error {
	return x.db.Close()
}

// exec runs a statement, retrying while SQLite reports the database busy.
func (x *SQLiteIndex) exec(ctx context.Context, query string, args ...any) error {
	var err error
	for i := range busyRetries {
		if _, err = x.db.ExecContext(ctx, query, args...); err == nil || !isBusy(err) {
			return err
		}
		t := time.NewTimer(time.Duration(100*(i+1)) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
