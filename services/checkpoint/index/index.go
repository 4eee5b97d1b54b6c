// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index maintains the catalog of snapshot summaries used for
// listing.
//
// The index is derived data. Every summary it holds has a fully
// persisted snapshot record behind it, and the whole index can be
// rebuilt from those records, so losing it only makes snapshots
// unlistable until the next reindex. Two backends are provided: an
// embedded BadgerDB (default) and SQLite.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
)

// Backend names an index implementation.
type Backend string

const (
	// BackendBadger stores summaries in BadgerDB under <store>/index.
	BackendBadger Backend = "badger"

	// BackendSQLite stores summaries in <store>/index.db.
	BackendSQLite Backend = "sqlite"
)

// ParseBackend resolves a configured backend name. Empty means badger.
func ParseBackend(name string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(name))) {
	case "", BackendBadger:
		return BackendBadger, nil
	case BackendSQLite:
		return BackendSQLite, nil
	default:
		return "", snapshot.InvalidArgument("unknown index backend %q", name)
	}
}

// Query selects summaries for listing.
type Query struct {
	// Workspace restricts results to one workspace root. Empty means all.
	Workspace string

	// Limit caps the number of results. Zero or negative means no cap.
	Limit int
}

// Index is the summary catalog.
//
// Implementations are safe for concurrent use. Callers serialize
// read-modify-write sequences themselves; individual calls are atomic.
type Index interface {
	// Put inserts or replaces the summary for s.ID.
	Put(ctx context.Context, s snapshot.Summary) error

	// Get returns the summary for id, or an error matching
	// snapshot.ErrNotFound.
	Get(ctx context.Context, id string) (snapshot.Summary, error)

	// List returns matching summaries newest first, ties broken by
	// identifier.
	List(ctx context.Context, q Query) ([]snapshot.Summary, error)

	// Reset removes every summary.
	Reset(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Open opens the index backend under storeDir.
func Open(backend Backend, storeDir string, logger *slog.Logger) (Index, error) {
	switch backend {
	case BackendBadger, "":
		return OpenBadger(filepath.Join(storeDir, "index"), logger)
	case BackendSQLite:
		return OpenSQLite(filepath.Join(storeDir, "index.db"))
	default:
		return nil, fmt.Errorf("open index: %w", snapshot.InvalidArgument("unknown index backend %q", backend))
	}
}

// Latest returns the newest summary for workspace, or false if the
// workspace has none.
func Latest(ctx context.Context, idx Index, workspace string) (snapshot.Summary, bool, error) {
	list, err := idx.List(ctx, Query{Workspace: workspace, Limit: 1})
	if err != nil || len(list) == 0 {
		return snapshot.Summary{}, false, err
	}
	return list[0], true, nil
}

// apply filters, orders and truncates summaries in memory.
func apply(all []snapshot.Summary, q Query) []snapshot.Summary {
	out := all[:0]
	for _, s := range all {
		if q.Workspace == "" || s.Workspace == q.Workspace {
			out = append(out, s)
		}
	}
	snapshot.SortSummaries(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
