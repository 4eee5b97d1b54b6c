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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	badgerdb "github.com/AleutianAI/checkpoint/services/checkpoint/storage/badger"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	"github.com/dgraph-io/badger/v4"
)

// summaryPrefix namespaces summary keys: "summary/<id>".
var summaryPrefix = []byte("summary/")

func summaryKey(id string) []byte {
	return append(append([]byte(nil), summaryPrefix...), id...)
}

// BadgerIndex stores summaries as JSON values in BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type BadgerIndex struct {
	db *badgerdb.DB
}

// OpenBadger opens a persistent Badger index at dir.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerIndex, error) {
	cfg := badgerdb.DefaultConfig(dir)
	cfg.Logger = logger
	db, err := badgerdb.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open badger index: %w", err)
	}
	return &BadgerIndex{db: db}, nil
}

// NewBadgerIndex wraps an already open database. Used with in-memory
// databases in tests.
func NewBadgerIndex(db *badgerdb.DB) *BadgerIndex {
	return &BadgerIndex{db: db}
}

// Put stores s.
func (b *BadgerIndex) Put(ctx context.Context, s snapshot.Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary %s: %w", s.ID, err)
	}
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(summaryKey(s.ID), data)
	})
}

// Get loads the summary for id.
func (b *BadgerIndex) Get(ctx context.Context, id string) (snapshot.Summary, error) {
	var s snapshot.Summary
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(summaryKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return snapshot.NotFound(id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	return s, err
}

// List scans every summary and filters in memory. The index holds one
// small record per snapshot, so a full scan stays cheap.
func (b *BadgerIndex) List(ctx context.Context, q Query) ([]snapshot.Summary, error) {
	var all []snapshot.Summary
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = summaryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var s snapshot.Summary
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			})
			if err != nil {
				return fmt.Errorf("decode summary %s: %w", item.Key(), err)
			}
			all = append(all, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return apply(all, q), nil
}

// Reset drops every summary.
func (b *BadgerIndex) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.DropPrefix(summaryPrefix)
}

// Close closes the database.
func (b *BadgerIndex) Close() error {
	return b.db.Close()
}
