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
	"path/filepath"
	"testing"
	"time"

	badgerdb "github.com/AleutianAI/checkpoint/services/checkpoint/storage/badger"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns a fresh index per backend.
func backends(t *testing.T) map[string]Index {
	t.Helper()

	db, err := badgerdb.Open(badgerdb.InMemoryConfig())
	require.NoError(t, err)
	bi := NewBadgerIndex(db)

	si, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		bi.Close()
		si.Close()
	})
	return map[string]Index{"badger": bi, "sqlite": si}
}

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func summary(id, workspace string, offset time.Duration) snapshot.Summary {
	return snapshot.Summary{
		ID:          id,
		CreatedAt:   base.Add(offset),
		Message:     "msg " + id,
		Workspace:   workspace,
		Fingerprint: "sha256:" + id,
		FileCount:   1,
	}
}

func ids(list []snapshot.Summary) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

func TestIndex_PutGet(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := summary("a", "/ws", 0)
			s.Annotations = map[string]any{"semantic_summary": "refactor"}
			require.NoError(t, idx.Put(ctx, s))

			got, err := idx.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, s.ID, got.ID)
			assert.True(t, s.CreatedAt.Equal(got.CreatedAt))
			assert.Equal(t, "refactor", got.Annotations["semantic_summary"])

			_, err = idx.Get(ctx, "missing")
			assert.ErrorIs(t, err, snapshot.ErrNotFound)
		})
	}
}

func TestIndex_PutReplaces(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := summary("a", "/ws", 0)
			require.NoError(t, idx.Put(ctx, s))
			s.Message = "updated"
			require.NoError(t, idx.Put(ctx, s))

			list, err := idx.List(ctx, Query{})
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "updated", list[0].Message)
		})
	}
}

func TestIndex_ListOrdering(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Put(ctx, summary("old", "/ws", 0)))
			require.NoError(t, idx.Put(ctx, summary("new", "/ws", 2*time.Second)))
			require.NoError(t, idx.Put(ctx, summary("tie-b", "/ws", time.Second)))
			require.NoError(t, idx.Put(ctx, summary("tie-a", "/ws", time.Second)))
			require.NoError(t, idx.Put(ctx, summary("other", "/elsewhere", 3*time.Second)))

			all, err := idx.List(ctx, Query{})
			require.NoError(t, err)
			assert.Equal(t, []string{"other", "new", "tie-a", "tie-b", "old"}, ids(all))

			ws, err := idx.List(ctx, Query{Workspace: "/ws"})
			require.NoError(t, err)
			assert.Equal(t, []string{"new", "tie-a", "tie-b", "old"}, ids(ws))

			one, err := idx.List(ctx, Query{Workspace: "/ws", Limit: 1})
			require.NoError(t, err)
			assert.Equal(t, []string{"new"}, ids(one))

			latest, ok, err := Latest(ctx, idx, "/elsewhere")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "other", latest.ID)

			_, ok, err = Latest(ctx, idx, "/nowhere")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestIndex_Reset(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Put(ctx, summary("a", "/ws", 0)))
			require.NoError(t, idx.Put(ctx, summary("b", "/ws", time.Second)))

			require.NoError(t, idx.Reset(ctx))

			list, err := idx.List(ctx, Query{})
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()
	for _, b := range []Backend{BackendBadger, BackendSQLite} {
		idx, err := Open(b, dir, nil)
		require.NoError(t, err, b)
		require.NoError(t, idx.Put(context.Background(), summary("x", "/ws", 0)))
		require.NoError(t, idx.Close())

		idx, err = Open(b, dir, nil)
		require.NoError(t, err, b)
		_, err = idx.Get(context.Background(), "x")
		assert.NoError(t, err, "%s index survives reopen", b)
		require.NoError(t, idx.Close())
	}

	_, err := Open("etcd", dir, nil)
	assert.ErrorIs(t, err, snapshot.ErrInvalidArgument)
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("")
	require.NoError(t, err)
	assert.Equal(t, BackendBadger, b)

	b, err = ParseBackend("SQLite")
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, b)

	_, err = ParseBackend("mysql")
	assert.ErrorIs(t, err, snapshot.ErrInvalidArgument)
}
