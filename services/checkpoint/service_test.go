// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/checkpoint/services/checkpoint/compare"
	"github.com/AleutianAI/checkpoint/services/checkpoint/config"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	"github.com/AleutianAI/checkpoint/services/checkpoint/store"
	"github.com/AleutianAI/checkpoint/services/checkpoint/watch"
)

func newService(t *testing.T, mutate func(*config.Config)) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StoreDir = filepath.Join(t.TempDir(), "store")
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func TestService_Lifecycle(t *testing.T) {
	for _, backend := range []string{"badger", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			svc := newService(t, func(c *config.Config) { c.Index = backend })

			ws := t.TempDir()
			writeFiles(t, ws, map[string]string{"a.txt": "one\n", "src/b.go": "package b\n"})
			first, err := svc.Create(ctx, ws, store.CreateOptions{Message: "first"})
			require.NoError(t, err)

			writeFiles(t, ws, map[string]string{"a.txt": "two\n"})
			second, err := svc.Create(ctx, ws, store.CreateOptions{Message: "second"})
			require.NoError(t, err)

			list, err := svc.List(ctx, store.ListOptions{})
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, second.Snapshot.ID, list[0].ID)

			shown, err := svc.Show(ctx, first.Snapshot.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"a.txt", "src/b.go"}, shown.Paths())

			cmp, err := svc.Compare(ctx, first.Snapshot.ID, second.Snapshot.ID)
			require.NoError(t, err)
			require.Len(t, cmp.Differences, 1)
			assert.Equal(t, compare.Modified, cmp.Differences[0].Classification)

			merged, err := svc.Update(ctx, first.Snapshot.ID, map[string]any{"summary": "initial import"})
			require.NoError(t, err)
			assert.Equal(t, "initial import", merged["summary"])

			require.NoError(t, svc.Verify(ctx, second.Snapshot.ID))

			dest := t.TempDir()
			res, err := svc.Restore(ctx, first.Snapshot.ID, dest)
			require.NoError(t, err)
			assert.Len(t, res.Written, 2)
			got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
			require.NoError(t, err)
			assert.Equal(t, "one\n", string(got))

			re, err := svc.Reindex(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, re.Indexed)

			list, err = svc.List(ctx, store.ListOptions{})
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "initial import", list[1].Annotations["summary"])
		})
	}
}

func TestService_ScanConfig(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, func(c *config.Config) {
		c.Scan.ExcludePatterns = []string{"**/*.log"}
		c.Scan.ExcludeDirs = []string{"tmp"}
	})

	ws := t.TempDir()
	writeFiles(t, ws, map[string]string{
		"keep.txt":      "k",
		"debug.log":     "x",
		"nested/a.log":  "x",
		"tmp/cache.bin": "x",
	})

	res, err := svc.Create(ctx, ws, store.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, res.Snapshot.Paths())
}

func TestService_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StoreDir = t.TempDir()
	cfg.Index = "postgres"

	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, snapshot.ErrInvalidArgument)
}

func TestService_NotFound(t *testing.T) {
	svc := newService(t, nil)
	_, err := svc.Get(context.Background(), "0b7e7c8e-6b0f-4a53-9c43-3f7d2e1a9b10")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestService_Watcher(t *testing.T) {
	svc := newService(t, func(c *config.Config) {
		c.Watch.Debounce = 50 * time.Millisecond
		c.Watch.MinInterval = 10 * time.Millisecond
	})

	ws := t.TempDir()
	writeFiles(t, ws, map[string]string{"a.txt": "1"})

	done := make(chan *store.CreateResult, 4)
	w, err := svc.Watcher(ws, func(_ []watch.Change, res *store.CreateResult, err error) {
		if err == nil {
			done <- res
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	// Give fsnotify time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFiles(t, ws, map[string]string{"b.txt": "2"})

	select {
	case res := <-done:
		assert.Contains(t, res.Snapshot.Message, "auto:")
		assert.Equal(t, []string{"a.txt", "b.txt"}, res.Snapshot.Paths())
	case <-time.After(5 * time.Second):
		t.Fatal("no checkpoint after change")
	}

	cancel()
	require.NoError(t, <-errc)
}

func TestService_CloseIdempotent(t *testing.T) {
	svc := newService(t, nil)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
}
