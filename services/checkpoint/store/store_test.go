// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/checkpoint/services/checkpoint/fingerprint"
	"github.com/AleutianAI/checkpoint/services/checkpoint/index"
	"github.com/AleutianAI/checkpoint/services/checkpoint/scanner"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	badgerdb "github.com/AleutianAI/checkpoint/services/checkpoint/storage/badger"
)

func openStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func contents(snap *snapshot.Snapshot) map[string]string {
	out := make(map[string]string, len(snap.Entries))
	for _, e := range snap.Entries {
		out[e.Path] = string(e.Content)
	}
	return out
}

// flakyIndex fails the first failPuts calls to Put, or every call when
// failPuts is negative.
type flakyIndex struct {
	index.Index
	failPuts int32
	puts     atomic.Int32
}

func (f *flakyIndex) Put(ctx context.Context, s snapshot.Summary) error {
	n := f.puts.Add(1)
	if f.failPuts < 0 || n <= f.failPuts {
		return errors.New("disk full")
	}
	return f.Index.Put(ctx, s)
}

func memoryIndex(t *testing.T) index.Index {
	t.Helper()
	db, err := badgerdb.Open(badgerdb.InMemoryConfig())
	require.NoError(t, err)
	return index.NewBadgerIndex(db)
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.ErrorIs(t, err, snapshot.ErrInvalidArgument)
}

func TestOpen_CreatesLayout(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	assert.Equal(t, dir, s.Dir())
	assert.DirExists(t, filepath.Join(dir, "objects"))
	assert.DirExists(t, filepath.Join(dir, "snapshots"))
	assert.DirExists(t, filepath.Join(dir, "index"))
}

func TestCreate_RoundTrip(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1", "sub/b.txt": "2"})
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	res, err := s.Create(ctx, ws, CreateOptions{Message: "first", Metadata: map[string]any{"agent": "test"}})
	require.NoError(t, err)
	require.False(t, res.Unchanged)

	snap := res.Snapshot
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "first", snap.Message)
	assert.Equal(t, ws, snap.Workspace)
	assert.Empty(t, snap.ParentID)
	assert.Equal(t, "DELETE a.txt\n---\nDELETE sub/b.txt", snap.ReversePatch)
	assert.Equal(t, map[string]any{"agent": "test"}, snap.Extra)

	got, err := s.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "1", "sub/b.txt": "2"}, contents(got))
	assert.Equal(t, snap.Fingerprint, got.Fingerprint)
	assert.True(t, got.CreatedAt.Equal(snap.CreatedAt))
	for _, e := range got.Entries {
		assert.Equal(t, snapshot.KindModified, e.Kind)
	}

	list, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, snap.ID, list[0].ID)
	assert.Equal(t, 2, list[0].FileCount)
	assert.Equal(t, int64(2), list[0].TotalBytes)

	require.NoError(t, s.Verify(ctx, snap.ID))
}

func TestCreate_ReverseLogAgainstParent(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1", "b.txt": "2"})
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	first, err := s.Create(ctx, ws, CreateOptions{Message: "s1"})
	require.NoError(t, err)

	writeTree(t, ws, map[string]string{"a.txt": "changed", "c.txt": "3"})
	require.NoError(t, os.Remove(filepath.Join(ws, "b.txt")))

	second, err := s.Create(ctx, ws, CreateOptions{Message: "s2"})
	require.NoError(t, err)

	assert.Equal(t, first.Snapshot.ID, second.Snapshot.ParentID)
	assert.Equal(t, "REVERT a.txt\n1\n---\nRESTORE b.txt\n2\n---\nDELETE c.txt", second.Snapshot.ReversePatch)

	// The first snapshot is independent of the second.
	got, err := s.Get(ctx, first.Snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "1", "b.txt": "2"}, contents(got))
}

func TestCreate_Unchanged(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1"})
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	first, err := s.Create(ctx, ws, CreateOptions{})
	require.NoError(t, err)
	second, err := s.Create(ctx, ws, CreateOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, first.Snapshot.ID, second.Snapshot.ID)
	assert.True(t, fingerprint.Equal(first.Snapshot.Fingerprint, second.Snapshot.Fingerprint))
	assert.Empty(t, second.Snapshot.ReversePatch)

	skipped, err := s.Create(ctx, ws, CreateOptions{SkipUnchanged: true})
	require.NoError(t, err)
	assert.True(t, skipped.Unchanged)
	assert.Equal(t, second.Snapshot.ID, skipped.Snapshot.ID)
	assert.Equal(t, map[string]string{"a.txt": "1"}, contents(skipped.Snapshot))

	list, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	writeTree(t, ws, map[string]string{"a.txt": "2"})
	changed, err := s.Create(ctx, ws, CreateOptions{SkipUnchanged: true})
	require.NoError(t, err)
	assert.False(t, changed.Unchanged)
}

func TestCreate_InvalidRoot(t *testing.T) {
	s := openStore(t, t.TempDir())

	_, err := s.Create(context.Background(), filepath.Join(t.TempDir(), "missing"), CreateOptions{})
	assert.ErrorIs(t, err, snapshot.ErrInvalidArgument)

	_, err = s.Create(context.Background(), "", CreateOptions{})
	assert.ErrorIs(t, err, snapshot.ErrInvalidArgument)
}

func TestCreate_CancelledIsNotPersisted(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1"})
	s := openStore(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Create(ctx, ws, CreateOptions{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)

	list, err := s.List(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreate_RecordsScanFaults(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"small.txt": "ok", "big.txt": "way too large"})
	s := openStore(t, t.TempDir(), WithScanner(scanner.New(scanner.WithMaxFileSize(4))))

	res, err := s.Create(context.Background(), ws, CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"small.txt"}, res.Snapshot.Paths())
	require.Len(t, res.Snapshot.Faults, 1)
	assert.Equal(t, "big.txt", res.Snapshot.Faults[0].Path)

	rec, err := s.Record(context.Background(), res.Snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Snapshot.Faults, rec.Faults)
}

func TestList_LimitReturnsNewest(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1"})

	// A frozen clock still yields strictly increasing timestamps.
	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := openStore(t, t.TempDir(), WithClock(func() time.Time { return frozen }))
	ctx := context.Background()

	var last string
	for i := 0; i < 3; i++ {
		res, err := s.Create(ctx, ws, CreateOptions{Message: fmt.Sprintf("s%d", i)})
		require.NoError(t, err)
		last = res.Snapshot.ID
	}

	list, err := s.List(ctx, ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, last, list[0].ID)
	assert.Equal(t, "s2", list[0].Message)

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"s2", "s1", "s0"}, []string{all[0].Message, all[1].Message, all[2].Message})
}

func TestCreate_ConcurrentWorkspaces(t *testing.T) {
	wsA, wsB := t.TempDir(), t.TempDir()
	writeTree(t, wsA, map[string]string{"a.txt": "from a"})
	writeTree(t, wsB, map[string]string{"b.txt": "from b"})
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	const perWorkspace = 5
	var wg sync.WaitGroup
	errs := make(chan error, 2*perWorkspace)
	for i := 0; i < perWorkspace; i++ {
		for _, ws := range []string{wsA, wsB} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Create(ctx, ws, CreateOptions{})
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for ws, want := range map[string]map[string]string{
		wsA: {"a.txt": "from a"},
		wsB: {"b.txt": "from b"},
	} {
		list, err := s.List(ctx, ListOptions{Workspace: ws})
		require.NoError(t, err)
		require.Len(t, list, perWorkspace)
		for _, sum := range list {
			got, err := s.Get(ctx, sum.ID)
			require.NoError(t, err)
			assert.Equal(t, want, contents(got))
		}
	}
}

func TestUpdate_MergesAnnotations(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1"})
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	res, err := s.Create(ctx, ws, CreateOptions{})
	require.NoError(t, err)
	id := res.Snapshot.ID

	merged, err := s.Update(ctx, id, map[string]any{"summary": "first pass", "tags": map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, "first pass", merged["summary"])

	merged, err = s.Update(ctx, id, map[string]any{"summary": nil, "tags": map[string]any{"b": 2}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tags": map[string]any{"a": float64(1), "b": float64(2)}}, merged)

	rec, err := s.Record(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, merged, rec.Annotations)
	assert.Equal(t, res.Snapshot.Fingerprint, rec.Fingerprint)

	list, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, merged, list[0].Annotations)

	require.NoError(t, s.Verify(ctx, id))

	_, err = s.Update(ctx, uuid.NewString(), map[string]any{"x": 1})
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestGet_NotFound(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	for _, id := range []string{uuid.NewString(), "../../etc/passwd", "", "not-a-uuid"} {
		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, snapshot.ErrNotFound, id)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "original"})
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	res, err := s.Create(ctx, ws, CreateOptions{})
	require.NoError(t, err)
	id := res.Snapshot.ID
	blob := layout{root: dir}.blob(res.Snapshot.Entries[0].BlobHash)

	require.NoError(t, os.WriteFile(blob, []byte("tampered"), 0o644))

	err = s.Verify(ctx, id)
	var ie *snapshot.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, id, ie.ID)
	assert.Equal(t, "a.txt", ie.Path)

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, snapshot.ErrIntegrityMismatch)

	require.NoError(t, os.Remove(blob))
	err = s.Verify(ctx, id)
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "missing", ie.Got)
}

func TestRecord_RejectsUnknownKind(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1"})
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	res, err := s.Create(ctx, ws, CreateOptions{})
	require.NoError(t, err)
	id := res.Snapshot.ID

	p := layout{root: dir}.record(id)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	data = bytes.Replace(data, []byte(`"kind": "modified"`), []byte(`"kind": "renamed"`), 1)
	require.NoError(t, os.WriteFile(p, data, 0o644))

	_, err = s.Record(ctx, id)
	var ie *snapshot.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "a.txt", ie.Path)
	assert.Equal(t, `"renamed"`, ie.Got)
}

func TestCreate_StoreInsideWorkspace(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1"})
	s := openStore(t, filepath.Join(ws, "snapstore"))
	ctx := context.Background()

	first, err := s.Create(ctx, ws, CreateOptions{})
	require.NoError(t, err)
	second, err := s.Create(ctx, ws, CreateOptions{})
	require.NoError(t, err)

	got, err := s.Get(ctx, second.Snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "1"}, contents(got))
	assert.Equal(t, first.Snapshot.Fingerprint, second.Snapshot.Fingerprint)
	assert.Empty(t, got.Faults)
}

func TestCreate_RepairsDamagedBlob(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "hello"})
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	first, err := s.Create(ctx, ws, CreateOptions{})
	require.NoError(t, err)
	blob := layout{root: dir}.blob(first.Snapshot.Entries[0].BlobHash)
	require.NoError(t, os.WriteFile(blob, []byte("XXXXX"), 0o644))

	second, err := s.Create(ctx, ws, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.Snapshot.Entries[0].BlobHash, second.Snapshot.Entries[0].BlobHash)

	got, err := s.Get(ctx, second.Snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "hello"}, contents(got))

	// The rewritten blob serves the earlier snapshot too.
	require.NoError(t, s.Verify(ctx, first.Snapshot.ID))
}

func TestCreate_IndexRetry(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1"})
	idx := &flakyIndex{Index: memoryIndex(t), failPuts: 1}
	s := openStore(t, t.TempDir(), WithIndex(idx))

	res, err := s.Create(context.Background(), ws, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), idx.puts.Load())

	list, err := s.List(context.Background(), ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.Snapshot.ID, list[0].ID)
}

func TestCreate_IndexFailureLeavesRecoverableSnapshot(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1", "b.txt": "2"})
	dir := t.TempDir()
	ctx := context.Background()

	broken, err := Open(ctx, dir, WithIndex(&flakyIndex{Index: memoryIndex(t), failPuts: -1}))
	require.NoError(t, err)

	res, err := broken.Create(ctx, ws, CreateOptions{Message: "orphan"})
	require.Error(t, err)
	assert.ErrorIs(t, err, snapshot.ErrIOFailure)
	var ioErr *snapshot.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "index", ioErr.Op)
	assert.NotEmpty(t, ioErr.Path)

	require.NotNil(t, res)
	id := res.Snapshot.ID

	// Content is retrievable by identifier alone.
	got, err := broken.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "1", "b.txt": "2"}, contents(got))
	require.NoError(t, broken.Close())

	s := openStore(t, dir, WithReconcile(true))
	list, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "orphan", list[0].Message)
}

func TestReindex_RebuildsLostIndex(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1"})
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, dir)
	require.NoError(t, err)
	first, err := s.Create(ctx, ws, CreateOptions{Message: "one"})
	require.NoError(t, err)
	_, err = s.Create(ctx, ws, CreateOptions{Message: "two"})
	require.NoError(t, err)
	_, err = s.Update(ctx, first.Snapshot.ID, map[string]any{"summary": "kept"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "index")))
	snapshots := filepath.Join(dir, "snapshots")
	require.NoError(t, os.WriteFile(filepath.Join(snapshots, "notes.json"), []byte("{}"), 0o644))
	corrupt := uuid.NewString() + ".json"
	require.NoError(t, os.WriteFile(filepath.Join(snapshots, corrupt), []byte("{broken"), 0o644))

	s = openStore(t, dir)
	list, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)

	res, err := s.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Indexed)
	require.Len(t, res.Faults, 1)
	assert.Equal(t, corrupt, res.Faults[0].Path)

	list, err = s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "two", list[0].Message)
	assert.Equal(t, "one", list[1].Message)
	assert.Equal(t, "kept", list[1].Annotations["summary"])
}

func TestReconcile_KeepsExisting(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1"})
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	_, err := s.Create(ctx, ws, CreateOptions{})
	require.NoError(t, err)

	n, err := s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_SQLiteBackend(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"a.txt": "1"})
	dir := t.TempDir()
	s := openStore(t, dir, WithIndexBackend(index.BackendSQLite), WithFingerprint(mustEngine(t, fingerprint.XXH3)))
	ctx := context.Background()

	res, err := s.Create(ctx, ws, CreateOptions{Message: "sqlite"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "index.db"))

	algo, err := fingerprint.AlgorithmOf(res.Snapshot.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.XXH3, algo)

	list, err := s.List(ctx, ListOptions{Workspace: ws, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sqlite", list[0].Message)

	require.NoError(t, s.Verify(ctx, res.Snapshot.ID))
}

func mustEngine(t *testing.T, algo fingerprint.Algorithm) *fingerprint.Engine {
	t.Helper()
	e, err := fingerprint.New(algo)
	require.NoError(t, err)
	return e
}

func TestRecordID(t *testing.T) {
	id := uuid.NewString()
	tests := []struct {
		name string
		want bool
	}{
		{id + ".json", true},
		{id + ".annotations.json", false},
		{"notes.json", false},
		{id, false},
		{"." + id + ".json.tmp-123", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := recordID(tt.name)
			assert.Equal(t, tt.want, ok)
			if ok {
				assert.Equal(t, id, got)
			}
		})
	}
}
