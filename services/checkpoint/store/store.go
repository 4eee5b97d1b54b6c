// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists snapshots and maintains their index.
//
// # Layout
//
//	objects/<2 hex>/<64 hex>          content blobs, write-once
//	snapshots/<id>.json               snapshot record, entries reference blobs
//	snapshots/<id>.annotations.json   annotation sidecar, the only rewritten file
//	index/ or index.db                summary catalog
//	LOCK                              guards index read-modify-write
//
// A snapshot becomes visible when its summary reaches the index. Blobs and
// the record are written first, so every indexed identifier resolves to a
// fully persisted snapshot. Records never depend on the index: Reindex
// rebuilds it from snapshots/ alone.
//
// # Thread Safety
//
// A Store is safe for concurrent use. Creates of the same workspace
// serialize; different workspaces only meet at the index commit.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/checkpoint/services/checkpoint/diff"
	"github.com/AleutianAI/checkpoint/services/checkpoint/fingerprint"
	"github.com/AleutianAI/checkpoint/services/checkpoint/index"
	"github.com/AleutianAI/checkpoint/services/checkpoint/internal/atomicfile"
	"github.com/AleutianAI/checkpoint/services/checkpoint/internal/keyed"
	"github.com/AleutianAI/checkpoint/services/checkpoint/lock"
	"github.com/AleutianAI/checkpoint/services/checkpoint/scanner"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	"github.com/AleutianAI/checkpoint/services/checkpoint/telemetry"
)

const filePerm fs.FileMode = 0o644

// Option configures a Store.
type Option func(*Store)

// WithIndex uses idx instead of opening a backend. The store takes
// ownership and closes it.
func WithIndex(idx index.Index) Option {
	return func(s *Store) {
		s.idx = idx
	}
}

// WithIndexBackend selects the index backend opened under the store
// directory. Defaults to badger.
func WithIndexBackend(b index.Backend) Option {
	return func(s *Store) {
		s.backend = b
	}
}

// WithScanner sets the scanner used by Create.
func WithScanner(sc *scanner.Scanner) Option {
	return func(s *Store) {
		s.scanner = sc
	}
}

// WithFingerprint sets the fingerprint engine used by Create.
func WithFingerprint(e *fingerprint.Engine) Option {
	return func(s *Store) {
		s.fp = e
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l.With(slog.String("component", "store"))
		}
	}
}

// WithTracing enables OpenTelemetry spans.
func WithTracing(enabled bool) Option {
	return func(s *Store) {
		s.tracer = telemetry.NewTracer("store", enabled)
	}
}

// WithReconcile makes Open index every record missing from the index.
func WithReconcile(enabled bool) Option {
	return func(s *Store) {
		s.reconcile = enabled
	}
}

// WithWorkers bounds parallel blob reads and writes.
func WithWorkers(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithClock overrides the time source for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the snapshot store.
type Store struct {
	layout    layout
	idx       index.Index
	idxPath   string
	backend   index.Backend
	scanner   *scanner.Scanner
	fp        *fingerprint.Engine
	logger    *slog.Logger
	tracer    *telemetry.Tracer
	reconcile bool
	workers   int
	now       func() time.Time

	// indexLock is the single-writer section around index updates.
	indexLock  *lock.Lock
	workspaces keyed.Mutex

	clockMu     sync.Mutex
	lastCreated time.Time

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates a store in dir.
//
// # Inputs
//
//   - ctx: Bounds reconciliation when WithReconcile is set.
//   - dir: Store directory. Created if missing.
//   - opts: Optional configuration.
//
// # Outputs
//
//   - *Store: Ready store. Close it when done.
//   - error: ErrInvalidArgument for an empty dir, or an open failure.
func Open(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, snapshot.InvalidArgument("store directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve store directory: %w", err)
	}

	l := layout{root: abs}
	s := &Store{
		layout:    l,
		backend:   index.BackendBadger,
		logger:    slog.Default().With(slog.String("component", "store")),
		tracer:    telemetry.NewTracer("store", false),
		workers:   runtime.GOMAXPROCS(0),
		now:       time.Now,
		indexLock: lock.New(l.lock()),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scanner == nil {
		s.scanner = scanner.New(scanner.WithLogger(s.logger))
	}
	if s.fp == nil {
		s.fp = fingerprint.Default()
	}

	for _, d := range []string{s.layout.objects(), s.layout.snapshots()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, snapshot.NewIOError("mkdir", d, err)
		}
	}

	s.idxPath = abs
	if s.idx == nil {
		s.idx, err = index.Open(s.backend, abs, s.logger)
		if err != nil {
			return nil, err
		}
		if s.backend == index.BackendSQLite {
			s.idxPath = filepath.Join(abs, "index.db")
		} else {
			s.idxPath = filepath.Join(abs, "index")
		}
	}

	if s.reconcile {
		n, err := s.Reconcile(ctx)
		if err != nil {
			s.idx.Close()
			return nil, fmt.Errorf("reconcile index: %w", err)
		}
		if n > 0 {
			s.logger.Info("indexed orphaned snapshots", slog.Int("count", n))
		}
	}

	return s, nil
}

// Dir returns the absolute store directory.
func (s *Store) Dir() string {
	return s.layout.root
}

// Close releases the index. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.idx.Close()
	})
	return s.closeErr
}

// CreateOptions controls one Create call.
type CreateOptions struct {
	// Message is the free-text label.
	Message string

	// Metadata is stored verbatim as the snapshot's Extra map.
	Metadata map[string]any

	// SkipUnchanged returns the workspace's latest snapshot instead of
	// writing a new one when the fingerprints match.
	SkipUnchanged bool
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	// Snapshot is the new snapshot, or the parent when Unchanged. Entries
	// carry Content. Non-fatal capture faults are in Snapshot.Faults.
	Snapshot *snapshot.Snapshot

	// Unchanged is set when SkipUnchanged matched the parent.
	Unchanged bool
}

// Create captures the workspace at root and persists it.
//
// # Description
//
// Scans root, fingerprints the entries, builds the reverse log against
// the workspace's latest snapshot, then writes blobs, the record and the
// index summary in that order. Unreadable files become faults on the
// snapshot rather than errors.
//
// # Inputs
//
//   - ctx: Cancelling stops the scan and blob writes. A cancelled scan is
//     never persisted. Blobs already written stay.
//   - root: Workspace directory.
//   - opts: Message, metadata and no-op policy.
//
// # Outputs
//
//   - *CreateResult: Non-nil on success, and also when content persisted
//     but the index commit failed.
//   - error: ErrInvalidArgument for a bad root, the context error, or an
//     *snapshot.IOError. When the result is non-nil as well, the snapshot
//     is durable but unlisted until Reindex or Reconcile.
//
// # Thread Safety
//
// Safe for concurrent use.
func (s *Store) Create(ctx context.Context, root string, opts CreateOptions) (res *CreateResult, err error) {
	start := time.Now()
	outcome := outcomeError
	files := 0

	ctx, span := s.tracer.Start(ctx, "create", attribute.String("root", telemetry.Truncate(root, 256)))
	defer func() {
		telemetry.End(span, err)
		recordCreate(ctx, outcome, time.Since(start), files)
	}()
	logger := telemetry.LoggerWithTrace(ctx, s.logger)

	workspace, err := workspaceKey(root)
	if err != nil {
		return nil, err
	}

	release, err := s.workspaces.Lock(ctx, workspace)
	if err != nil {
		return nil, err
	}
	defer release()

	// The store may live inside the workspace it snapshots.
	scan, err := s.scanner.Scan(ctx, workspace, s.layout.root)
	if err != nil {
		return nil, err
	}
	if scan.Incomplete {
		return nil, fmt.Errorf("scan %s: %w", workspace, ctx.Err())
	}
	logger.Debug("workspace scanned",
		slog.String("workspace", workspace),
		slog.Int("files", len(scan.Entries)),
		slog.Int64("bytes", scan.TotalBytes()),
		slog.Int("busy_workspaces", s.workspaces.Len()))
	entries := scan.Entries
	files = len(entries)
	fp := s.fp.Fingerprint(entries)

	parent := s.parent(ctx, workspace)
	if opts.SkipUnchanged && parent != nil && fingerprint.Equal(parent.Fingerprint, fp) {
		attachContent(parent, entries)
		outcome = outcomeUnchanged
		logger.Debug("workspace unchanged",
			slog.String("workspace", workspace),
			slog.String("snapshot_id", parent.ID))
		return &CreateResult{Snapshot: parent, Unchanged: true}, nil
	}

	var baseline []snapshot.FileEntry
	var parentID string
	if parent != nil {
		baseline = parent.Entries
		parentID = parent.ID
	}
	changes := diff.Changes(baseline, entries)
	faults := append([]snapshot.Fault(nil), scan.Faults...)
	faults = append(faults, s.loadPriorContent(ctx, parent, changes)...)
	sort.Slice(faults, func(i, j int) bool { return faults[i].Path < faults[j].Path })

	snap := &snapshot.Snapshot{
		ID:           uuid.NewString(),
		CreatedAt:    s.stamp(),
		Message:      opts.Message,
		Workspace:    workspace,
		ParentID:     parentID,
		Fingerprint:  fp,
		Entries:      entries,
		ReversePatch: diff.ReverseLogFor(changes),
		Extra:        snapshot.CloneMap(opts.Metadata),
		Faults:       faults,
	}
	span.SetAttributes(
		attribute.String("snapshot_id", snap.ID),
		attribute.Int("files", files),
		attribute.Int64("bytes", scan.TotalBytes()))

	written, err := s.writeBlobs(ctx, entries)
	recordBlobsWritten(ctx, written)
	if err != nil {
		return nil, err
	}
	if err := s.writeRecord(snap); err != nil {
		return nil, err
	}

	if err := s.commit(ctx, snap.Summary()); err != nil {
		outcome = outcomePartial
		logger.Error("snapshot persisted but not indexed",
			slog.String("snapshot_id", snap.ID),
			slog.String("error", err.Error()))
		return &CreateResult{Snapshot: snap}, err
	}

	outcome = outcomeCreated
	logger.Info("snapshot created",
		slog.String("snapshot_id", snap.ID),
		slog.String("workspace", workspace),
		slog.Int("files", files),
		slog.Int("changes", len(changes)),
		slog.Int("faults", len(faults)),
		slog.Duration("duration", time.Since(start)))

	return &CreateResult{Snapshot: snap}, nil
}

// workspaceKey returns the absolute, cleaned workspace path used to
// group snapshots.
func workspaceKey(root string) (string, error) {
	if root == "" {
		return "", snapshot.InvalidArgument("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", snapshot.InvalidArgument("workspace root %q: %v", root, err)
	}
	return filepath.Clean(abs), nil
}

// stamp returns a creation time strictly after every earlier one handed
// out by this store.
func (s *Store) stamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	now := s.now().UTC().Round(0)
	if !now.After(s.lastCreated) {
		now = s.lastCreated.Add(time.Nanosecond)
	}
	s.lastCreated = now
	return now
}

// parent loads the record of the workspace's newest snapshot. A parent
// that cannot be loaded only costs the reverse log, so failures are
// logged and Create carries on without one.
func (s *Store) parent(ctx context.Context, workspace string) *snapshot.Snapshot {
	sum, ok, err := index.Latest(ctx, s.idx, workspace)
	if err != nil {
		s.logger.Warn("parent lookup failed", slog.String("workspace", workspace), slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return nil
	}
	rec, err := s.Record(ctx, sum.ID)
	if err != nil {
		s.logger.Warn("parent record unreadable", slog.String("snapshot_id", sum.ID), slog.String("error", err.Error()))
		return nil
	}
	return rec
}

// attachContent copies scanned content onto the matching parent entries.
func attachContent(parent *snapshot.Snapshot, scanned []snapshot.FileEntry) {
	byPath := make(map[string][]byte, len(scanned))
	for _, e := range scanned {
		byPath[e.Path] = e.Content
	}
	for i := range parent.Entries {
		parent.Entries[i].Content = byPath[parent.Entries[i].Path]
	}
}

// loadPriorContent fills Before for every change that needs the parent's
// content. Unreadable parent blobs become faults.
func (s *Store) loadPriorContent(ctx context.Context, parent *snapshot.Snapshot, changes []diff.Change) []snapshot.Fault {
	if parent == nil {
		return nil
	}
	var faults []snapshot.Fault
	for i := range changes {
		if changes[i].Kind == snapshot.KindAdded {
			continue
		}
		e, ok := parent.Entry(changes[i].Path)
		if !ok {
			continue
		}
		content, err := s.Content(ctx, parent.ID, e)
		if err != nil {
			faults = append(faults, snapshot.Fault{Path: e.Path, Op: "reverse", Error: err.Error()})
			continue
		}
		changes[i].Before = content
	}
	return faults
}

// writeBlobs stores the content of every entry and returns how many
// blobs it wrote. An existing blob whose bytes no longer hash to its
// address is rewritten from the captured content.
func (s *Store) writeBlobs(ctx context.Context, entries []snapshot.FileEntry) (int, error) {
	var mu sync.Mutex
	written := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, e := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p := s.layout.blob(e.BlobHash)
			ok, err := atomicfile.WriteOnce(p, e.Content, filePerm, func(existing []byte) bool {
				return fingerprint.BlobHash(existing) == e.BlobHash
			})
			if err != nil {
				return snapshot.NewIOError("write", p, err)
			}
			if ok {
				mu.Lock()
				written++
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	return written, err
}

// writeRecord persists snap without its annotations, which live in the
// sidecar.
func (s *Store) writeRecord(snap *snapshot.Snapshot) error {
	rec := *snap
	rec.Annotations = nil
	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	p := s.layout.record(snap.ID)
	if err := atomicfile.WriteFile(p, data, filePerm); err != nil {
		return snapshot.NewIOError("write", p, err)
	}
	return nil
}

// commit puts sum into the index under the index lock, retrying once.
func (s *Store) commit(ctx context.Context, sum snapshot.Summary) error {
	release, err := s.indexLock.Acquire(ctx)
	if err != nil {
		return snapshot.NewIOError("lock", s.indexLock.Path(), err)
	}
	defer func() { _ = release() }()

	return s.put(ctx, sum)
}

// put writes sum to the index, retrying once. Callers hold the index lock.
func (s *Store) put(ctx context.Context, sum snapshot.Summary) error {
	err := s.idx.Put(ctx, sum)
	if err == nil {
		return nil
	}
	s.logger.Warn("index put failed, retrying",
		slog.String("snapshot_id", sum.ID),
		slog.String("error", err.Error()))

	err = s.idx.Put(ctx, sum)
	recordIndexRetry(ctx, err == nil)
	if err != nil {
		return snapshot.NewIOError("index", s.idxPath, err)
	}
	return nil
}

// Record loads the metadata of snapshot id, annotations included.
// Entries carry no Content.
//
// # Outputs
//
//   - *snapshot.Snapshot: The record, owned by the caller.
//   - error: ErrNotFound, ErrIntegrityMismatch for an undecodable record,
//     or an *snapshot.IOError.
func (s *Store) Record(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validID(id) {
		return nil, snapshot.NotFound(id)
	}

	p := s.layout.record(id)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, snapshot.NotFound(id)
	}
	if err != nil {
		return nil, snapshot.NewIOError("read", p, err)
	}

	var snap snapshot.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %v: %w", id, err, snapshot.ErrIntegrityMismatch)
	}
	if snap.ID != id {
		return nil, &snapshot.IntegrityError{ID: id, Want: id, Got: snap.ID}
	}
	for _, e := range snap.Entries {
		if !e.Kind.Valid() {
			return nil, &snapshot.IntegrityError{ID: id, Path: e.Path, Want: "entry kind", Got: fmt.Sprintf("%q", e.Kind)}
		}
	}
	snapshot.SortEntries(snap.Entries)

	snap.Annotations, err = s.readSidecar(id)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Get loads snapshot id with the content of every entry, verifying each
// blob against its recorded hash.
//
// # Outputs
//
//   - *snapshot.Snapshot: Owned by the caller.
//   - error: ErrNotFound, an *snapshot.IntegrityError for a corrupt or
//     missing blob, or an *snapshot.IOError.
//
// # Thread Safety
//
// Safe for concurrent use. Persisted content is immutable, so reads take
// no lock.
func (s *Store) Get(ctx context.Context, id string) (snap *snapshot.Snapshot, err error) {
	ctx, span := s.tracer.Start(ctx, "get", attribute.String("snapshot_id", id))
	defer func() { telemetry.End(span, err) }()

	snap, err = s.Record(ctx, id)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range snap.Entries {
		g.Go(func() error {
			content, err := s.Content(gctx, id, snap.Entries[i])
			if err != nil {
				return err
			}
			snap.Entries[i].Content = content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Content loads and verifies the content of entry e of snapshot id.
//
// # Outputs
//
//   - []byte: The blob.
//   - error: An *snapshot.IntegrityError when the blob is missing or its
//     hash differs, or an *snapshot.IOError.
func (s *Store) Content(ctx context.Context, id string, e snapshot.FileEntry) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !fingerprint.ValidBlobHash(e.BlobHash) {
		return nil, &snapshot.IntegrityError{ID: id, Path: e.Path, Want: e.BlobHash, Got: "invalid blob address"}
	}

	p := s.layout.blob(e.BlobHash)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &snapshot.IntegrityError{ID: id, Path: e.Path, Want: e.BlobHash, Got: "missing"}
	}
	if err != nil {
		return nil, snapshot.NewIOError("read", p, err)
	}
	if got := fingerprint.BlobHash(data); got != e.BlobHash {
		return nil, &snapshot.IntegrityError{ID: id, Path: e.Path, Want: e.BlobHash, Got: got}
	}
	return data, nil
}

// Check verifies the stored blob of entry e of snapshot id without
// holding its content in memory.
//
// # Outputs
//
//   - error: An *snapshot.IntegrityError when the blob is missing, has the
//     wrong size or hashes differently, or an *snapshot.IOError.
func (s *Store) Check(ctx context.Context, id string, e snapshot.FileEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !fingerprint.ValidBlobHash(e.BlobHash) {
		return &snapshot.IntegrityError{ID: id, Path: e.Path, Want: e.BlobHash, Got: "invalid blob address"}
	}

	p := s.layout.blob(e.BlobHash)
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return &snapshot.IntegrityError{ID: id, Path: e.Path, Want: e.BlobHash, Got: "missing"}
	}
	if err != nil {
		return snapshot.NewIOError("read", p, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return snapshot.NewIOError("stat", p, err)
	}
	if info.Size() != e.Size {
		return &snapshot.IntegrityError{ID: id, Path: e.Path, Want: e.BlobHash, Got: fmt.Sprintf("size %d, want %d", info.Size(), e.Size)}
	}
	got, _, err := fingerprint.BlobHashReader(f)
	if err != nil {
		return snapshot.NewIOError("read", p, err)
	}
	if got != e.BlobHash {
		return &snapshot.IntegrityError{ID: id, Path: e.Path, Want: e.BlobHash, Got: got}
	}
	return nil
}

// ListOptions selects summaries for List.
type ListOptions struct {
	// Workspace restricts the listing to one workspace root.
	Workspace string

	// Limit caps the result. Zero or negative means no cap.
	Limit int
}

// List returns summaries newest first, ties broken by identifier.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]snapshot.Summary, error) {
	var workspace string
	if opts.Workspace != "" {
		var err error
		if workspace, err = workspaceKey(opts.Workspace); err != nil {
			return nil, err
		}
	}
	return s.idx.List(ctx, index.Query{Workspace: workspace, Limit: opts.Limit})
}

// Update merges patch into the annotations of snapshot id.
//
// # Description
//
// patch is applied as an RFC 7386 JSON merge patch: keys set to nil are
// removed, objects merge recursively and everything else replaces. The
// sidecar is written first, then the index summary. Entries are never
// touched.
//
// # Outputs
//
//   - map[string]any: The merged annotations.
//   - error: ErrNotFound, ErrInvalidArgument for an unencodable patch, or
//     an *snapshot.IOError.
//
// # Thread Safety
//
// Serialized with every other index writer.
func (s *Store) Update(ctx context.Context, id string, patch map[string]any) (merged map[string]any, err error) {
	ctx, span := s.tracer.Start(ctx, "update", attribute.String("snapshot_id", id))
	defer func() { telemetry.End(span, err) }()

	rec, err := s.Record(ctx, id)
	if err != nil {
		return nil, err
	}

	release, err := s.indexLock.Acquire(ctx)
	if err != nil {
		return nil, snapshot.NewIOError("lock", s.indexLock.Path(), err)
	}
	defer func() { _ = release() }()

	current, err := s.readSidecar(id)
	if err != nil {
		return nil, err
	}
	merged, err = mergeAnnotations(current, patch)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode annotations %s: %w", id, err)
	}
	p := s.layout.sidecar(id)
	if err := atomicfile.WriteFile(p, data, filePerm); err != nil {
		return nil, snapshot.NewIOError("write", p, err)
	}

	rec.Annotations = merged
	if err := s.put(ctx, rec.Summary()); err != nil {
		return nil, err
	}
	return snapshot.CloneMap(merged), nil
}

func mergeAnnotations(current, patch map[string]any) (map[string]any, error) {
	if current == nil {
		current = map[string]any{}
	}
	doc, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode annotations: %w", err)
	}
	p, err := json.Marshal(patch)
	if err != nil {
		return nil, snapshot.InvalidArgument("annotation patch: %v", err)
	}
	out, err := jsonpatch.MergePatch(doc, p)
	if err != nil {
		return nil, snapshot.InvalidArgument("annotation patch: %v", err)
	}
	var merged map[string]any
	if err := json.Unmarshal(out, &merged); err != nil {
		return nil, fmt.Errorf("decode merged annotations: %w", err)
	}
	return merged, nil
}

func (s *Store) readSidecar(id string) (map[string]any, error) {
	p := s.layout.sidecar(id)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, snapshot.NewIOError("read", p, err)
	}
	var ann map[string]any
	if err := json.Unmarshal(data, &ann); err != nil {
		return nil, fmt.Errorf("decode annotations %s: %v: %w", id, err, snapshot.ErrIntegrityMismatch)
	}
	return ann, nil
}

// ReindexResult reports a rebuilt index.
type ReindexResult struct {
	// Indexed is the number of summaries written.
	Indexed int

	// Faults lists records that could not be read.
	Faults []snapshot.Fault
}

// Reindex discards the index and rebuilds it from the records in
// snapshots/. Unreadable records are reported, not fatal.
//
// # Thread Safety
//
// Serialized with every other index writer.
func (s *Store) Reindex(ctx context.Context) (res *ReindexResult, err error) {
	ctx, span := s.tracer.Start(ctx, "reindex")
	defer func() { telemetry.End(span, err) }()

	release, err := s.indexLock.Acquire(ctx)
	if err != nil {
		return nil, snapshot.NewIOError("lock", s.indexLock.Path(), err)
	}
	defer func() { _ = release() }()

	records, faults, err := s.records(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.idx.Reset(ctx); err != nil {
		return nil, snapshot.NewIOError("index", s.idxPath, err)
	}

	res = &ReindexResult{Faults: faults}
	for _, rec := range records {
		if err := s.put(ctx, rec.Summary()); err != nil {
			return res, err
		}
		res.Indexed++
	}

	s.logger.Info("index rebuilt",
		slog.Int("indexed", res.Indexed),
		slog.Int("faults", len(res.Faults)))
	return res, nil
}

// Reconcile indexes every record the index does not know about and
// returns how many it added. Existing summaries are left alone.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	release, err := s.indexLock.Acquire(ctx)
	if err != nil {
		return 0, snapshot.NewIOError("lock", s.indexLock.Path(), err)
	}
	defer func() { _ = release() }()

	records, faults, err := s.records(ctx)
	if err != nil {
		return 0, err
	}
	for _, f := range faults {
		s.logger.Warn("unreadable snapshot record", slog.String("path", f.Path), slog.String("error", f.Error))
	}

	added := 0
	for _, rec := range records {
		_, err := s.idx.Get(ctx, rec.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, snapshot.ErrNotFound) {
			return added, snapshot.NewIOError("index", s.idxPath, err)
		}
		if err := s.put(ctx, rec.Summary()); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// records loads every snapshot record in the store.
func (s *Store) records(ctx context.Context) ([]*snapshot.Snapshot, []snapshot.Fault, error) {
	dir := s.layout.snapshots()
	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, snapshot.NewIOError("readdir", dir, err)
	}

	var records []*snapshot.Snapshot
	var faults []snapshot.Fault
	for _, de := range names {
		id, ok := recordID(de.Name())
		if !ok || !de.Type().IsRegular() {
			continue
		}
		rec, err := s.Record(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			faults = append(faults, snapshot.Fault{Path: de.Name(), Op: "read", Error: err.Error()})
			continue
		}
		records = append(records, rec)
	}
	return records, faults, nil
}

// Verify re-hashes every blob of snapshot id and recomputes its
// fingerprint.
//
// # Outputs
//
//   - error: nil when intact, an *snapshot.IntegrityError naming the
//     first mismatch, or ErrNotFound.
func (s *Store) Verify(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "verify", attribute.String("snapshot_id", id))
	defer func() { telemetry.End(span, err) }()

	snap, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fingerprint.Verify(snap)
}
