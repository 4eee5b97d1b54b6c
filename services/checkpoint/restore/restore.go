// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package restore recreates a snapshot's file tree in a destination
// directory.
//
// Restore is additive: files in the destination that the snapshot does
// not contain are left untouched. It overwrites, it never deletes, so a
// restored directory is not guaranteed to equal the captured workspace.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/checkpoint/services/checkpoint/fingerprint"
	"github.com/AleutianAI/checkpoint/services/checkpoint/internal/atomicfile"
	"github.com/AleutianAI/checkpoint/services/checkpoint/internal/keyed"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	"github.com/AleutianAI/checkpoint/services/checkpoint/telemetry"
)

// defaultPerm is used for entries captured without permission bits.
const defaultPerm fs.FileMode = 0o644

// Source loads snapshots with their content.
type Source interface {
	Get(ctx context.Context, id string) (*snapshot.Snapshot, error)
}

// PathError is one file that could not be restored.
type PathError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e PathError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e PathError) Unwrap() error {
	return e.Err
}

// Result reports which paths a restore wrote and which failed.
type Result struct {
	SnapshotID  string
	Destination string

	// Written lists restored paths in snapshot order.
	Written []string

	// Failed lists paths that could not be written.
	Failed []PathError
}

// Err returns nil when every path was written, and otherwise an error
// joining each failure.
func (r *Result) Err() error {
	if r == nil || len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return fmt.Errorf("restore %s: %d of %d paths failed: %w",
		r.SnapshotID, len(r.Failed), len(r.Failed)+len(r.Written), errors.Join(errs...))
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.With(slog.String("component", "restore"))
		}
	}
}

// WithTracing enables OpenTelemetry spans.
func WithTracing(enabled bool) Option {
	return func(e *Engine) {
		e.tracer = telemetry.NewTracer("restore", enabled)
	}
}

// Engine restores snapshots.
//
// # Thread Safety
//
// Safe for concurrent use. Restores into the same destination run one at
// a time; different destinations proceed in parallel.
type Engine struct {
	source Source
	logger *slog.Logger
	tracer *telemetry.Tracer
	dests  keyed.Mutex
}

// New creates an Engine reading from source.
func New(source Source, opts ...Option) *Engine {
	e := &Engine{
		source: source,
		logger: slog.Default().With(slog.String("component", "restore")),
		tracer: telemetry.NewTracer("restore", false),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore writes every entry of snapshot id under dest.
//
// # Description
//
// The snapshot is loaded and its fingerprint recomputed before anything
// is written, so a corrupt snapshot leaves dest untouched. Each file is
// then written atomically with its captured permissions, creating
// directories as needed. A file whose parent directory resolves outside
// dest through a symlink is not written. Files already in dest but
// absent from the snapshot are kept.
//
// # Inputs
//
//   - ctx: Cancelling stops further writes. Files already written stay.
//   - id: Snapshot identifier.
//   - dest: Destination root. Created if missing.
//
// # Outputs
//
//   - *Result: Non-nil once writing has started.
//   - error: ErrNotFound, ErrIntegrityMismatch, ErrInvalidArgument for an
//     entry path escaping dest, the context error, or Result.Err() when
//     some paths failed.
//
// # Thread Safety
//
// Safe for concurrent use.
func (e *Engine) Restore(ctx context.Context, id, dest string) (res *Result, err error) {
	ctx, span := e.tracer.Start(ctx, "restore",
		attribute.String("snapshot_id", id),
		attribute.String("destination", telemetry.Truncate(dest, 256)))
	defer func() {
		telemetry.End(span, err)
		recordRestore(ctx, restoreStatus(res, err), writtenCount(res))
	}()
	logger := telemetry.LoggerWithTrace(ctx, e.logger)

	if dest == "" {
		return nil, snapshot.InvalidArgument("restore destination is required")
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, snapshot.InvalidArgument("restore destination %q: %v", dest, err)
	}

	snap, err := e.source.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fingerprint.Verify(snap); err != nil {
		return nil, err
	}
	for _, entry := range snap.Entries {
		if !filepath.IsLocal(filepath.FromSlash(entry.Path)) {
			return nil, snapshot.InvalidArgument("entry %q escapes destination", entry.Path)
		}
	}

	release, err := e.dests.Lock(ctx, root)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, snapshot.NewIOError("mkdir", root, err)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, snapshot.NewIOError("resolve", root, err)
	}

	res = &Result{SnapshotID: snap.ID, Destination: root}
	for _, entry := range snap.Entries {
		if err := ctx.Err(); err != nil {
			logger.Warn("restore cancelled",
				slog.String("snapshot_id", snap.ID),
				slog.Int("written", len(res.Written)))
			return res, err
		}

		target := filepath.Join(root, filepath.FromSlash(entry.Path))
		perm := entry.Mode.Perm()
		if perm == 0 {
			perm = defaultPerm
		}
		if err := confined(realRoot, filepath.Dir(target)); err != nil {
			res.Failed = append(res.Failed, PathError{Path: entry.Path, Err: err})
			continue
		}
		if err := atomicfile.WriteFile(target, entry.Content, perm); err != nil {
			res.Failed = append(res.Failed, PathError{
				Path: entry.Path,
				Err:  snapshot.NewIOError("write", target, err),
			})
			continue
		}
		res.Written = append(res.Written, entry.Path)
	}

	logger.Info("snapshot restored",
		slog.String("snapshot_id", snap.ID),
		slog.String("destination", root),
		slog.Int("written", len(res.Written)),
		slog.Int("failed", len(res.Failed)))

	return res, res.Err()
}

// confined checks that dir, once symlinks in its existing part are
// resolved, still lies under realRoot. Directories that do not exist yet
// are created later beneath the deepest existing one.
func confined(realRoot, dir string) error {
	for p := dir; ; {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			rel, err := filepath.Rel(realRoot, real)
			if err != nil || (rel != "." && !filepath.IsLocal(rel)) {
				return snapshot.InvalidArgument("%s resolves to %s, outside the destination", dir, real)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return snapshot.NewIOError("resolve", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return snapshot.NewIOError("resolve", dir, err)
		}
		p = parent
	}
}

func restoreStatus(res *Result, err error) string {
	switch {
	case err == nil:
		return "success"
	case res != nil:
		return "partial"
	default:
		return "error"
	}
}

func writtenCount(res *Result) int {
	if res == nil {
		return 0
	}
	return len(res.Written)
}
