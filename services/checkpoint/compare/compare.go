// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compare reports the path-level differences between two
// snapshots.
package compare

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/checkpoint/services/checkpoint/diff"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	"github.com/AleutianAI/checkpoint/services/checkpoint/telemetry"
)

// Classification describes how a path differs between two snapshots.
type Classification string

const (
	// AddedInSecond marks a path present only in the second snapshot.
	AddedInSecond Classification = "added"

	// RemovedInSecond marks a path present only in the first snapshot.
	RemovedInSecond Classification = "removed"

	// Modified marks a path present in both with different content.
	Modified Classification = "modified"
)

// Difference is one differing path.
type Difference struct {
	Path           string         `json:"path"`
	Classification Classification `json:"classification"`

	// Patch is the unified diff from the first snapshot's content to the
	// second's. Added and removed paths diff against /dev/null.
	Patch string `json:"patch"`
}

// Comparison is the result of Compare.
type Comparison struct {
	From snapshot.Summary `json:"from"`
	To   snapshot.Summary `json:"to"`

	// Differences are sorted by path. Unchanged paths are omitted.
	Differences []Difference `json:"differences"`
}

// Stats counts differences per classification.
type Stats struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
}

// Stats tallies the comparison.
func (c *Comparison) Stats() Stats {
	var st Stats
	for _, d := range c.Differences {
		switch d.Classification {
		case AddedInSecond:
			st.Added++
		case RemovedInSecond:
			st.Removed++
		case Modified:
			st.Modified++
		}
	}
	return st
}

// Source reads snapshot metadata and verified content.
type Source interface {
	Record(ctx context.Context, id string) (*snapshot.Snapshot, error)
	Content(ctx context.Context, id string, e snapshot.FileEntry) ([]byte, error)

	// Check verifies an entry's stored blob without returning it.
	Check(ctx context.Context, id string, e snapshot.FileEntry) error
}

// Option configures a Comparator.
type Option func(*Comparator)

// WithDiff sets the diff engine used for patches.
func WithDiff(d *diff.Engine) Option {
	return func(c *Comparator) {
		if d != nil {
			c.diff = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Comparator) {
		if l != nil {
			c.logger = l.With(slog.String("component", "compare"))
		}
	}
}

// WithTracing enables OpenTelemetry spans.
func WithTracing(enabled bool) Option {
	return func(c *Comparator) {
		c.tracer = telemetry.NewTracer("compare", enabled)
	}
}

// Comparator compares snapshots.
//
// Thread Safety: Safe for concurrent use. Snapshot content is immutable,
// so comparisons take no locks.
type Comparator struct {
	source  Source
	diff    *diff.Engine
	logger  *slog.Logger
	tracer  *telemetry.Tracer
	workers int
}

// New creates a Comparator reading from source.
func New(source Source, opts ...Option) *Comparator {
	c := &Comparator{
		source:  source,
		diff:    diff.New(),
		logger:  slog.Default().With(slog.String("component", "compare")),
		tracer:  telemetry.NewTracer("compare", false),
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compare reports how snapshot to differs from snapshot from.
//
// # Description
//
// Walks the union of both entry sets in path order. Paths are compared by
// blob hash, so content is only loaded for paths that differ. Blobs
// behind unchanged paths are hash-checked by streaming, once per blob.
//
// # Outputs
//
//   - *Comparison: Differences sorted by path.
//   - error: ErrInvalidArgument when from == to, ErrNotFound when either
//     snapshot does not resolve, or an integrity or I/O error while
//     reading content.
func (c *Comparator) Compare(ctx context.Context, from, to string) (cmp *Comparison, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "compare",
		attribute.String("from", from),
		attribute.String("to", to))
	defer func() {
		telemetry.End(span, err)
		recordCompare(ctx, time.Since(start).Seconds(), err == nil)
	}()

	if from == to {
		return nil, snapshot.InvalidArgument("cannot compare snapshot %s with itself", from)
	}

	a, err := c.source.Record(ctx, from)
	if err != nil {
		return nil, err
	}
	b, err := c.source.Record(ctx, to)
	if err != nil {
		return nil, err
	}

	pairs, shared := classify(a.Entries, b.Entries)
	diffs := make([]Difference, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	// Shared blobs are checked, not diffed.
	for _, e := range shared {
		g.Go(func() error {
			return c.source.Check(gctx, a.ID, e)
		})
	}
	for i, p := range pairs {
		g.Go(func() error {
			d, err := c.patch(gctx, a.ID, b.ID, p)
			if err != nil {
				return err
			}
			diffs[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cmp = &Comparison{From: a.Summary(), To: b.Summary(), Differences: diffs}
	st := cmp.Stats()
	span.SetAttributes(
		attribute.Int("added", st.Added),
		attribute.Int("removed", st.Removed),
		attribute.Int("modified", st.Modified))
	telemetry.LoggerWithTrace(ctx, c.logger).Debug("snapshots compared",
		slog.String("from", from),
		slog.String("to", to),
		slog.Int("differences", len(diffs)))

	return cmp, nil
}

// pair is one differing path with the entry on each side, if any.
type pair struct {
	path     string
	class    Classification
	from, to *snapshot.FileEntry
}

// classify merges two path-sorted entry lists. It returns the differing
// paths, and one entry per distinct blob shared by unchanged paths.
func classify(from, to []snapshot.FileEntry) (out []pair, shared []snapshot.FileEntry) {
	seen := make(map[string]bool)
	i, j := 0, 0
	for i < len(from) || j < len(to) {
		switch {
		case j >= len(to) || (i < len(from) && from[i].Path < to[j].Path):
			out = append(out, pair{path: from[i].Path, class: RemovedInSecond, from: &from[i]})
			i++
		case i >= len(from) || to[j].Path < from[i].Path:
			out = append(out, pair{path: to[j].Path, class: AddedInSecond, to: &to[j]})
			j++
		default:
			if from[i].BlobHash != to[j].BlobHash {
				out = append(out, pair{path: to[j].Path, class: Modified, from: &from[i], to: &to[j]})
			} else if !seen[from[i].BlobHash] {
				seen[from[i].BlobHash] = true
				shared = append(shared, from[i])
			}
			i++
			j++
		}
	}
	return out, shared
}

func (c *Comparator) patch(ctx context.Context, fromID, toID string, p pair) (Difference, error) {
	var before, after []byte
	var err error
	if p.from != nil {
		if before, err = c.source.Content(ctx, fromID, *p.from); err != nil {
			return Difference{}, err
		}
		if before == nil {
			before = []byte{}
		}
	}
	if p.to != nil {
		if after, err = c.source.Content(ctx, toID, *p.to); err != nil {
			return Difference{}, err
		}
		if after == nil {
			after = []byte{}
		}
	}

	text, err := c.diff.Unified(p.path, before, after)
	if err != nil {
		return Difference{}, fmt.Errorf("diff %s: %w", p.path, err)
	}
	return Difference{Path: p.path, Classification: p.class, Patch: text}, nil
}
