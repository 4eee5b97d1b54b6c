// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch creates checkpoints automatically when a workspace
// changes.
//
// A Watcher subscribes to file system events below the workspace root,
// batches bursts with a debounce window and then asks the store for a
// snapshot. A rate limiter keeps at most one checkpoint per MinInterval;
// changes that arrive while the limiter is closed are folded into the
// next checkpoint rather than dropped.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/checkpoint/services/checkpoint/scanner"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	"github.com/AleutianAI/checkpoint/services/checkpoint/store"
)

// ErrAlreadyRunning is returned by Run on a watcher that is running.
var ErrAlreadyRunning = errors.New("watcher already running")

// Op is the kind of file system change.
type Op int

const (
	// OpCreate indicates a file was created.
	OpCreate Op = iota

	// OpWrite indicates a file was modified.
	OpWrite

	// OpRemove indicates a file was deleted.
	OpRemove

	// OpRename indicates a file was renamed away.
	OpRename
)

// String returns the string representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Change is one observed change.
type Change struct {
	// Path is relative to the workspace root, POSIX separated.
	Path string

	// Op is the most recent operation seen for Path in the batch.
	Op Op
}

// Creator persists snapshots. *store.Store satisfies it.
type Creator interface {
	Create(ctx context.Context, root string, opts store.CreateOptions) (*store.CreateResult, error)
}

// Options configures a Watcher.
type Options struct {
	// Debounce is how long the workspace must stay quiet before a
	// checkpoint is taken. Default: 500ms.
	Debounce time.Duration

	// MinInterval is the minimum time between two checkpoints.
	// Default: 30s.
	MinInterval time.Duration

	// Ignore filters events. Default: scanner.DefaultIgnore().
	Ignore *scanner.Ignore

	// Exclude lists directories whose events are dropped, typically the
	// store directory when it lives inside the workspace.
	Exclude []string

	// Logger receives watcher logs. Default: slog.Default().
	Logger *slog.Logger

	// OnCheckpoint, if set, is called after every checkpoint attempt with
	// the batch that triggered it.
	OnCheckpoint func(changes []Change, res *store.CreateResult, err error)
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:    500 * time.Millisecond,
		MinInterval: 30 * time.Second,
	}
}

// Watcher watches one workspace.
//
// # Thread Safety
//
// Run may be called once at a time. Checkpoints are taken from the Run
// goroutine only, so they never overlap.
type Watcher struct {
	root    string
	creator Creator
	opts    Options
	ignore  *scanner.Ignore
	exclude []string
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
}

// New creates a watcher for the workspace at root.
//
// # Outputs
//
//   - *Watcher: Ready to Run.
//   - error: ErrInvalidArgument when root is not a directory.
func New(root string, creator Creator, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, snapshot.InvalidArgument("watch root %q: %v", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, snapshot.InvalidArgument("watch root %q is not a directory", root)
	}

	defaults := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = defaults.MinInterval
	}
	ig := opts.Ignore
	if ig == nil {
		ig = scanner.DefaultIgnore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var exclude []string
	for _, d := range opts.Exclude {
		rel, err := filepath.Abs(d)
		if err != nil {
			continue
		}
		if rel, err = filepath.Rel(abs, rel); err == nil && filepath.IsLocal(rel) {
			exclude = append(exclude, snapshot.NormalizePath(rel))
		}
	}

	return &Watcher{
		root:    abs,
		creator: creator,
		opts:    opts,
		ignore:  ig,
		exclude: exclude,
		logger:  logger.With(slog.String("component", "watch"), slog.String("root", abs)),
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
	}, nil
}

// Root returns the absolute workspace root.
func (w *Watcher) Root() string {
	return w.root
}

// Run watches until ctx is done.
//
// # Description
//
// Registers every non-ignored directory below the root, including ones
// created later. When Debounce passes without events, the pending batch
// becomes one checkpoint with message "auto: N paths changed", unless
// the workspace fingerprint did not change. A batch still pending when
// ctx ends is discarded.
//
// # Outputs
//
//   - error: nil when ctx ends, ErrAlreadyRunning, or a setup failure.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addRecursive(fw, w.root); err != nil {
		return err
	}
	w.logger.Info("watching workspace",
		slog.Duration("debounce", w.opts.Debounce),
		slog.Duration("min_interval", w.opts.MinInterval))

	pending := make(map[string]Op)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	// waiting is set while the limiter delays a ready batch.
	waiting := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			rel, skip := w.relative(event.Name)
			if skip {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(fw, event.Name); err != nil {
						w.logger.Warn("watch new directory failed", slog.String("path", rel), slog.String("error", err.Error()))
					}
				}
			}
			pending[rel] = convertOp(event.Op)
			if !waiting {
				timer.Reset(w.opts.Debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))

		case <-timer.C:
			if len(pending) == 0 {
				waiting = false
				continue
			}
			if !waiting {
				if d := w.limiter.Reserve().Delay(); d > 0 {
					waiting = true
					timer.Reset(d)
					continue
				}
			}
			waiting = false
			w.checkpoint(ctx, drain(pending))
		}
	}
}

// addRecursive watches dir and every non-ignored directory below it.
func (w *Watcher) addRecursive(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root {
			if rel, skip := w.relative(p); skip || w.ignore.SkipDir(rel) {
				return filepath.SkipDir
			}
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

// relative converts an event path to a workspace path and reports
// whether it should be ignored.
func (w *Watcher) relative(p string) (string, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", true
	}
	rel = snapshot.NormalizePath(rel)
	for _, ex := range w.exclude {
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return rel, true
		}
	}
	return rel, w.ignore.Match(rel)
}

func (w *Watcher) checkpoint(ctx context.Context, changes []Change) {
	msg := fmt.Sprintf("auto: %d paths changed", len(changes))
	paths := make([]any, len(changes))
	for i, c := range changes {
		paths[i] = c.Path
	}

	res, err := w.creator.Create(ctx, w.root, store.CreateOptions{
		Message:       msg,
		Metadata:      map[string]any{"trigger": "watch", "paths": paths},
		SkipUnchanged: true,
	})
	switch {
	case err != nil && res == nil:
		w.logger.Error("auto checkpoint failed", slog.String("error", err.Error()))
	case err != nil:
		w.logger.Error("auto checkpoint not indexed",
			slog.String("snapshot_id", res.Snapshot.ID),
			slog.String("error", err.Error()))
	case res.Unchanged:
		w.logger.Debug("workspace unchanged, checkpoint skipped", slog.Int("changes", len(changes)))
	default:
		w.logger.Info("auto checkpoint created",
			slog.String("snapshot_id", res.Snapshot.ID),
			slog.Int("changes", len(changes)))
	}

	if w.opts.OnCheckpoint != nil {
		w.opts.OnCheckpoint(changes, res, err)
	}
}

// drain empties pending into a path-sorted batch.
func drain(pending map[string]Op) []Change {
	out := make([]Change, 0, len(pending))
	for p, op := range pending {
		out = append(out, Change{Path: p, Op: op})
		delete(pending, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Write):
		return OpWrite
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpWrite
	}
}
