// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scanner walks a workspace and captures every included file.
//
// The scanner never diffs against earlier captures: every entry it emits
// has kind "modified" and carries the file's current content verbatim.
// Individual file failures are recorded as faults and never abort the
// scan.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/checkpoint/services/checkpoint/fingerprint"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxFileSize is the largest file captured by default (100 MiB).
const DefaultMaxFileSize int64 = 100 * 1024 * 1024

// ErrFileTooLarge is recorded as a fault for files above the size limit.
var ErrFileTooLarge = errors.New("file exceeds size limit")

// ErrOutsideRoot is recorded when a followed symlink leaves the workspace.
var ErrOutsideRoot = errors.New("symlink target outside workspace")

// ErrSymlinkCycle is recorded when a followed symlink points at one of
// its own ancestors.
var ErrSymlinkCycle = errors.New("symlink cycle")

// Option configures a Scanner.
type Option func(*Scanner)

// Scanner captures workspace file trees.
//
// Thread Safety: Scanner is safe for concurrent use. Each Scan call owns
// its own traversal state.
type Scanner struct {
	ignore         *Ignore
	includes       []string
	maxFileSize    int64
	followSymlinks bool
	workers        int
	logger         *slog.Logger
}

// New creates a Scanner.
//
// Default configuration:
//   - ignore: DefaultIgnore()
//   - includes: none (everything not ignored)
//   - maxFileSize: 100 MiB
//   - followSymlinks: false
//   - workers: GOMAXPROCS
func New(opts ...Option) *Scanner {
	s := &Scanner{
		maxFileSize: DefaultMaxFileSize,
		workers:     runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ignore == nil {
		s.ignore = DefaultIgnore()
	}
	if s.workers < 1 {
		s.workers = 1
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "scanner")
	return s
}

// WithIgnore replaces the ignore set.
func WithIgnore(ig *Ignore) Option {
	return func(s *Scanner) {
		s.ignore = ig
	}
}

// WithIncludes restricts capture to files matching at least one pattern.
func WithIncludes(patterns ...string) Option {
	return func(s *Scanner) {
		s.includes = append([]string(nil), patterns...)
	}
}

// WithMaxFileSize sets the per-file size limit. Zero disables the limit.
func WithMaxFileSize(bytes int64) Option {
	return func(s *Scanner) {
		s.maxFileSize = bytes
	}
}

// WithFollowSymlinks enables following symlinks that stay inside the root.
func WithFollowSymlinks(follow bool) Option {
	return func(s *Scanner) {
		s.followSymlinks = follow
	}
}

// WithWorkers bounds the number of concurrent file reads. Zero or less
// keeps the default.
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = l
	}
}

// Ignore returns the scanner's ignore set.
func (s *Scanner) Ignore() *Ignore {
	return s.ignore
}

// Result is the outcome of one scan.
type Result struct {
	// Root is the absolute workspace root.
	Root string

	// Entries are sorted by path.
	Entries []snapshot.FileEntry

	// Faults lists files that could not be captured, sorted by path.
	Faults []snapshot.Fault

	// Incomplete is set when the context was cancelled mid-scan.
	Incomplete bool
}

// TotalBytes sums the size of every captured entry.
func (r *Result) TotalBytes() int64 {
	var n int64
	for _, e := range r.Entries {
		n += e.Size
	}
	return n
}

// dirFrame is a directory waiting to be listed. rel is the workspace
// path it is captured under, which differs from abs below a followed
// symlink. parent links the chain of directories above it.
type dirFrame struct {
	abs    string
	rel    string
	parent *dirFrame
}

// loops reports whether descending into target would revisit dir or one
// of its ancestors.
func (f *dirFrame) loops(target string) bool {
	for ; f != nil; f = f.parent {
		if encloses(target, f.abs) {
			return true
		}
	}
	return false
}

// excludeSet holds both the absolute and the symlink-resolved form of
// each excluded directory.
func excludeSet(dirs []string) map[string]bool {
	set := make(map[string]bool, 2*len(dirs))
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			continue
		}
		set[abs] = true
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			set[real] = true
		}
	}
	return set
}

// pending is a file discovered by the walk and waiting to be read.
type pending struct {
	abs  string
	rel  string
	mode fs.FileMode
}

// Scan walks root and captures every included file.
//
// # Description
//
// Directories are walked with an explicit stack, so depth is bounded
// only by memory. Files are read on a bounded pool of goroutines while
// the walk continues. Entries are sorted by path before returning so the
// result, and any fingerprint computed from it, is deterministic.
//
// # Inputs
//
//   - ctx: Cancellation stops scheduling reads. The partial result is
//     returned with Incomplete set.
//   - root: Workspace directory. Must exist.
//   - exclude: Directories never descended into, such as a store kept
//     inside the workspace. Paths outside root are ignored.
//
// # Outputs
//
//   - *Result: Never nil when error is nil.
//   - error: ErrInvalidArgument when root is missing or not a directory.
//
// # Behavior
//
//   - Hidden components and excluded directories are skipped.
//   - Symlinks are skipped unless WithFollowSymlinks(true).
//   - Unreadable and oversized files become faults.
func (s *Scanner) Scan(ctx context.Context, root string, exclude ...string) (*Result, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, snapshot.InvalidArgument("workspace %s: %v", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, snapshot.InvalidArgument("workspace %s: %v", root, err)
	}
	if !info.IsDir() {
		return nil, snapshot.InvalidArgument("workspace %s: not a directory", root)
	}

	skip := excludeSet(exclude)
	res := &Result{Root: absRoot}
	var mu sync.Mutex
	fault := func(rel, op string, err error) {
		mu.Lock()
		res.Faults = append(res.Faults, snapshot.Fault{Path: rel, Op: op, Error: err.Error()})
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(s.workers)

	stack := []dirFrame{{abs: absRoot}}
	for len(stack) > 0 && ctx.Err() == nil {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := os.ReadDir(dir.abs)
		if err != nil {
			fault(dir.rel, "readdir", err)
			continue
		}

		var subdirs []dirFrame
		for _, child := range children {
			if ctx.Err() != nil {
				break
			}
			abs := filepath.Join(dir.abs, child.Name())
			rel := path.Join(dir.rel, child.Name())

			fi, err := os.Lstat(abs)
			if err != nil {
				fault(rel, "stat", err)
				continue
			}

			if fi.Mode()&fs.ModeSymlink != 0 {
				if !s.followSymlinks {
					continue
				}
				target, tfi, err := s.resolveLink(absRoot, abs)
				if err != nil {
					fault(rel, "symlink", err)
					continue
				}
				if tfi.IsDir() && dir.loops(target) {
					fault(rel, "symlink", fmt.Errorf("%w: %s", ErrSymlinkCycle, target))
					continue
				}
				abs, fi = target, tfi
			}

			if fi.IsDir() {
				if s.ignore.SkipDir(rel) || skip[abs] {
					continue
				}
				subdirs = append(subdirs, dirFrame{abs: abs, rel: rel, parent: &dir})
				continue
			}

			if !fi.Mode().IsRegular() || s.ignore.SkipFile(rel) || !Included(s.includes, rel) {
				continue
			}
			if s.maxFileSize > 0 && fi.Size() > s.maxFileSize {
				fault(rel, "read", fmt.Errorf("%w: %d bytes", ErrFileTooLarge, fi.Size()))
				continue
			}

			p := pending{abs: abs, rel: rel, mode: fi.Mode().Perm()}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				entry, err := s.read(p)
				if err != nil {
					fault(p.rel, "read", err)
					return nil
				}
				mu.Lock()
				res.Entries = append(res.Entries, entry)
				mu.Unlock()
				return nil
			})
		}
		// Push in reverse so subdirectories pop in name order.
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}

	// Workers never return errors; faults are collected instead.
	_ = g.Wait()

	if ctx.Err() != nil {
		res.Incomplete = true
	}

	snapshot.SortEntries(res.Entries)
	sort.Slice(res.Faults, func(i, j int) bool {
		return res.Faults[i].Path < res.Faults[j].Path
	})

	s.logger.Debug("scan finished",
		"root", absRoot,
		"files", len(res.Entries),
		"faults", len(res.Faults),
		"incomplete", res.Incomplete,
	)
	return res, nil
}

// read loads one file into an entry.
func (s *Scanner) read(p pending) (snapshot.FileEntry, error) {
	content, err := os.ReadFile(p.abs)
	if err != nil {
		return snapshot.FileEntry{}, err
	}
	// The file may have grown between stat and read.
	if s.maxFileSize > 0 && int64(len(content)) > s.maxFileSize {
		return snapshot.FileEntry{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(content))
	}
	return snapshot.FileEntry{
		Path:     p.rel,
		Kind:     snapshot.KindModified,
		Mode:     p.mode,
		Size:     int64(len(content)),
		BlobHash: fingerprint.BlobHash(content),
		Content:  content,
	}, nil
}

// resolveLink follows a symlink and checks that it stays inside root.
func (s *Scanner) resolveLink(root, link string) (string, fs.FileInfo, error) {
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", nil, err
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		realRoot = root
	}
	rel, err := filepath.Rel(realRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", nil, fmt.Errorf("%w: %s", ErrOutsideRoot, target)
	}
	fi, err := os.Stat(target)
	if err != nil {
		return "", nil, err
	}
	return target, fi, nil
}

// encloses reports whether dir is target or lies below it, comparing
// resolved paths.
func encloses(target, dir string) bool {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		real = dir
	}
	rel, err := filepath.Rel(target, real)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
