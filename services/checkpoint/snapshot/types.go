// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot defines the data model shared by the checkpoint store.
//
// A Snapshot is an immutable capture of a workspace's file tree. Only its
// Annotations may change after creation. A Summary is the lightweight
// index record used for listing; it never carries file content.
//
// # Thread Safety
//
// Values in this package are plain data. A Snapshot returned by the store
// is a copy owned by the caller.
package snapshot

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Kind classifies a file entry relative to some baseline.
type Kind string

const (
	// KindAdded marks a path that did not exist in the baseline.
	KindAdded Kind = "added"

	// KindModified marks a path captured verbatim. The scanner always
	// emits this kind.
	KindModified Kind = "modified"

	// KindDeleted marks a path that existed in the baseline only.
	KindDeleted Kind = "deleted"
)

// String returns the kind as a string.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAdded, KindModified, KindDeleted:
		return true
	default:
		return false
	}
}

// FileEntry is one captured file.
//
// Path is relative to the workspace root, POSIX separated, without a
// leading "./". Paths are unique within a snapshot.
type FileEntry struct {
	Path     string      `json:"path"`
	Kind     Kind        `json:"kind"`
	Mode     fs.FileMode `json:"mode"`
	Size     int64       `json:"size"`
	BlobHash string      `json:"blob"`

	// Content is populated when the entry is loaded with content. It is
	// never serialized into records; content lives in the blob store.
	Content []byte `json:"-"`
}

// Fault is a non-fatal problem recorded while capturing a snapshot.
type Fault struct {
	Path  string `json:"path"`
	Op    string `json:"op"`
	Error string `json:"error"`
}

// Snapshot is a full capture of a workspace at one moment.
type Snapshot struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	Message      string         `json:"message"`
	Workspace    string         `json:"workspace"`
	ParentID     string         `json:"parent_id,omitempty"`
	Fingerprint  string         `json:"fingerprint"`
	Entries      []FileEntry    `json:"entries"`
	ReversePatch string         `json:"reverse_patch"`
	Annotations  map[string]any `json:"annotations,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	Faults       []Fault        `json:"faults,omitempty"`
}

// Summary is the index record for a snapshot. Fields may only be added,
// never removed or renamed, so older index records stay readable.
type Summary struct {
	ID          string         `json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	Message     string         `json:"message"`
	Workspace   string         `json:"workspace"`
	Fingerprint string         `json:"fingerprint"`
	FileCount   int            `json:"file_count"`
	TotalBytes  int64          `json:"total_bytes"`
	Annotations map[string]any `json:"annotations,omitempty"`
}

// Summary builds the index record for s.
func (s *Snapshot) Summary() Summary {
	var total int64
	for _, e := range s.Entries {
		total += e.Size
	}
	return Summary{
		ID:          s.ID,
		CreatedAt:   s.CreatedAt,
		Message:     s.Message,
		Workspace:   s.Workspace,
		Fingerprint: s.Fingerprint,
		FileCount:   len(s.Entries),
		TotalBytes:  total,
		Annotations: CloneMap(s.Annotations),
	}
}

// Entry returns the entry for path, or false if the snapshot has none.
// Entries must be sorted by path.
func (s *Snapshot) Entry(path string) (FileEntry, bool) {
	i := sort.Search(len(s.Entries), func(i int) bool {
		return s.Entries[i].Path >= path
	})
	if i < len(s.Entries) && s.Entries[i].Path == path {
		return s.Entries[i], true
	}
	return FileEntry{}, false
}

// Paths returns every entry path in order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		paths[i] = e.Path
	}
	return paths
}

// SortEntries orders entries lexicographically by path.
func SortEntries(entries []FileEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}

// SortSummaries orders summaries newest first, breaking timestamp ties by
// identifier so listing is stable.
func SortSummaries(summaries []Summary) {
	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// NormalizePath converts a relative OS path to the stored POSIX form.
func NormalizePath(p string) string {
	p = filepath.ToSlash(p)
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return strings.TrimPrefix(p, "/")
}

// CloneMap returns a shallow copy of m, or nil for an empty map.
func CloneMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
