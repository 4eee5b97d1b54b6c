// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOError_MatchesCategoryAndCause(t *testing.T) {
	err := fmt.Errorf("persist: %w", NewIOError("write", "a/b.txt", os.ErrPermission))

	assert.True(t, errors.Is(err, ErrIOFailure))
	assert.True(t, errors.Is(err, os.ErrPermission))

	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "a/b.txt", ioErr.Path)
	assert.Contains(t, err.Error(), "write a/b.txt")
}

func TestIntegrityError_UnwrapsToSentinel(t *testing.T) {
	err := &IntegrityError{ID: "s1", Path: "x.go", Want: "aa", Got: "bb"}
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
	assert.Contains(t, err.Error(), "x.go")

	whole := &IntegrityError{ID: "s1", Want: "aa", Got: "bb"}
	assert.Contains(t, whole.Error(), "fingerprint")
}

func TestNotFoundAndInvalidArgument(t *testing.T) {
	assert.ErrorIs(t, NotFound("abc"), ErrNotFound)
	assert.Contains(t, NotFound("abc").Error(), "abc")

	err := InvalidArgument("cannot compare %s with itself", "abc")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "itself")
}

func TestSnapshot_EntryLookup(t *testing.T) {
	s := &Snapshot{Entries: []FileEntry{
		{Path: "b.txt", Size: 2},
		{Path: "a.txt", Size: 1},
		{Path: "dir/c.txt", Size: 3},
	}}
	SortEntries(s.Entries)

	assert.Equal(t, []string{"a.txt", "b.txt", "dir/c.txt"}, s.Paths())

	e, ok := s.Entry("b.txt")
	require.True(t, ok)
	assert.Equal(t, int64(2), e.Size)

	_, ok = s.Entry("missing.txt")
	assert.False(t, ok)
}

func TestSnapshot_Summary(t *testing.T) {
	now := time.Now()
	s := &Snapshot{
		ID:          "id-1",
		CreatedAt:   now,
		Message:     "first",
		Workspace:   "/ws",
		Fingerprint: "sha256:00",
		Entries:     []FileEntry{{Path: "a", Size: 3}, {Path: "b", Size: 4}},
		Annotations: map[string]any{"summary": "x"},
	}

	sum := s.Summary()
	assert.Equal(t, 2, sum.FileCount)
	assert.Equal(t, int64(7), sum.TotalBytes)
	assert.Equal(t, "x", sum.Annotations["summary"])

	// Mutating the summary must not reach the snapshot.
	sum.Annotations["summary"] = "y"
	assert.Equal(t, "x", s.Annotations["summary"])
}

func TestSortSummaries_NewestFirstWithIDTieBreak(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	summaries := []Summary{
		{ID: "b", CreatedAt: t0},
		{ID: "c", CreatedAt: t0.Add(time.Second)},
		{ID: "a", CreatedAt: t0},
	}
	SortSummaries(summaries)

	ids := []string{summaries[0].ID, summaries[1].ID, summaries[2].ID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a.txt", "a.txt"},
		{"./a.txt", "a.txt"},
		{"././dir/a.txt", "dir/a.txt"},
		{"/dir/a.txt", "dir/a.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.in))
		})
	}
}

func TestKind_Valid(t *testing.T) {
	assert.True(t, KindAdded.Valid())
	assert.True(t, KindModified.Valid())
	assert.True(t, KindDeleted.Valid())
	assert.False(t, Kind("renamed").Valid())
}
