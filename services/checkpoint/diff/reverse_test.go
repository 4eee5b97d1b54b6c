// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diff

import (
	"strings"
	"testing"

	"github.com/AleutianAI/checkpoint/services/checkpoint/fingerprint"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReversePatch(t *testing.T) {
	tests := []struct {
		name   string
		kind   snapshot.Kind
		before []byte
		want   string
	}{
		{"added", snapshot.KindAdded, nil, "DELETE c.txt"},
		{"deleted", snapshot.KindDeleted, []byte("2"), "RESTORE c.txt\n2"},
		{"modified", snapshot.KindModified, []byte("old\n"), "REVERT c.txt\nold\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReversePatch("c.txt", tt.kind, tt.before))
		})
	}

	t.Run("binary prior content", func(t *testing.T) {
		bin := []byte{0, 1, 2}
		got := ReversePatch("img.png", snapshot.KindModified, bin)
		assert.Equal(t, "REVERT img.png\n<binary 3 bytes sha256:"+fingerprint.BlobHash(bin)+">", got)
	})
}

func TestReverseLog(t *testing.T) {
	got := ReverseLog([]string{"DELETE a", "RESTORE b\nx"})
	assert.Equal(t, "DELETE a\n---\nRESTORE b\nx", got)
	assert.Empty(t, ReverseLog(nil))
}

func entry(path, content string) snapshot.FileEntry {
	return snapshot.FileEntry{
		Path:     path,
		Kind:     snapshot.KindModified,
		BlobHash: fingerprint.BlobHash([]byte(content)),
		Content:  []byte(content),
	}
}

func TestChanges(t *testing.T) {
	baseline := []snapshot.FileEntry{entry("a.txt", "1"), entry("b.txt", "2"), entry("d.txt", "old")}
	current := []snapshot.FileEntry{entry("a.txt", "1"), entry("c.txt", "3"), entry("d.txt", "new")}

	changes := Changes(baseline, current)
	require.Len(t, changes, 3)

	assert.Equal(t, Change{Path: "b.txt", Kind: snapshot.KindDeleted, Before: []byte("2")}, changes[0])
	assert.Equal(t, Change{Path: "c.txt", Kind: snapshot.KindAdded}, changes[1])
	assert.Equal(t, Change{Path: "d.txt", Kind: snapshot.KindModified, Before: []byte("old")}, changes[2])

	log := ReverseLogFor(changes)
	assert.Equal(t, "RESTORE b.txt\n2\n---\nDELETE c.txt\n---\nREVERT d.txt\nold", log)
}

func TestChanges_NoBaseline(t *testing.T) {
	current := []snapshot.FileEntry{entry("a.txt", "1"), entry("b.txt", "2")}
	changes := Changes(nil, current)

	var verbs []string
	for _, c := range changes {
		assert.Equal(t, snapshot.KindAdded, c.Kind)
		verbs = append(verbs, strings.Fields(ReversePatch(c.Path, c.Kind, c.Before))[0])
	}
	assert.Equal(t, []string{VerbDelete, VerbDelete}, verbs)
}
