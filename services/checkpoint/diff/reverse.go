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
	"fmt"
	"strings"

	"github.com/AleutianAI/checkpoint/services/checkpoint/fingerprint"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
)

// Reverse-patch instruction verbs.
const (
	VerbDelete  = "DELETE"
	VerbRestore = "RESTORE"
	VerbRevert  = "REVERT"
)

// ReverseSeparator joins instructions in a reverse log.
const ReverseSeparator = "\n---\n"

// ReversePatch returns the instruction that undoes one change.
//
// An added path is undone by deleting it. A deleted path is restored
// with its prior content and a modified path is reverted to it. Binary
// prior content is summarized by size and hash instead of inlined.
// Reverse patches are advisory; restore never replays them.
func ReversePatch(path string, kind snapshot.Kind, before []byte) string {
	switch kind {
	case snapshot.KindAdded:
		return VerbDelete + " " + path
	case snapshot.KindDeleted:
		return VerbRestore + " " + path + "\n" + priorContent(before)
	default:
		return VerbRevert + " " + path + "\n" + priorContent(before)
	}
}

func priorContent(before []byte) string {
	if IsBinary(before) {
		return fmt.Sprintf("<binary %d bytes sha256:%s>", len(before), fingerprint.BlobHash(before))
	}
	return string(before)
}

// ReverseLog joins instructions into the text stored on a snapshot.
func ReverseLog(instructions []string) string {
	return strings.Join(instructions, ReverseSeparator)
}

// Change is one path-level difference between a baseline and a capture.
type Change struct {
	Path   string
	Kind   snapshot.Kind
	Before []byte
}

// Changes classifies the differences between a baseline and a capture.
// Both entry lists must be sorted by path and carry BlobHash; Before is
// read from the baseline entry's Content. Unchanged paths are omitted
// and the result is sorted by path.
func Changes(baseline, current []snapshot.FileEntry) []Change {
	var out []Change
	i, j := 0, 0
	for i < len(baseline) || j < len(current) {
		switch {
		case j >= len(current) || (i < len(baseline) && baseline[i].Path < current[j].Path):
			out = append(out, Change{Path: baseline[i].Path, Kind: snapshot.KindDeleted, Before: baseline[i].Content})
			i++
		case i >= len(baseline) || current[j].Path < baseline[i].Path:
			out = append(out, Change{Path: current[j].Path, Kind: snapshot.KindAdded})
			j++
		default:
			if baseline[i].BlobHash != current[j].BlobHash {
				out = append(out, Change{Path: current[j].Path, Kind: snapshot.KindModified, Before: baseline[i].Content})
			}
			i++
			j++
		}
	}
	return out
}

// ReverseLogFor builds the reverse log undoing every change in changes.
func ReverseLogFor(changes []Change) string {
	instructions := make([]string, len(changes))
	for i, c := range changes {
		instructions[i] = ReversePatch(c.Path, c.Kind, c.Before)
	}
	return ReverseLog(instructions)
}
