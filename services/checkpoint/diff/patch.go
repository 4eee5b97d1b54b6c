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
	"bytes"
	"errors"
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

var (
	// ErrBinaryPatch is returned when a binary marker is applied or parsed
	// as if it carried line changes.
	ErrBinaryPatch = errors.New("binary patch carries no line changes")

	// ErrPatchMismatch is returned when a patch does not fit the content it
	// is applied to.
	ErrPatchMismatch = errors.New("patch does not apply")
)

const binaryPrefix = "Binary files "

// parse reads a single-file patch. An empty patch yields nil.
func parse(patch string) (*godiff.FileDiff, error) {
	if patch == "" {
		return nil, nil
	}
	if strings.HasPrefix(patch, binaryPrefix) {
		return nil, ErrBinaryPatch
	}
	fd, err := godiff.ParseFileDiff([]byte(patch))
	if err != nil {
		return nil, fmt.Errorf("parsing patch: %w", err)
	}
	return fd, nil
}

// hunkOps decodes a hunk body back into an edit script.
func hunkOps(h *godiff.Hunk) []lineOp {
	body := h.Body
	var ops []lineOp
	for off := 0; off < len(body); {
		next := len(body)
		if nl := bytes.IndexByte(body[off:], '\n'); nl >= 0 {
			next = off + nl + 1
		}
		line := body[off:next]
		off = next

		op, text := line[0], string(line[1:])
		if op == '\n' {
			// Some tools drop the space on empty context lines.
			op, text = opEqual, "\n"
		}
		if op == opDelete && h.OrigNoNewlineAt > 0 && int32(next) == h.OrigNoNewlineAt {
			text = strings.TrimSuffix(text, "\n")
		}
		ops = append(ops, lineOp{op: op, text: text})
	}
	return ops
}

// prior returns the number of lines preceding a hunk on one side.
func prior(start, lines int32) int {
	if lines == 0 {
		return int(start)
	}
	return int(start) - 1
}

// Invert returns the patch that undoes patch.
//
// # Description
//
// Headers swap sides, every '+' becomes '-' and the reverse, and each
// changed run is reordered so deletions still precede insertions. The
// inverse of a binary marker is the marker with its names swapped.
//
// # Outputs
//
//   - string: The inverted patch. Empty for an empty patch.
//   - error: Non-nil if patch cannot be parsed.
func Invert(patch string) (string, error) {
	if strings.HasPrefix(patch, binaryPrefix) {
		names := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(patch), binaryPrefix), " differ")
		orig, updated, ok := strings.Cut(names, " and ")
		if !ok {
			return "", fmt.Errorf("parsing patch: malformed binary marker %q", patch)
		}
		return binaryPrefix + swapSide(updated, "b/", "a/") + " and " + swapSide(orig, "a/", "b/") + " differ\n", nil
	}

	fd, err := parse(patch)
	if err != nil || fd == nil {
		return "", err
	}

	inv := &godiff.FileDiff{
		OrigName: swapSide(fd.NewName, "b/", "a/"),
		NewName:  swapSide(fd.OrigName, "a/", "b/"),
		Hunks:    make([]*godiff.Hunk, 0, len(fd.Hunks)),
	}
	for _, h := range fd.Hunks {
		ops := hunkOps(h)
		flipped := make([]lineOp, 0, len(ops))
		var dels, ins []lineOp
		flush := func() {
			flipped = append(flipped, dels...)
			flipped = append(flipped, ins...)
			dels, ins = dels[:0], ins[:0]
		}
		for _, op := range ops {
			switch op.op {
			case opDelete:
				ins = append(ins, lineOp{opInsert, op.text})
			case opInsert:
				dels = append(dels, lineOp{opDelete, op.text})
			default:
				flush()
				flipped = append(flipped, op)
			}
		}
		flush()
		inv.Hunks = append(inv.Hunks, buildHunk(flipped,
			prior(h.NewStartLine, h.NewLines),
			prior(h.OrigStartLine, h.OrigLines),
		))
	}

	out, err := godiff.PrintFileDiff(inv)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func swapSide(name, from, to string) string {
	if name == DevNull {
		return name
	}
	return to + strings.TrimPrefix(name, from)
}

// Apply applies a patch produced by Unified to before.
//
// # Description
//
// Every context and deleted line must match before exactly. A patch
// whose new side is /dev/null yields nil, meaning the file is absent. An
// empty patch returns before unchanged.
//
// # Outputs
//
//   - []byte: The patched content.
//   - error: ErrPatchMismatch when the patch does not fit, ErrBinaryPatch
//     for binary markers.
func Apply(before []byte, patch string) ([]byte, error) {
	fd, err := parse(patch)
	if err != nil {
		return nil, err
	}
	if fd == nil {
		return before, nil
	}

	lines := splitLines(string(before))
	out := make([]byte, 0, len(before))
	idx := 0
	for n, h := range fd.Hunks {
		start := prior(h.OrigStartLine, h.OrigLines)
		if start < idx || start > len(lines) {
			return nil, fmt.Errorf("%w: hunk %d starts at line %d", ErrPatchMismatch, n+1, h.OrigStartLine)
		}
		for ; idx < start; idx++ {
			out = append(out, lines[idx]...)
		}
		for _, op := range hunkOps(h) {
			switch op.op {
			case opInsert:
				out = append(out, op.text...)
			default:
				if idx >= len(lines) || lines[idx] != op.text {
					return nil, fmt.Errorf("%w: hunk %d, line %d", ErrPatchMismatch, n+1, idx+1)
				}
				if op.op == opEqual {
					out = append(out, op.text...)
				}
				idx++
			}
		}
	}
	for ; idx < len(lines); idx++ {
		out = append(out, lines[idx]...)
	}

	if fd.NewName == DevNull {
		if len(out) > 0 {
			return nil, fmt.Errorf("%w: deletion leaves %d bytes", ErrPatchMismatch, len(out))
		}
		return nil, nil
	}
	return out, nil
}

// Stat counts the lines a patch adds, changes and deletes. Binary and
// empty patches count nothing.
func Stat(patch string) (godiff.Stat, error) {
	fd, err := parse(patch)
	if errors.Is(err, ErrBinaryPatch) || (err == nil && fd == nil) {
		return godiff.Stat{}, nil
	}
	if err != nil {
		return godiff.Stat{}, err
	}
	return fd.Stat(), nil
}
