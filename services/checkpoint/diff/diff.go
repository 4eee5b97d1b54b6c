// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diff renders unified diffs between two versions of a file and
// the reverse-patch instructions stored with each snapshot.
//
// Line matching is done by diffmatchpatch over a line-to-rune encoding;
// hunks are assembled into go-diff FileDiff values and printed in the
// standard unified format:
//
//	--- a/path
//	+++ b/path
//	@@ -1,3 +1,3 @@
//
// A nil content slice means the path is absent on that side and is shown
// as /dev/null. An empty, non-nil slice is an empty file.
package diff

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
	godiff "github.com/sourcegraph/go-diff/diff"
)

// DefaultContext is the number of unchanged lines shown around a change.
const DefaultContext = 3

// binarySniffLen is how far into a file a NUL byte marks it binary.
const binarySniffLen = 8000

// DevNull names the absent side of a diff.
const DevNull = "/dev/null"

// maxLines bounds the number of distinct lines the rune encoding can
// represent. Larger inputs fall back to a whole-file replacement.
const maxLines = utf8.MaxRune - 0x800

// Option configures an Engine.
type Option func(*Engine)

// WithContext sets the number of context lines around each change.
func WithContext(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.context = n
		}
	}
}

// Engine computes unified diffs.
//
// Thread Safety: Engine is safe for concurrent use.
type Engine struct {
	context int
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{context: DefaultContext}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsBinary reports whether content should be treated as opaque bytes.
// Content is binary when a NUL byte appears in its first 8000 bytes or
// when it is not valid UTF-8.
func IsBinary(content []byte) bool {
	head := content
	if len(head) > binarySniffLen {
		head = head[:binarySniffLen]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	return !utf8.Valid(content)
}

// Unified returns the patch turning before into after.
//
// # Description
//
// Identical contents yield an empty patch. When either side is binary
// the patch is a single "Binary files ... differ" line. Otherwise the
// output is a unified diff whose headers name a/path and b/path, or
// /dev/null for an absent side.
//
// # Inputs
//
//   - path: Workspace path shown in the headers.
//   - before: Prior content, nil when absent.
//   - after: New content, nil when absent.
//
// # Outputs
//
//   - string: The patch text.
//   - error: Only on a rendering failure.
func (e *Engine) Unified(path string, before, after []byte) (string, error) {
	if before == nil && after == nil {
		return "", nil
	}
	if before != nil && after != nil && bytes.Equal(before, after) {
		return "", nil
	}

	origName, newName := DevNull, DevNull
	if before != nil {
		origName = "a/" + path
	}
	if after != nil {
		newName = "b/" + path
	}

	if IsBinary(before) || IsBinary(after) {
		return "Binary files " + origName + " and " + newName + " differ\n", nil
	}

	hunks := e.hunks(lineDiff(string(before), string(after)))
	if hunks == nil {
		// An absent file against an empty one: headers only.
		hunks = []*godiff.Hunk{}
	}
	fd := &godiff.FileDiff{
		OrigName: origName,
		NewName:  newName,
		Hunks:    hunks,
	}
	out, err := godiff.PrintFileDiff(fd)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Unified diffs with the default Engine.
func Unified(path string, before, after []byte) (string, error) {
	return New().Unified(path, before, after)
}

// lineOp is one line of an edit script. text keeps its terminating
// newline, if the line had one.
type lineOp struct {
	op   byte
	text string
}

const (
	opEqual  byte = ' '
	opDelete byte = '-'
	opInsert byte = '+'
)

// splitLines splits s after every newline. A trailing line without a
// newline is kept as is.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// lineDiff computes a line-level edit script. Within each changed run
// deletions precede insertions.
func lineDiff(before, after string) []lineOp {
	a, b := splitLines(before), splitLines(after)

	index := make(map[string]rune)
	var table []string
	encode := func(lines []string) ([]rune, bool) {
		out := make([]rune, len(lines))
		for i, l := range lines {
			r, ok := index[l]
			if !ok {
				if len(table) >= maxLines {
					return nil, false
				}
				r = lineRune(len(table))
				index[l] = r
				table = append(table, l)
			}
			out[i] = r
		}
		return out, true
	}

	ra, okA := encode(a)
	rb, okB := encode(b)
	if !okA || !okB {
		return replaceAll(a, b)
	}

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMainRunes(ra, rb, false)

	decode := make(map[rune]string, len(table))
	for i, l := range table {
		decode[lineRune(i)] = l
	}

	var ops, dels, ins []lineOp
	flush := func() {
		ops = append(ops, dels...)
		ops = append(ops, ins...)
		dels, ins = dels[:0], ins[:0]
	}
	for _, d := range diffs {
		for _, r := range d.Text {
			switch d.Type {
			case diffmatchpatch.DiffDelete:
				dels = append(dels, lineOp{opDelete, decode[r]})
			case diffmatchpatch.DiffInsert:
				ins = append(ins, lineOp{opInsert, decode[r]})
			default:
				flush()
				ops = append(ops, lineOp{opEqual, decode[r]})
			}
		}
	}
	flush()
	return ops
}

// lineRune maps a line number to a rune, skipping the surrogate range so
// every line survives the string round trip inside diffmatchpatch.
func lineRune(i int) rune {
	if i >= 0xD800 {
		return rune(i + 0x800)
	}
	return rune(i)
}

func replaceAll(a, b []string) []lineOp {
	ops := make([]lineOp, 0, len(a)+len(b))
	for _, l := range a {
		ops = append(ops, lineOp{opDelete, l})
	}
	for _, l := range b {
		ops = append(ops, lineOp{opInsert, l})
	}
	return ops
}

// hunks groups an edit script into hunks, merging changes separated by
// no more than twice the context.
func (e *Engine) hunks(ops []lineOp) []*godiff.Hunk {
	// origBefore[i] and newBefore[i] count the lines preceding ops[i].
	origBefore := make([]int, len(ops)+1)
	newBefore := make([]int, len(ops)+1)
	for i, op := range ops {
		origBefore[i+1], newBefore[i+1] = origBefore[i], newBefore[i]
		if op.op != opInsert {
			origBefore[i+1]++
		}
		if op.op != opDelete {
			newBefore[i+1]++
		}
	}

	var out []*godiff.Hunk
	i := 0
	for i < len(ops) {
		if ops[i].op == opEqual {
			i++
			continue
		}
		start := max(0, i-e.context)
		end := i
		for j := i; j < len(ops); j++ {
			if ops[j].op == opEqual {
				continue
			}
			if j-end-1 > 2*e.context {
				break
			}
			end = j
		}
		stop := min(len(ops), end+e.context+1)
		out = append(out, buildHunk(ops[start:stop], origBefore[start], newBefore[start]))
		i = stop
	}
	return out
}

// buildHunk renders ops into a go-diff hunk. origPrior and newPrior are
// the number of lines on each side before the hunk.
func buildHunk(ops []lineOp, origPrior, newPrior int) *godiff.Hunk {
	h := &godiff.Hunk{}
	var body bytes.Buffer
	for _, op := range ops {
		if op.op != opInsert {
			h.OrigLines++
		}
		if op.op != opDelete {
			h.NewLines++
		}
		body.WriteByte(op.op)
		body.WriteString(op.text)
		if strings.HasSuffix(op.text, "\n") {
			continue
		}
		// A line without a newline is the last of its side.
		switch op.op {
		case opDelete:
			body.WriteByte('\n')
			h.OrigNoNewlineAt = int32(body.Len())
		case opInsert, opEqual:
			// Printed as the trailing "\ No newline" marker. Any line
			// after this one would be ambiguous, so the caller never
			// produces one.
		}
	}
	h.Body = body.Bytes()

	h.OrigStartLine = int32(origPrior)
	if h.OrigLines > 0 {
		h.OrigStartLine++
	}
	h.NewStartLine = int32(newPrior)
	if h.NewLines > 0 {
		h.NewStartLine++
	}
	return h
}
