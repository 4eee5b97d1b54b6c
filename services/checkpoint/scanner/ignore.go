// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scanner

import (
	"path"
	"strings"
)

// DefaultExcludedDirs lists dependency and build directories skipped by
// default. Any path component starting with "." is skipped regardless.
var DefaultExcludedDirs = []string{
	"node_modules",
	"vendor",
	"dist",
	"build",
	"target",
	"__pycache__",
	"checkpoints",
}

// Ignore decides which workspace paths are left out of a capture.
//
// Directory names match a single path component anywhere in the tree.
// Patterns use glob syntax with ** for recursive matching:
//   - * matches any sequence of non-separator characters
//   - ** matches any number of path segments, including none
//   - ? matches any single non-separator character
//   - [abc] matches one of the characters in brackets
//
// A pattern without a "/" is matched against the base name only, so
// "*.log" excludes log files at any depth.
//
// Thread Safety: Ignore is safe for concurrent use after creation.
type Ignore struct {
	dirs     map[string]struct{}
	patterns []string
}

// NewIgnore builds an ignore set from excluded directory names and glob
// patterns. Either may be empty.
func NewIgnore(dirs, patterns []string) *Ignore {
	ig := &Ignore{
		dirs:     make(map[string]struct{}, len(dirs)),
		patterns: make([]string, 0, len(patterns)),
	}
	for _, d := range dirs {
		d = strings.Trim(d, "/")
		if d != "" {
			ig.dirs[d] = struct{}{}
		}
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p != "" {
			ig.patterns = append(ig.patterns, p)
		}
	}
	return ig
}

// DefaultIgnore returns the ignore set used when none is configured.
func DefaultIgnore() *Ignore {
	return NewIgnore(DefaultExcludedDirs, nil)
}

// Hidden reports whether a single path component is hidden.
func Hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// SkipDir reports whether the directory at rel (POSIX, relative to the
// root) and everything below it must be skipped.
func (ig *Ignore) SkipDir(rel string) bool {
	name := path.Base(rel)
	if Hidden(name) {
		return true
	}
	if _, ok := ig.dirs[name]; ok {
		return true
	}
	return ig.matchPatterns(rel)
}

// SkipFile reports whether the file at rel must be skipped.
func (ig *Ignore) SkipFile(rel string) bool {
	if Hidden(path.Base(rel)) {
		return true
	}
	return ig.matchPatterns(rel)
}

// Match reports whether rel would be skipped by any rule, checking every
// parent directory as well. Used by callers that see arbitrary paths,
// such as the file watcher.
func (ig *Ignore) Match(rel string) bool {
	rel = strings.Trim(rel, "/")
	if rel == "" || rel == "." {
		return false
	}
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if ig.SkipDir(strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return ig.SkipFile(rel) || ig.isExcludedDirName(parts[len(parts)-1])
}

func (ig *Ignore) isExcludedDirName(name string) bool {
	_, ok := ig.dirs[name]
	return ok
}

func (ig *Ignore) matchPatterns(rel string) bool {
	for _, p := range ig.patterns {
		if matchGlob(p, rel) {
			return true
		}
	}
	return false
}

// Included reports whether rel matches at least one include pattern.
// An empty include list includes everything.
func Included(includes []string, rel string) bool {
	if len(includes) == 0 {
		return true
	}
	for _, p := range includes {
		if matchGlob(p, rel) {
			return true
		}
	}
	return false
}

// matchGlob matches a POSIX relative path against a glob pattern.
func matchGlob(pattern, rel string) bool {
	pattern = strings.TrimPrefix(pattern, "./")
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(rel))
		return ok
	}
	pattern = strings.TrimSuffix(pattern, "/")
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

// matchSegments matches pattern segments against path segments, letting
// "**" absorb zero or more segments.
func matchSegments(pats, parts []string) bool {
	for len(pats) > 0 {
		p := pats[0]
		pats = pats[1:]

		if p == "**" {
			if len(pats) == 0 {
				return true
			}
			for i := 0; i <= len(parts); i++ {
				if matchSegments(pats, parts[i:]) {
					return true
				}
			}
			return false
		}

		if len(parts) == 0 {
			return false
		}
		if ok, _ := path.Match(p, parts[0]); !ok {
			return false
		}
		parts = parts[1:]
	}
	return len(parts) == 0
}
