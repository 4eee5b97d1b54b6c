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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIgnore_SkipDir(t *testing.T) {
	ig := NewIgnore(DefaultExcludedDirs, []string{"docs/generated", "**/tmp"})

	tests := []struct {
		rel  string
		want bool
	}{
		{".git", true},
		{"src/.cache", true},
		{"node_modules", true},
		{"web/node_modules", true},
		{"src", false},
		{"docs/generated", true},
		{"docs", false},
		{"a/b/tmp", true},
		{"tmp", true},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			assert.Equal(t, tt.want, ig.SkipDir(tt.rel))
		})
	}
}

func TestIgnore_SkipFile(t *testing.T) {
	ig := NewIgnore(nil, []string{"*.log", "build/**/*.o"})

	assert.True(t, ig.SkipFile(".env"))
	assert.True(t, ig.SkipFile("deep/dir/app.log"))
	assert.True(t, ig.SkipFile("build/x/y/main.o"))
	assert.True(t, ig.SkipFile("build/main.o"))
	assert.False(t, ig.SkipFile("src/main.o"))
	assert.False(t, ig.SkipFile("main.go"))
}

func TestIgnore_Match(t *testing.T) {
	ig := DefaultIgnore()

	assert.True(t, ig.Match("node_modules/pkg/index.js"))
	assert.True(t, ig.Match("src/.git/config"))
	assert.True(t, ig.Match("vendor"))
	assert.False(t, ig.Match("src/main.go"))
	assert.False(t, ig.Match(""))
}

func TestIncluded(t *testing.T) {
	assert.True(t, Included(nil, "anything"))
	assert.True(t, Included([]string{"*.go"}, "pkg/a.go"))
	assert.True(t, Included([]string{"src/**"}, "src/a/b.txt"))
	assert.False(t, Included([]string{"*.go", "src/**"}, "docs/readme.md"))
}
