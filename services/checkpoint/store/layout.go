// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// On-disk layout below the store directory.
const (
	objectsDir    = "objects"
	snapshotsDir  = "snapshots"
	lockFile      = "LOCK"
	recordExt     = ".json"
	sidecarSuffix = ".annotations.json"
)

// layout resolves paths inside one store directory.
type layout struct {
	root string
}

// blob returns objects/<2 hex>/<hash>.
func (l layout) blob(hash string) string {
	return filepath.Join(l.root, objectsDir, hash[:2], hash)
}

func (l layout) record(id string) string {
	return filepath.Join(l.root, snapshotsDir, id+recordExt)
}

func (l layout) sidecar(id string) string {
	return filepath.Join(l.root, snapshotsDir, id+sidecarSuffix)
}

func (l layout) snapshots() string {
	return filepath.Join(l.root, snapshotsDir)
}

func (l layout) objects() string {
	return filepath.Join(l.root, objectsDir)
}

func (l layout) lock() string {
	return filepath.Join(l.root, lockFile)
}

// recordID extracts the snapshot ID from a file name in snapshots/, or
// returns false for sidecars, temp files and anything else.
func recordID(name string) (string, bool) {
	if strings.HasSuffix(name, sidecarSuffix) || !strings.HasSuffix(name, recordExt) {
		return "", false
	}
	id := strings.TrimSuffix(name, recordExt)
	return id, validID(id)
}

// validID reports whether id is a canonical UUID. Anything else could
// escape the snapshots directory and never resolves.
func validID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}
