// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fingerprint computes deterministic content digests over a set
// of file entries.
//
// A fingerprint is a pure function of the (path, kind, content) triples of
// the entries. It does not depend on the order entries are held in memory,
// on timestamps or on file modes. Two captures of an unchanged workspace
// therefore carry identical fingerprints, which is how no-op checkpoints
// are detected.
//
// The output is self-describing: "<algorithm>:<lowercase hex>", so a
// stored fingerprint can always be recomputed with the algorithm that
// produced it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"
	"sort"
	"strings"

	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	"github.com/zeebo/xxh3"
)

// Algorithm names a digest function.
type Algorithm string

const (
	// SHA256 is the default. 256-bit output.
	SHA256 Algorithm = "sha256"

	// XXH3 is the 128-bit XXH3 digest. Faster than SHA256 on large trees,
	// not cryptographic.
	XXH3 Algorithm = "xxh3"
)

// DefaultAlgorithm is used when none is configured.
const DefaultAlgorithm = SHA256

// ParseAlgorithm resolves a configured algorithm name. An empty name
// yields DefaultAlgorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "":
		return DefaultAlgorithm, nil
	case SHA256:
		return SHA256, nil
	case XXH3:
		return XXH3, nil
	default:
		return "", snapshot.InvalidArgument("unknown fingerprint algorithm %q", name)
	}
}

// Engine computes fingerprints with one algorithm.
//
// Thread Safety: Engine is stateless and safe for concurrent use.
type Engine struct {
	algo Algorithm
}

// New creates an Engine for algo.
func New(algo Algorithm) (*Engine, error) {
	if _, err := ParseAlgorithm(string(algo)); err != nil {
		return nil, err
	}
	if algo == "" {
		algo = DefaultAlgorithm
	}
	return &Engine{algo: algo}, nil
}

// Default returns an Engine using DefaultAlgorithm.
func Default() *Engine {
	return &Engine{algo: DefaultAlgorithm}
}

// Algorithm returns the engine's algorithm.
func (e *Engine) Algorithm() Algorithm {
	return e.algo
}

// Fingerprint digests entries.
//
// # Description
//
// Entries are sorted by path on a private copy of the slice. For each
// entry the path, the kind and the content are written into the digest,
// each preceded by its length as a big-endian uint64. Length prefixes
// keep ("ab","c") and ("a","bc") from colliding.
//
// # Inputs
//
//   - entries: File entries with Content loaded. The caller's slice is not
//     reordered.
//
// # Outputs
//
//   - string: "<algorithm>:<hex>".
func (e *Engine) Fingerprint(entries []snapshot.FileEntry) string {
	sorted := make([]snapshot.FileEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	h := e.newHash()
	var n [8]byte
	field := func(b []byte) {
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}

	binary.BigEndian.PutUint64(n[:], uint64(len(sorted)))
	h.Write(n[:])
	for _, entry := range sorted {
		field([]byte(entry.Path))
		field([]byte(entry.Kind))
		field(entry.Content)
	}
	return string(e.algo) + ":" + hex.EncodeToString(h.Sum(nil))
}

func (e *Engine) newHash() hash.Hash {
	if e.algo == XXH3 {
		return &xxh3Hash128{Hasher: xxh3.New()}
	}
	return sha256.New()
}

// xxh3Hash128 adapts the XXH3 hasher so Sum yields the 128-bit digest
// instead of the 64-bit one.
type xxh3Hash128 struct {
	*xxh3.Hasher
}

func (x *xxh3Hash128) Sum(b []byte) []byte {
	sum := x.Hasher.Sum128().Bytes()
	return append(b, sum[:]...)
}

func (x *xxh3Hash128) Size() int {
	return 16
}

// AlgorithmOf returns the algorithm prefix of a stored fingerprint.
func AlgorithmOf(fp string) (Algorithm, error) {
	algo, _, ok := strings.Cut(fp, ":")
	if !ok {
		return "", snapshot.InvalidArgument("malformed fingerprint %q", fp)
	}
	return ParseAlgorithm(algo)
}

// Recompute digests entries with the algorithm that produced fp.
func Recompute(fp string, entries []snapshot.FileEntry) (string, error) {
	algo, err := AlgorithmOf(fp)
	if err != nil {
		return "", err
	}
	return (&Engine{algo: algo}).Fingerprint(entries), nil
}

// Verify recomputes the fingerprint of snap from its loaded entry
// content and returns an *snapshot.IntegrityError when it differs from
// the recorded one. Entries must carry Content.
func Verify(snap *snapshot.Snapshot) error {
	got, err := Recompute(snap.Fingerprint, snap.Entries)
	if err != nil {
		return &snapshot.IntegrityError{ID: snap.ID, Want: snap.Fingerprint, Got: err.Error()}
	}
	if got != snap.Fingerprint {
		return &snapshot.IntegrityError{ID: snap.ID, Want: snap.Fingerprint, Got: got}
	}
	return nil
}

// Equal reports whether two fingerprints identify the same content set.
// Fingerprints from different algorithms never compare equal.
func Equal(a, b string) bool {
	return a != "" && a == b
}

// BlobHash returns the lowercase hex SHA-256 of content. Blobs are always
// addressed by SHA-256, whatever the fingerprint algorithm.
func BlobHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// BlobHashReader is BlobHash over a stream. It also returns the number of
// bytes read.
func BlobHashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ValidBlobHash reports whether s looks like a blob address.
func ValidBlobHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (a Algorithm) String() string {
	return string(a)
}
