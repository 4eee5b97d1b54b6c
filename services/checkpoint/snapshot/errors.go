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
)

// Sentinel errors shared by every checkpoint component.
//
// Callers match them with errors.Is; the typed errors below unwrap to
// the matching sentinel.
var (
	// ErrNotFound is returned when a snapshot identifier does not resolve
	// to a persisted snapshot record.
	ErrNotFound = errors.New("snapshot not found")

	// ErrIOFailure is returned when a specific path could not be read or
	// written. It is always wrapped by an *IOError carrying the path.
	ErrIOFailure = errors.New("i/o failure")

	// ErrIntegrityMismatch is returned when stored content no longer
	// matches its recorded hash or fingerprint.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrInvalidArgument is returned for caller mistakes such as comparing
	// a snapshot with itself or scanning a workspace that does not exist.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IOError reports a read or write failure on one path.
type IOError struct {
	// Op is the operation that failed ("read", "write", "rename", ...).
	Op string `json:"op"`

	// Path is the offending path. Never empty.
	Path string `json:"path"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// NewIOError wraps err as an IOError for path.
func NewIOError(op, path string, err error) *IOError {
	return &IOError{Op: op, Path: path, Err: err}
}

// Error implements the error interface.
func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Is reports true for ErrIOFailure so callers can match the category
// without caring about the concrete cause.
func (e *IOError) Is(target error) bool {
	return target == ErrIOFailure
}

// IntegrityError reports a hash mismatch found while verifying a snapshot.
type IntegrityError struct {
	// ID is the snapshot whose content failed verification.
	ID string

	// Path is the entry that failed, or empty when the snapshot-level
	// fingerprint is what differs.
	Path string

	// Want is the recorded hash.
	Want string

	// Got is the hash recomputed from stored content.
	Got string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("snapshot %s: fingerprint %s, recomputed %s", e.ID, e.Want, e.Got)
	}
	return fmt.Sprintf("snapshot %s: %s hash %s, recomputed %s", e.ID, e.Path, e.Want, e.Got)
}

// Unwrap returns ErrIntegrityMismatch.
func (e *IntegrityError) Unwrap() error {
	return ErrIntegrityMismatch
}

// NotFound wraps ErrNotFound with the identifier that failed to resolve.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// InvalidArgument wraps ErrInvalidArgument with a formatted reason.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
