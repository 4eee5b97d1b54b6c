// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides the cross-process exclusive lock that guards
// read-modify-write of the checkpoint index.
//
// The lock is an advisory lock on a file inside the store directory.
// Snapshot content is immutable and never needs it; only index commits
// and annotation updates take it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrFileLocked is returned when another holder owns the lock.
var ErrFileLocked = errors.New("file is locked by another process")

// FileLocker abstracts the platform lock primitive.
type FileLocker interface {
	// Lock acquires an exclusive lock without blocking. Returns
	// ErrFileLocked if another descriptor holds it.
	Lock(f *os.File) error

	// Unlock releases the lock. Safe to call when not locked.
	Unlock(f *os.File) error
}

// DefaultPoll is how often a blocked Acquire retries.
const DefaultPoll = 10 * time.Millisecond

// Lock is an exclusive, cross-process lock on one file.
//
// # Description
//
// Goroutines in this process queue on a mutex; the file lock then
// excludes other processes. The holder's PID is written into the file
// so a stuck lock can be diagnosed.
//
// # Thread Safety
//
// Safe for concurrent use.
type Lock struct {
	path   string
	locker FileLocker
	poll   time.Duration
	mu     sync.Mutex
}

// New creates a lock on path. The file is created on first use.
func New(path string) *Lock {
	return &Lock{path: path, locker: newPlatformLocker(), poll: DefaultPoll}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire blocks until the lock is held or ctx is done.
//
// # Outputs
//
//   - func() error: Releases the lock. Must be called exactly once.
//   - error: The context error wrapped with the current holder, or a
//     file system error.
func (l *Lock) Acquire(ctx context.Context) (func() error, error) {
	if err := l.lockMutex(ctx); err != nil {
		return nil, err
	}

	f, err := l.open()
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}

	for {
		err = l.locker.Lock(f)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrFileLocked) {
			f.Close()
			l.mu.Unlock()
			return nil, fmt.Errorf("lock %s: %w", l.path, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			l.mu.Unlock()
			return nil, fmt.Errorf("waiting for %s (held by pid %d): %w", l.path, l.holder(), ctx.Err())
		case <-time.After(l.poll):
		}
	}

	l.recordHolder(f)

	var once sync.Once
	var unlockErr error
	return func() error {
		once.Do(func() {
			unlockErr = l.locker.Unlock(f)
			if cerr := f.Close(); unlockErr == nil {
				unlockErr = cerr
			}
			l.mu.Unlock()
		})
		return unlockErr
	}, nil
}

// TryAcquire takes the lock if it is free and returns ErrFileLocked
// otherwise.
func (l *Lock) TryAcquire() (func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled context makes Acquire attempt each stage exactly once.
	release, err := l.Acquire(ctx)
	if errors.Is(err, context.Canceled) {
		return nil, ErrFileLocked
	}
	return release, err
}

// Holder returns the PID recorded by the last holder and whether that
// process is still alive. A zero PID means the lock was never taken.
func (l *Lock) Holder() (pid int, alive bool) {
	pid = l.holder()
	if pid == 0 {
		return 0, false
	}
	return pid, IsProcessAlive(pid)
}

func (l *Lock) lockMutex(ctx context.Context) error {
	for !l.mu.TryLock() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", l.path, ctx.Err())
		case <-time.After(l.poll):
		}
	}
	return nil
}

func (l *Lock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", l.path, err)
	}
	return f, nil
}

// recordHolder writes the current PID. Failure only loses diagnostics.
func (l *Lock) recordHolder(f *os.File) {
	if err := f.Truncate(0); err != nil {
		return
	}
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
}

func (l *Lock) holder() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// IsProcessAlive reports whether a process with pid exists.
func IsProcessAlive(pid int) bool {
	return isProcessAlive(pid)
}
