// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireRelease(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "store", "LOCK"))

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	pid, alive := l.Holder()
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)

	require.NoError(t, release())
	require.NoError(t, release(), "second release is a no-op")

	release, err = l.TryAcquire()
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestLock_TryAcquireWhileHeld(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "LOCK"))

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = l.TryAcquire()
	assert.ErrorIs(t, err, ErrFileLocked)
}

func TestLock_CrossHandleExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")
	a, b := New(path), New(path)

	release, err := a.Acquire(context.Background())
	require.NoError(t, err)

	// b has its own descriptor, so only the file lock stands between them.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release())

	release, err = b.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestLock_SerializesGoroutines(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "LOCK"))

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, release())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
}

func TestLock_HolderUnknown(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "LOCK"))
	pid, alive := l.Holder()
	assert.Zero(t, pid)
	assert.False(t, alive)
}
