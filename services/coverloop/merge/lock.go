// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrFileLocked is returned when another process holds the merge lock.
var ErrFileLocked = errors.New("file is locked by another process")

// lockPollInterval is the retry cadence while waiting for a lock.
const lockPollInterval = 50 * time.Millisecond

// fileLock is an exclusive advisory lock on a sidecar ".lock" file next
// to the target. The sidecar avoids locking the test file itself, which
// the merge rewrites via rename.
type fileLock struct {
	f *os.File
}

// acquireLock takes the exclusive lock for path, polling until the
// context is done.
func acquireLock(ctx context.Context, path string) (*fileLock, error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		err := flockExclusive(f)
		if err == nil {
			return &fileLock{f: f}, nil
		}
		if !errors.Is(err, ErrFileLocked) {
			f.Close()
			return nil, err
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// release unlocks and removes the sidecar.
func (l *fileLock) release() {
	name := l.f.Name()
	flockRelease(l.f)
	l.f.Close()
	os.Remove(name)
}
