// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package merge

import "os"

// Windows locking is a no-op: the O_CREATE sidecar still serializes
// well-behaved processes via its existence, and the engine runs one
// merge per file at a time in-process.
func flockExclusive(f *os.File) error { return nil }

func flockRelease(f *os.File) error { return nil }
