// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command coverloop drives coverage-guided test generation for a Go
// project. It parses the tree into generation units, asks an LLM
// provider for missing tests, merges them into _test.go files, runs
// the suite under coverage, and repeats against the remaining gaps
// until the coverage target is met or the iteration budget runs out.
//
// Usage:
//
//	coverloop run                      # full run over the whole tree
//	coverloop diff --base main         # only units changed since main
//	coverloop watch                    # rerun on file changes
//	coverloop cache stats              # inspect the artifact cache
//	coverloop version
//
// Configuration is read from coverloop.yaml in the working directory
// (override with --config). Flags take precedence over the file.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
