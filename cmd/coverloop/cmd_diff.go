// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

var (
	diffBase string
	diffHead string

	diffCmd = &cobra.Command{
		Use:   "diff",
		Short: "Run the refinement loop over units changed between two revisions",
		Long: `Diff restricts the run to units whose source changed between two git
revisions, plus unchanged callers within the caller-graph hop limit
(engine.max_hops) whose existing tests should still be verified.

Deleted units are reported so their orphaned tests can be retired; the
engine never deletes test code on its own.

Examples:
  coverloop diff --base main
  coverloop diff --base v1.4.0 --head v1.5.0
  coverloop diff --base HEAD~3 --report impact.json`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runLoop(func(ctx context.Context, deps *runtimeDeps) (model.RunReport, error) {
				return deps.Engine.RunIncremental(ctx, diffBase, diffHead)
			}, true))
		},
	}
)

func init() {
	addRunFlags(diffCmd)
	diffCmd.Flags().StringVar(&diffBase, "base", "HEAD~1",
		"Base revision for change detection")
	diffCmd.Flags().StringVar(&diffHead, "head", "HEAD",
		"Head revision for change detection")
}
