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
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var (
	watchDebounce time.Duration

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Rerun the refinement loop whenever project sources change",
		Long: `Watch monitors the project tree and reruns the loop after each batch
of source changes. Edits made within the debounce window collapse into
a single run. Unchanged files hit the parse and generation caches, so
a rerun after touching one file costs roughly one unit's work.

Test files are ignored: coverloop's own merges would otherwise retrigger
the watcher.

Examples:
  coverloop watch
  coverloop watch --debounce 5s`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runWatch())
		},
	}
)

func init() {
	addRunFlags(watchCmd)
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 2*time.Second,
		"How long to wait for further changes before rerunning")
}

func runWatch() int {
	applyRunFlags()

	ctx, stop := signalContext()
	defer stop()

	stopMetrics, err := startMetrics(ctx, cfg)
	if err != nil {
		log.Error("metrics init failed", "error", err)
		return exitError
	}
	defer func() { _ = stopMetrics(context.Background()) }()

	deps, err := buildDeps(cfg, false)
	if err != nil {
		log.Error("wiring failed", "error", err)
		return exitError
	}
	defer deps.Close(context.Background())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error("watcher init failed", "error", err)
		return exitError
	}
	defer watcher.Close()

	if err := watchTree(watcher, cfg.Project.Root); err != nil {
		log.Error("watcher setup failed", "error", err)
		return exitError
	}

	log.Info("watching", "root", cfg.Project.Root, "debounce", watchDebounce.String())

	// Initial run, then one run per debounced batch.
	runOnce(ctx, deps)

	var timer *time.Timer
	var fire <-chan time.Time
	pending := 0

	for {
		select {
		case <-ctx.Done():
			return exitSuccess

		case event, ok := <-watcher.Events:
			if !ok {
				return exitSuccess
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watchTree(watcher, event.Name)
				}
			}
			if !relevantChange(event.Name) {
				continue
			}
			pending++
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return exitSuccess
			}
			log.Warn("watch error", "error", err)

		case <-fire:
			log.Info("changes detected", "events", pending)
			pending = 0
			fire = nil
			runOnce(ctx, deps)
		}
	}
}

// runOnce drives one full loop run; failures are logged and the
// watcher keeps going.
func runOnce(ctx context.Context, deps *runtimeDeps) {
	result, err := deps.Engine.Run(ctx)
	emitReport(result)
	if err != nil && ctx.Err() == nil {
		log.Error("run aborted", "error", err)
	}
}

// watchTree registers root and every subdirectory with the watcher,
// skipping VCS metadata, vendored code, and hidden directories.
func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (strings.HasPrefix(name, ".") || name == "vendor" || name == "testdata") {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

// relevantChange reports whether a change to path should trigger a
// rerun. Generated and hand-written test files never do.
func relevantChange(path string) bool {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".go") {
		return false
	}
	if strings.HasSuffix(base, "_test.go") {
		return false
	}
	return !strings.HasPrefix(base, ".")
}
