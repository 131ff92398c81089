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
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/coverloop/services/coverloop/cache"
)

var (
	cacheJSON bool

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the persistent artifact cache",
	}

	cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show entry count and disk usage of the artifact cache",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runCacheStats())
		},
	}

	cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached artifact",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runCacheClear())
		},
	}
)

func init() {
	cacheStatsCmd.Flags().BoolVar(&cacheJSON, "json", false,
		"Output as JSON for scripting")
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// openTier opens the configured badger tier, or explains why there is
// nothing to operate on.
func openTier() (*cache.BadgerTier, int) {
	if cfg.Cache.Dir == "" {
		fmt.Fprintln(os.Stderr, "persistent cache is disabled: set cache.dir in the config")
		return nil, exitError
	}
	bcfg := cache.DefaultBadgerConfig(cfg.Cache.Dir)
	bcfg.Logger = log.Logger
	tier, err := cache.OpenBadger(bcfg, runCodec{})
	if err != nil {
		log.Error("cache open failed", "dir", cfg.Cache.Dir, "error", err)
		return nil, exitError
	}
	return tier, exitSuccess
}

func runCacheStats() int {
	ctx, stop := signalContext()
	defer stop()

	tier, code := openTier()
	if tier == nil {
		return code
	}
	defer tier.Close()

	entries, err := tier.EntryCount(ctx)
	if err != nil {
		log.Error("cache scan failed", "error", err)
		return exitError
	}
	size, err := dirSize(cfg.Cache.Dir)
	if err != nil {
		log.Warn("cache size unavailable", "error", err)
	}

	if cacheJSON {
		out := map[string]any{
			"dir":        cfg.Cache.Dir,
			"entries":    entries,
			"disk_bytes": size,
			"ttl":        cfg.Cache.TTL.String(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return exitSuccess
	}

	fmt.Printf("cache dir: %s\n", cfg.Cache.Dir)
	fmt.Printf("entries:   %d\n", entries)
	fmt.Printf("disk:      %.1f MiB\n", float64(size)/(1<<20))
	fmt.Printf("ttl:       %s\n", cfg.Cache.TTL)
	return exitSuccess
}

func runCacheClear() int {
	ctx, stop := signalContext()
	defer stop()

	tier, code := openTier()
	if tier == nil {
		return code
	}
	defer tier.Close()

	if err := tier.Clear(ctx); err != nil {
		log.Error("cache clear failed", "error", err)
		return exitError
	}
	fmt.Println("cache cleared")
	return exitSuccess
}

// dirSize sums file sizes under root.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
