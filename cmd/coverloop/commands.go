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
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/coverloop/pkg/logging"
	"github.com/AleutianAI/coverloop/services/coverloop/config"
)

// Exit codes. Partial runs (budget or stagnation) exit zero; the run
// completed and the report says how far it got. Only configuration and
// environment failures are non-zero.
const (
	exitSuccess = 0
	exitError   = 1
)

// defaultConfigFile is picked up from the working directory when
// --config is not given.
const defaultConfigFile = "coverloop.yaml"

var (
	// Persistent flags
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool
	flagQuiet    bool

	// Runtime state populated by initRuntime.
	cfg config.Config
	log *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "coverloop",
		Short: "Coverage-guided test generation for Go projects",
		Long: `Coverloop generates unit tests with an LLM provider and refines them
against coverage reports until the target is met.

Each iteration selects units that need work, generates tests for them,
merges the tests into the project without touching hand-written code,
runs the suite under coverage, and analyzes the remaining gaps to decide
what to regenerate next.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initRuntime(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				_ = log.Close()
			}
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "",
		"Path to the YAML config file (default: coverloop.yaml if present)")
	pf.StringVar(&flagLogLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	pf.BoolVar(&flagLogJSON, "json-logs", false,
		"Force JSON log output on stderr")
	pf.BoolVar(&flagQuiet, "quiet", false,
		"Suppress stderr logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(versionCmd)
}

// initRuntime loads configuration, applies flag overrides, and wires
// the process logger. Runs before every subcommand.
func initRuntime(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		log = logging.Default()
		return nil
	}

	path := flagConfig
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}

	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg = loaded

	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = flagLogLevel
	}
	if cmd.Flags().Changed("json-logs") {
		cfg.Logging.JSON = flagLogJSON
	}
	if cmd.Flags().Changed("quiet") {
		cfg.Logging.Quiet = flagQuiet
	}

	log = logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "coverloop",
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
	slog.SetDefault(log.Logger)

	if path != "" {
		log.Debug("configuration loaded", slog.String("path", path))
	}
	return nil
}
