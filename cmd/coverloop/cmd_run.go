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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
	"github.com/AleutianAI/coverloop/services/coverloop/report"
)

var (
	runTarget        float64
	runMaxIterations int
	runProjectRoot   string
	runReportPath    string
	runJSON          bool
	runMetricsAddr   string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the refinement loop over every unit in the project",
		Long: `Run parses the whole project, generates tests for every unit, and
refines them against coverage reports until the target is met, progress
stagnates, or the iteration budget runs out.

Examples:
  coverloop run
  coverloop run --target 90 --max-iterations 8
  coverloop run --report coverloop-report.yaml`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runLoop(func(ctx context.Context, deps *runtimeDeps) (model.RunReport, error) {
				return deps.Engine.Run(ctx)
			}, false))
		},
	}
)

func init() {
	addRunFlags(runCmd)
}

// addRunFlags registers the flags shared by every loop-driving command.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&runTarget, "target", 0,
		"Coverage target percentage (overrides config)")
	cmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0,
		"Iteration budget (overrides config)")
	cmd.Flags().StringVar(&runProjectRoot, "project", "",
		"Project root (overrides config)")
	cmd.Flags().StringVar(&runReportPath, "report", "",
		"Write the run report to this path (.json or .yaml)")
	cmd.Flags().BoolVar(&runJSON, "json", false,
		"Print the full JSON report to stdout instead of a summary")
	cmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address (enables metrics)")
}

// applyRunFlags folds flag overrides into the loaded configuration.
func applyRunFlags() {
	if runTarget > 0 {
		cfg.Engine.TargetCoverage = runTarget
	}
	if runMaxIterations > 0 {
		cfg.Engine.MaxIterations = runMaxIterations
	}
	if runProjectRoot != "" {
		cfg.Project.Root = runProjectRoot
	}
	if runMetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = runMetricsAddr
	}
}

// loopFunc drives one engine invocation.
type loopFunc func(ctx context.Context, deps *runtimeDeps) (model.RunReport, error)

// runLoop is the shared body of run and diff: wire dependencies, start
// metrics, drive the engine, emit the report, map status to exit code.
func runLoop(loop loopFunc, incremental bool) int {
	applyRunFlags()

	ctx, stop := signalContext()
	defer stop()

	stopMetrics, err := startMetrics(ctx, cfg)
	if err != nil {
		log.Error("metrics init failed", "error", err)
		return exitError
	}
	defer func() { _ = stopMetrics(context.Background()) }()

	deps, err := buildDeps(cfg, incremental)
	if err != nil {
		log.Error("wiring failed", "error", err)
		return exitError
	}
	defer deps.Close(context.Background())

	result, runErr := loop(ctx, deps)
	emitReport(result)

	if runErr != nil {
		log.Error("run aborted", "error", runErr)
		return exitError
	}
	if result.Status == model.StatusFailed {
		return exitError
	}
	return exitSuccess
}

// emitReport prints the report and writes it to disk when requested.
func emitReport(r model.RunReport) {
	if runJSON {
		if err := report.Write(os.Stdout, r, report.FormatJSON); err != nil {
			log.Error("report write failed", "error", err)
		}
	} else {
		fmt.Print(report.Summary(r))
	}

	if runReportPath != "" {
		if err := report.Save(runReportPath, r); err != nil {
			log.Error("report save failed", "path", runReportPath, "error", err)
			return
		}
		log.Info("report written", "path", runReportPath)
	}
}
