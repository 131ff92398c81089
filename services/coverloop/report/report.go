// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report persists run reports and renders their terminal
// summary.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// Format selects the persistence encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat maps a user-supplied string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want json or yaml)", s)
	}
}

// Write encodes the report to w.
func Write(w io.Writer, r model.RunReport, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(r)
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
}

// Save writes the report to path, creating parent directories. The
// format follows the file extension unless explicitly given.
func Save(path string, r model.RunReport) error {
	format := FormatJSON
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		format = FormatYAML
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer f.Close()
	return Write(f, r, format)
}

// Summary renders the human-readable run summary.
func Summary(r model.RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s\n", r.RunID, r.Status)
	fmt.Fprintf(&b, "coverage: %.1f%% (target %.1f%%)\n", r.FinalCoverage, r.TargetCoverage)
	for _, it := range r.Iterations {
		flag := ""
		if it.Stagnant {
			flag = " [stagnant]"
		}
		fmt.Fprintf(&b, "  iteration %d: %d units, %d passed, %d failed, %.1f%% (%+.1fpp)%s\n",
			it.Index, it.WorklistSize, it.Passed, it.Failed, it.Coverage, it.Delta, flag)
		for _, f := range it.Failures {
			fmt.Fprintf(&b, "    failure [%s] %s: %s\n", f.Stage, f.QualifiedName, firstLine(f.Message))
		}
		if len(it.FlakyTests) > 0 {
			fmt.Fprintf(&b, "    flaky: %s\n", strings.Join(it.FlakyTests, ", "))
		}
	}
	if len(r.GeneratedFiles) > 0 {
		fmt.Fprintf(&b, "generated files: %s\n", strings.Join(r.GeneratedFiles, ", "))
	}
	if len(r.Deprecations) > 0 {
		fmt.Fprintf(&b, "tests flagged for deprecation: %s\n", strings.Join(r.Deprecations, ", "))
	}
	if r.Message != "" {
		fmt.Fprintf(&b, "%s\n", r.Message)
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
