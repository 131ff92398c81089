// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package merge writes generated test functions into test files
// additively. Hand-written functions are never touched: only functions
// carrying a generation marker are eligible for overwrite.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// markerPrefix introduces the provenance comment written above every
// generated function. The unit fingerprint identifies which function a
// regeneration may replace.
const markerPrefix = "// coverloop:generated"

var (
	markerRe   = regexp.MustCompile(`^// coverloop:generated unit=(\S+)`)
	funcDeclRe = regexp.MustCompile(`^func (\w+)\s*\(`)
)

// Marker renders the provenance comment for an artifact.
func Marker(a model.GeneratedArtifact) string {
	return fmt.Sprintf("%s unit=%s prompt=%s model=%s",
		markerPrefix, a.UnitFingerprint, a.Provenance.PromptFingerprint, a.Provenance.Model)
}

// Result summarizes one merge.
type Result struct {
	// Path is the merged test file, relative to the project root.
	Path string

	// Inserted, Replaced, and Skipped list test function names by
	// outcome. A function is skipped when a hand-written function with
	// the same name already exists.
	Inserted []string
	Replaced []string
	Skipped  []string
}

// Merger merges artifacts into test files under an exclusive per-file
// lock.
type Merger struct {
	logger *slog.Logger
}

// NewMerger creates a Merger. A nil logger uses slog.Default().
func NewMerger(logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{logger: logger.With(slog.String("component", "merge"))}
}

// Merge writes the artifact's test functions into its target file.
//
// # Description
//
// Fate per incoming function:
//   - no function with that name exists: inserted, with marker.
//   - a marked function with that name exists: replaced. Regeneration
//     owns what generation wrote.
//   - an unmarked function with that name exists: skipped. Human code
//     wins, always.
//
// Everything already in the file that the merge does not replace is
// preserved byte for byte. A missing target file is created with a
// package clause and a testing import.
//
// # Thread Safety
//
// The merge holds an exclusive advisory lock on a sidecar of the target
// for its whole duration.
func (m *Merger) Merge(ctx context.Context, projectRoot, pkgName string, artifact model.GeneratedArtifact) (Result, error) {
	target := filepath.Join(projectRoot, filepath.FromSlash(artifact.TestFilePath))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Result{}, fmt.Errorf("create test dir: %w", err)
	}

	lock, err := acquireLock(ctx, target)
	if err != nil {
		return Result{}, fmt.Errorf("lock %s: %w", artifact.TestFilePath, err)
	}
	defer lock.release()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	existing, err := os.ReadFile(target)
	if err != nil && !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("read %s: %w", artifact.TestFilePath, err)
	}

	content := string(existing)
	if content == "" {
		content = fmt.Sprintf("package %s\n\nimport \"testing\"\n", pkgName)
	}

	result := Result{Path: artifact.TestFilePath}
	blocks := splitFunctions(content)
	marker := Marker(artifact)

	for _, fn := range splitFunctions(artifact.TestSource) {
		if fn.Name == "" {
			continue // prose or stray text around the functions
		}
		existing, ok := blocks.byName(fn.Name)
		switch {
		case !ok:
			content = strings.TrimRight(content, "\n") + "\n\n" + marker + "\n" + fn.Text + "\n"
			result.Inserted = append(result.Inserted, fn.Name)
		case existing.Generated:
			content = strings.Replace(content,
				existing.FullText(), marker+"\n"+fn.Text, 1)
			result.Replaced = append(result.Replaced, fn.Name)
		default:
			result.Skipped = append(result.Skipped, fn.Name)
		}
		blocks = splitFunctions(content)
	}

	// Atomic swap keeps the executor from ever seeing a half-written file.
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", artifact.TestFilePath, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return Result{}, fmt.Errorf("swap %s: %w", artifact.TestFilePath, err)
	}

	m.logger.Debug("merged artifact",
		"file", artifact.TestFilePath,
		"inserted", len(result.Inserted),
		"replaced", len(result.Replaced),
		"skipped", len(result.Skipped))
	return result, nil
}

// funcBlock is one top-level function in a test file, with its marker
// line when generation wrote it.
type funcBlock struct {
	Name      string
	Marker    string
	Text      string
	Generated bool
}

// FullText returns the block including its marker line.
func (b funcBlock) FullText() string {
	if b.Marker == "" {
		return b.Text
	}
	return b.Marker + "\n" + b.Text
}

type funcBlocks []funcBlock

func (bs funcBlocks) byName(name string) (funcBlock, bool) {
	for _, b := range bs {
		if b.Name == name {
			return b, true
		}
	}
	return funcBlock{}, false
}

// splitFunctions scans source text for top-level functions. It relies
// on the gofmt convention that a top-level function opens with "func "
// at column zero and closes with a lone "}" at column zero; generated
// sources follow it and hand-written Go overwhelmingly does.
func splitFunctions(src string) funcBlocks {
	var out funcBlocks
	lines := strings.Split(src, "\n")

	var pendingMarker string
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if markerRe.MatchString(line) {
			pendingMarker = line
			continue
		}
		m := funcDeclRe.FindStringSubmatch(line)
		if m == nil {
			if !strings.HasPrefix(line, "//") && strings.TrimSpace(line) != "" {
				pendingMarker = "" // marker must directly precede its function
			}
			continue
		}

		start := i
		// One-line functions close on the declaration line.
		if strings.HasSuffix(strings.TrimSpace(line), "}") &&
			strings.Count(line, "{") == strings.Count(line, "}") {
			out = append(out, funcBlock{
				Name:      m[1],
				Marker:    pendingMarker,
				Text:      line,
				Generated: pendingMarker != "",
			})
			pendingMarker = ""
			continue
		}
		for i < len(lines) && lines[i] != "}" {
			i++
		}
		end := i
		if end >= len(lines) {
			end = len(lines) - 1
		}
		out = append(out, funcBlock{
			Name:      m[1],
			Marker:    pendingMarker,
			Text:      strings.Join(lines[start:end+1], "\n"),
			Generated: pendingMarker != "",
		})
		pendingMarker = ""
	}
	return out
}
