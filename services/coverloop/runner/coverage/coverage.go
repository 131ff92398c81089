// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coverage normalizes tool-specific coverage formats into the
// engine's report shape. Supported: Go cover profiles and lcov .info.
package coverage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// MaxFileSize caps coverage files accepted for parsing.
const MaxFileSize = 50 * 1024 * 1024

// ParseFile parses a coverage file, detecting the format from content:
// Go profiles start with a "mode:" line, lcov records with "TN:" or
// "SF:". modulePath strips the module prefix from Go profile paths so
// report paths are project-relative.
func ParseFile(path, modulePath string) (*model.CoverageReport, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("coverage file %s exceeds %d bytes", path, MaxFileSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, _ := br.Peek(5)
	if strings.HasPrefix(string(head), "mode:") {
		return ParseGoProfile(br, modulePath)
	}
	return ParseLcov(br)
}

// ParseGoProfile parses a Go cover profile.
//
// Profile lines have the form
//
//	path/file.go:startLine.startCol,endLine.endCol numStmts hitCount
//
// Every line in a block is marked coverable with the block's hit count.
// Go profiles carry no branch records; branch data comes only from lcov
// inputs.
func ParseGoProfile(r io.Reader, modulePath string) (*model.CoverageReport, error) {
	report := model.NewCoverageReport()
	prefix := ""
	if modulePath != "" {
		prefix = modulePath + "/"
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "mode:") {
			continue
		}

		colon := strings.LastIndex(line, ":")
		if colon < 0 {
			return nil, fmt.Errorf("cover profile line %d: missing path separator", lineNo)
		}
		path := line[:colon]
		fields := strings.Fields(line[colon+1:])
		if len(fields) != 3 {
			return nil, fmt.Errorf("cover profile line %d: want 3 fields, got %d", lineNo, len(fields))
		}

		var startLine, startCol, endLine, endCol int
		if _, err := fmt.Sscanf(fields[0], "%d.%d,%d.%d", &startLine, &startCol, &endLine, &endCol); err != nil {
			return nil, fmt.Errorf("cover profile line %d: bad span %q", lineNo, fields[0])
		}
		count, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("cover profile line %d: bad count %q", lineNo, fields[2])
		}

		path = strings.TrimPrefix(path, prefix)
		// Overlapping blocks keep the highest observed count.
		fc := report.File(path)
		for l := startLine; l <= endLine; l++ {
			fc.LineHits[l] = max(fc.LineHits[l], count)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	report.Recompute()
	return report, nil
}

// ParseLcov parses an lcov tracefile (.info).
//
// Handled records: SF (source file), DA (line hits), BRDA (branch
// taken), end_of_record. BRDA taken counts of "-" mean the branch was
// never reached.
func ParseLcov(r io.Reader) (*model.CoverageReport, error) {
	report := model.NewCoverageReport()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current *model.FileCoverage
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "SF:"):
			current = report.File(strings.TrimPrefix(line, "SF:"))

		case strings.HasPrefix(line, "DA:"):
			if current == nil {
				continue
			}
			parts := strings.Split(strings.TrimPrefix(line, "DA:"), ",")
			if len(parts) >= 2 {
				lineNum, _ := strconv.Atoi(parts[0])
				hits, _ := strconv.Atoi(parts[1])
				current.LineHits[lineNum] = hits
			}

		case strings.HasPrefix(line, "BRDA:"):
			if current == nil {
				continue
			}
			parts := strings.Split(strings.TrimPrefix(line, "BRDA:"), ",")
			if len(parts) >= 4 {
				lineNum, _ := strconv.Atoi(parts[0])
				taken := 0
				if parts[3] != "-" {
					taken, _ = strconv.Atoi(parts[3])
				}
				b := current.Branches[lineNum]
				b.Total++
				if taken > 0 {
					b.Taken++
				}
				current.Branches[lineNum] = b
			}

		case line == "end_of_record":
			current = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	report.Recompute()
	return report, nil
}
