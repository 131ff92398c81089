// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitrev wraps git command execution for revision diffing.
//
// # Description
//
// The change-impact selector needs two things from version control: the
// set of files that differ between two revisions, and file contents at a
// given revision. Both are answered by shelling out to git and parsing
// the unified diff output with sourcegraph/go-diff.
//
// # Thread Safety
//
// Client is stateless after construction and safe for concurrent use.
package gitrev

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ErrGitNotFound is returned when the git binary is not on PATH.
var ErrGitNotFound = errors.New("git binary not found")

// ChangeStatus classifies a file change between two revisions.
type ChangeStatus int

const (
	// StatusModified means the file exists in both revisions with
	// different content.
	StatusModified ChangeStatus = iota

	// StatusAdded means the file exists only in the new revision.
	StatusAdded

	// StatusDeleted means the file exists only in the old revision.
	StatusDeleted
)

// String returns a human-readable name for the status.
func (s ChangeStatus) String() string {
	switch s {
	case StatusModified:
		return "modified"
	case StatusAdded:
		return "added"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// HunkRange is a changed line range in the new revision of a file.
type HunkRange struct {
	Start int
	Lines int
}

// ChangedFile is one file that differs between two revisions.
type ChangedFile struct {
	// Path is the file path relative to the repository root. For
	// deleted files this is the old path.
	Path string

	Status ChangeStatus

	// Hunks are the changed ranges in the new revision. Empty for
	// deletions.
	Hunks []HunkRange
}

// Client executes git commands in one repository.
type Client struct {
	repo   string
	gitBin string
	logger *slog.Logger
}

// NewClient creates a Client rooted at repo.
//
// Returns ErrGitNotFound if no git binary is available; per engine
// policy that is an environment failure, not something iteration can
// fix.
func NewClient(repo string, logger *slog.Logger) (*Client, error) {
	bin, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGitNotFound, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		repo:   repo,
		gitBin: bin,
		logger: logger.With(slog.String("component", "gitrev")),
	}, nil
}

// ChangedFiles diffs two revisions and returns the changed files with
// their changed ranges.
//
// # Edge Cases
//
// An unresolvable revision (unknown base ref, shallow clone missing the
// commit) surfaces as an error carrying git's stderr; it is never
// reported as an empty change set.
func (c *Client) ChangedFiles(ctx context.Context, oldRef, newRef string) ([]ChangedFile, error) {
	if oldRef == "" || newRef == "" {
		return nil, errors.New("both revisions are required")
	}

	out, err := c.run(ctx, "diff", "--no-color", "--no-ext-diff", oldRef, newRef)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", oldRef, newRef, err)
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}

	fileDiffs, err := diff.ParseMultiFileDiff(out)
	if err != nil {
		return nil, fmt.Errorf("parse diff %s..%s: %w", oldRef, newRef, err)
	}

	changed := make([]ChangedFile, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		cf := classify(fd)
		changed = append(changed, cf)
	}

	c.logger.Debug("revision diff computed",
		"old", oldRef, "new", newRef, "files", len(changed))
	return changed, nil
}

// classify maps a parsed file diff onto a ChangedFile.
func classify(fd *diff.FileDiff) ChangedFile {
	orig := stripPrefix(fd.OrigName)
	new_ := stripPrefix(fd.NewName)

	cf := ChangedFile{Path: new_, Status: StatusModified}
	switch {
	case orig == "/dev/null" || orig == "":
		cf.Status = StatusAdded
	case new_ == "/dev/null" || new_ == "":
		cf.Status = StatusDeleted
		cf.Path = orig
	}

	if cf.Status != StatusDeleted {
		for _, h := range fd.Hunks {
			cf.Hunks = append(cf.Hunks, HunkRange{
				Start: int(h.NewStartLine),
				Lines: int(h.NewLines),
			})
		}
	}
	return cf
}

// stripPrefix removes git's a/ b/ diff prefixes.
func stripPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

// FileAtRef returns the content of path at the given revision.
func (c *Client) FileAtRef(ctx context.Context, ref, path string) ([]byte, error) {
	out, err := c.run(ctx, "show", ref+":"+path)
	if err != nil {
		return nil, fmt.Errorf("show %s:%s: %w", ref, path, err)
	}
	return out, nil
}

// ResolveRef resolves a revision expression to a full commit hash.
func (c *Client) ResolveRef(ctx context.Context, ref string) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("rev-parse %s: %w", ref, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// run executes a git subcommand and returns stdout. On failure the error
// carries the command's stderr.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.gitBin, args...)
	cmd.Dir = c.repo

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.Bytes(), nil
}
