// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// TemplateVersion participates in the generation cache key. Bump it
// whenever renderPrompt changes shape, so stale cached artifacts are
// never served for a new template.
const TemplateVersion = "tests/v2"

// renderPrompt builds the deterministic generation prompt for a unit.
// Determinism matters: the prompt fingerprint goes into provenance and
// must be reproducible from the same inputs.
func renderPrompt(unit model.Unit, genCtx Context) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Write Go unit tests for the %s %q in package %q",
		unit.Kind, unit.QualifiedName, genCtx.Package)
	if genCtx.Module != "" {
		fmt.Fprintf(&b, " (module %s)", genCtx.Module)
	}
	b.WriteString(".\n\n")

	b.WriteString("Source under test:\n```go\n")
	b.WriteString(genCtx.Source)
	b.WriteString("\n```\n")

	if len(genCtx.UncoveredLines) > 0 {
		fmt.Fprintf(&b, "\nPrior tests left these lines uncovered: %v. "+
			"Target them specifically, including error and boundary paths.\n",
			genCtx.UncoveredLines)
	}

	if genCtx.ExistingTests != "" {
		b.WriteString("\nExisting tests in the target file (do not duplicate them):\n```go\n")
		b.WriteString(genCtx.ExistingTests)
		b.WriteString("\n```\n")
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Emit a single complete Go test file body: test functions only, no package clause, no imports.\n")
	b.WriteString("- Use the standard testing package.\n")
	b.WriteString("- Table-driven tests where the unit has multiple branches.\n")
	b.WriteString("- Deterministic: no sleeps, no network, no wall-clock assertions.\n")
	b.WriteString("- Reply with one Go code block and nothing else.\n")
	return b.String()
}

// systemPrompt is the fixed instruction role content for chat providers.
const systemPrompt = "You are an expert Go engineer writing precise, " +
	"deterministic unit tests. You respond only with code."
