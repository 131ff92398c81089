// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package impact

import (
	"strings"

	"github.com/AleutianAI/coverloop/services/coverloop/analyze"
	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// CallerGraph is a reverse adjacency structure: for each unit, the units
// that call it. Built once per selection from the analyzer's raw call
// sites.
//
// Cycles (mutual recursion) are expected; traversal uses an explicit
// visited set and never recurses.
type CallerGraph struct {
	// callers maps callee qualified name to caller qualified names.
	callers map[string][]string
}

// BuildCallerGraph resolves raw call targets against the full unit set
// and returns the reverse graph.
//
// Targets are matched first by exact qualified name, then by name
// suffix (a bare "Helper" call site matches "pkg.Helper" and
// "pkg.Recv.Helper"). Ambiguous targets produce edges to every
// candidate; over-selection is safer than missing an impacted caller.
func BuildCallerGraph(units []model.Unit, calls []analyze.RawCall) *CallerGraph {
	bySuffix := make(map[string][]string)
	exact := make(map[string]bool, len(units))
	for _, u := range units {
		exact[u.QualifiedName] = true
		parts := strings.Split(u.QualifiedName, ".")
		last := parts[len(parts)-1]
		bySuffix[last] = append(bySuffix[last], u.QualifiedName)
	}

	g := &CallerGraph{callers: make(map[string][]string)}
	seen := make(map[[2]string]bool)

	addEdge := func(caller, callee string) {
		if caller == callee {
			return
		}
		key := [2]string{caller, callee}
		if seen[key] {
			return
		}
		seen[key] = true
		g.callers[callee] = append(g.callers[callee], caller)
	}

	for _, call := range calls {
		if exact[call.Target] {
			addEdge(call.Caller, call.Target)
			continue
		}
		parts := strings.Split(call.Target, ".")
		last := parts[len(parts)-1]
		for _, candidate := range bySuffix[last] {
			addEdge(call.Caller, candidate)
		}
	}
	return g
}

// Callers returns the direct callers of the given unit.
func (g *CallerGraph) Callers(qualifiedName string) []string {
	return g.callers[qualifiedName]
}

// TransitiveCallers returns all units that reach any of the seeds within
// maxHops caller steps. Seeds themselves are not included. The visited
// set bounds traversal on cyclic graphs.
func (g *CallerGraph) TransitiveCallers(seeds []string, maxHops int) map[string]bool {
	result := make(map[string]bool)
	if maxHops <= 0 {
		return result
	}

	visited := make(map[string]bool, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		visited[s] = true
		frontier = append(frontier, s)
	}

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, name := range frontier {
			for _, caller := range g.callers[name] {
				if visited[caller] {
					continue
				}
				visited[caller] = true
				result[caller] = true
				next = append(next, caller)
			}
		}
		frontier = next
	}
	return result
}
