// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyze

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// DefaultMaxFileSize is the maximum file size the analyzer will accept (10MB).
const DefaultMaxFileSize = 10 * 1024 * 1024

// maxTraversalDepth bounds AST walks; deeper nesting is skipped.
const maxTraversalDepth = 256

// ErrFileTooLarge is returned when input content exceeds the size limit.
var ErrFileTooLarge = errors.New("file exceeds maximum size limit")

// ErrInvalidContent is returned for non-UTF-8 input.
var ErrInvalidContent = errors.New("content is not valid UTF-8")

// GoAnalyzerOption configures a GoAnalyzer.
type GoAnalyzerOption func(*GoAnalyzer)

// WithMaxFileSize sets the maximum accepted file size in bytes.
func WithMaxFileSize(bytes int64) GoAnalyzerOption {
	return func(a *GoAnalyzer) {
		if bytes > 0 {
			a.maxFileSize = bytes
		}
	}
}

// GoAnalyzer implements Analyzer for Go source files using tree-sitter.
//
// # Thread Safety
//
// Safe for concurrent use: each Parse call creates its own tree-sitter
// parser instance.
type GoAnalyzer struct {
	maxFileSize int64
}

var _ Analyzer = (*GoAnalyzer)(nil)

// NewGoAnalyzer creates a GoAnalyzer with default limits.
func NewGoAnalyzer(opts ...GoAnalyzerOption) *GoAnalyzer {
	a := &GoAnalyzer{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Extensions returns the file extensions this analyzer handles.
func (a *GoAnalyzer) Extensions() []string { return []string{".go"} }

// Parse extracts units and call sites from Go source.
//
// # Outputs
//
//   - *ParseResult: Units for every function and method declaration,
//     with fingerprints, complexity scores, and coverable line counts.
//     Syntax errors produce partial results with Errors populated.
//   - error: Non-nil only when parsing could not run at all (size
//     limit, invalid UTF-8, cancellation).
func (a *GoAnalyzer) Parse(ctx context.Context, filePath string, content []byte) (*ParseResult, error) {
	if int64(len(content)) > a.maxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), a.maxFileSize)
	}
	if !utf8.Valid(content) {
		return nil, ErrInvalidContent
	}

	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &ParseResult{
		FilePath: filePath,
		Units:    make([]model.Unit, 0),
		Calls:    make([]RawCall, 0),
	}

	root := tree.RootNode()
	if root == nil {
		result.Errors = append(result.Errors, "tree-sitter returned nil root node")
		return result, nil
	}
	if root.HasError() {
		result.Errors = append(result.Errors, "source contains syntax errors")
	}

	result.Package = extractPackage(root, content)

	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		switch child.Type() {
		case "function_declaration":
			a.processFunction(child, content, filePath, result)
		case "method_declaration":
			a.processMethod(child, content, filePath, result)
		}
	}

	return result, nil
}

// extractPackage returns the declared package name, or "" if absent.
func extractPackage(root *sitter.Node, content []byte) string {
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		if child.Type() != "package_clause" {
			continue
		}
		for j := 0; j < int(child.ChildCount()); j++ {
			name := child.Child(j)
			if name.Type() == "package_identifier" {
				return string(content[name.StartByte():name.EndByte()])
			}
		}
	}
	return ""
}

// processFunction extracts one function declaration into a unit.
func (a *GoAnalyzer) processFunction(node *sitter.Node, content []byte, filePath string, result *ParseResult) {
	var name, params, returns string
	var bodyNode *sitter.Node

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "identifier":
			name = text(child, content)
		case "parameter_list":
			if params == "" {
				params = text(child, content)
			} else {
				returns = text(child, content)
			}
		case "type_identifier", "pointer_type", "slice_type", "map_type",
			"channel_type", "qualified_type", "interface_type", "struct_type", "function_type":
			returns = text(child, content)
		case "block":
			bodyNode = child
		}
	}
	if name == "" {
		return
	}

	signature := "func " + name + params
	if returns != "" {
		signature += " " + returns
	}

	qualified := qualify(result.Package, "", name)
	a.appendUnit(node, bodyNode, content, filePath, qualified, signature, model.KindFunction, result)
}

// processMethod extracts one method declaration into a unit.
func (a *GoAnalyzer) processMethod(node *sitter.Node, content []byte, filePath string, result *ParseResult) {
	var name, receiver, params, returns string
	var bodyNode *sitter.Node

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "field_identifier":
			name = text(child, content)
		case "parameter_list":
			// First parameter_list is the receiver, second is the
			// parameters, third the returns.
			switch {
			case receiver == "":
				receiver = text(child, content)
			case params == "":
				params = text(child, content)
			default:
				returns = text(child, content)
			}
		case "type_identifier", "pointer_type", "slice_type", "map_type",
			"channel_type", "qualified_type", "interface_type", "struct_type", "function_type":
			returns = text(child, content)
		case "block":
			bodyNode = child
		}
	}
	if name == "" {
		return
	}

	signature := "func " + receiver + " " + name + params
	if returns != "" {
		signature += " " + returns
	}

	qualified := qualify(result.Package, receiverType(receiver), name)
	a.appendUnit(node, bodyNode, content, filePath, qualified, signature, model.KindMethod, result)
}

// appendUnit fills in the derived unit fields shared by functions and
// methods, then records its call sites.
func (a *GoAnalyzer) appendUnit(node, bodyNode *sitter.Node, content []byte, filePath, qualified, signature string, kind model.UnitKind, result *ParseResult) {
	body := ""
	coverable := 0
	if bodyNode != nil {
		body = text(bodyNode, content)
		coverable = coverableLines(body)
	}

	unit := model.Unit{
		QualifiedName:  qualified,
		Fingerprint:    model.UnitFingerprint(signature, body),
		Kind:           kind,
		File:           filePath,
		StartLine:      int(node.StartPoint().Row + 1),
		EndLine:        int(node.EndPoint().Row + 1),
		Complexity:     complexity(bodyNode, content),
		CoverableLines: coverable,
	}
	result.Units = append(result.Units, unit)

	for _, target := range callTargets(bodyNode, content) {
		result.Calls = append(result.Calls, RawCall{Caller: qualified, Target: target})
	}
}

// qualify builds "pkg.Recv.Name" or "pkg.Name".
func qualify(pkg, recv, name string) string {
	parts := make([]string, 0, 3)
	if pkg != "" {
		parts = append(parts, pkg)
	}
	if recv != "" {
		parts = append(parts, recv)
	}
	parts = append(parts, name)
	return strings.Join(parts, ".")
}

// receiverType extracts the bare type name from a receiver parameter
// list like "(s *Store)" or "(c Client)".
func receiverType(receiver string) string {
	trimmed := strings.Trim(receiver, "()")
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return ""
	}
	typ := fields[len(fields)-1]
	typ = strings.TrimPrefix(typ, "*")
	// Drop generic type parameters: "Store[T]" -> "Store".
	if idx := strings.IndexByte(typ, '['); idx > 0 {
		typ = typ[:idx]
	}
	return typ
}

// text returns the source text of a node.
func text(node *sitter.Node, content []byte) string {
	return string(content[node.StartByte():node.EndByte()])
}

// coverableLines counts lines inside a body that hold something other
// than braces. Zero means there's nothing to cover.
func coverableLines(body string) int {
	n := 0
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed == "{" || trimmed == "}" {
			continue
		}
		n++
	}
	return n
}

// complexity counts decision points in the body: 1 plus one per branch
// construct and short-circuit operator. The score only needs to rank
// units against each other.
func complexity(bodyNode *sitter.Node, content []byte) int {
	if bodyNode == nil {
		return 0
	}

	score := 1
	walk(bodyNode, 0, func(node *sitter.Node) {
		switch node.Type() {
		case "if_statement", "for_statement",
			"expression_case", "type_case", "communication_case", "default_case":
			score++
		case "binary_expression":
			op := operatorText(node, content)
			if op == "&&" || op == "||" {
				score++
			}
		}
	})
	return score
}

// operatorText returns the operator token of a binary expression.
func operatorText(node *sitter.Node, content []byte) string {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if t := child.Type(); t == "&&" || t == "||" {
			return t
		}
	}
	return ""
}

// callTargets collects called identifiers within a body.
func callTargets(bodyNode *sitter.Node, content []byte) []string {
	if bodyNode == nil {
		return nil
	}

	targets := make([]string, 0, 8)
	walk(bodyNode, 0, func(node *sitter.Node) {
		if node.Type() != "call_expression" {
			return
		}
		fn := node.ChildByFieldName("function")
		if fn == nil {
			return
		}
		switch fn.Type() {
		case "identifier":
			targets = append(targets, text(fn, content))
		case "selector_expression":
			if field := fn.ChildByFieldName("field"); field != nil {
				targets = append(targets, text(field, content))
			}
		}
	})
	return targets
}

// walk visits node and its descendants iteratively, depth-bounded.
func walk(root *sitter.Node, depth int, visit func(*sitter.Node)) {
	type entry struct {
		node  *sitter.Node
		depth int
	}
	stack := []entry{{root, depth}}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e.node == nil || e.depth > maxTraversalDepth {
			continue
		}
		visit(e.node)
		for i := 0; i < int(e.node.ChildCount()); i++ {
			stack = append(stack, entry{e.node.Child(i), e.depth + 1})
		}
	}
}
