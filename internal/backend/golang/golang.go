// Package golang implements the Go backend: `go test`, parsed with the
// tree-sitter Go grammar.
package golang

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/alexaandru/go-tree-sitter-bare"

	"github.com/trailofbits/necessist/internal/backend"
	"github.com/trailofbits/necessist/internal/backend/common"
	"github.com/trailofbits/necessist/internal/candidate"
	"github.com/trailofbits/necessist/internal/ignore"
	"github.com/trailofbits/necessist/internal/treesitter"
	"github.com/trailofbits/necessist/pkg/span"
)

// Backend implements backend.Backend for Go's standard testing package.
type Backend struct{}

// New constructs the Go backend.
func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "go" }

// Applicable reports whether root contains a go.mod.
func (b *Backend) Applicable(root string) bool {
	_, err := os.Stat(filepath.Join(root, "go.mod"))
	return err == nil
}

// IgnoredPathDisambiguation is Either: a selector expression like
// `assert.Equal` is, syntactically, indistinguishable from a method call
// on a local named `assert`, so an ignored path is checked against both
// the function and the method lists.
func (b *Backend) IgnoredPathDisambiguation() ignore.Disambiguation { return ignore.Either }

// DefaultIgnoreRules encodes the Go row of the candidate-rules table:
// assert.*/require.*/panic as ignored functions, and the testing.T/B
// reporting methods as ignored methods. TestMain is excluded from test
// discovery entirely, not via the ignore engine.
func (b *Backend) DefaultIgnoreRules() ignore.Rules {
	return ignore.Rules{
		Functions: []string{"assert.*", "require.*", "panic"},
		Methods: []string{
			"Close", "Error", "Errorf", "Fail", "FailNow", "Fatal", "Fatalf",
			"Log", "Logf", "Parallel", "Skip", "Skipf", "SkipNow", "Helper",
		},
	}
}

// SentinelStatement emits id to stderr. fmt and os are always already
// imported by a Go test file (the testing package pulls in the rest of
// the standard library's transitive closure), so no import rewriting is
// needed for the throwaway dry-run copy.
func (b *Backend) SentinelStatement(id string) string {
	return fmt.Sprintf("fmt.Fprintln(os.Stderr, %q)", id)
}

func (b *Backend) TestCommand(testIDs []string, trailingArgs []string) backend.CommandLine {
	args := []string{"test", "-run", strings.Join(testIDs, "|")}
	args = append(args, trailingArgs...)

	return backend.CommandLine{Program: "go", Args: args}
}

func (b *Backend) BuildCommand(testIDs []string) (backend.CommandLine, bool) {
	return backend.CommandLine{Program: "go", Args: []string{"vet", "./..."}}, true
}

// Parse walks every top-level Test* function in file and enumerates
// removable statements and method calls in its body.
func (b *Backend) Parse(ctx context.Context, file *span.SourceFile) (backend.ParseResult, error) {
	return ParseWithMatcher(ctx, file, ignore.Compile(b.DefaultIgnoreRules()), b.IgnoredPathDisambiguation())
}

// ParseWithMatcher implements backend.MatcherAware, checking matcher under
// the caller-resolved disambiguation mode (project config overriding b.s
// own default when one was supplied).
func (b *Backend) ParseWithMatcher(ctx context.Context, file *span.SourceFile, matcher *ignore.Matcher, disambig ignore.Disambiguation) (backend.ParseResult, error) {
	return ParseWithMatcher(ctx, file, matcher, disambig)
}

// ParseWithMatcher is Parse with an explicit, pre-merged ignore matcher;
// the dry-run coordinator and scheduler call this directly once they've
// merged the backend's defaults with the project's necessist.toml.
func ParseWithMatcher(ctx context.Context, file *span.SourceFile, matcher *ignore.Matcher, disambig ignore.Disambiguation) (backend.ParseResult, error) {
	tree, err := treesitter.Parse(ctx, treesitter.Go, file.Content())
	if err != nil {
		return backend.ParseResult{}, fmt.Errorf("parse %s: %w", file.Path(), err)
	}
	defer tree.Close()

	root := tree.RootNode()

	top := common.NamedChildren(root)
	helpers := helperBodies(top, file)
	rule := statementRule(matcher, helpers)

	var result backend.ParseResult

	for _, decl := range top {
		if decl.Type() != "function_declaration" {
			continue
		}

		testID, ok := testFunctionName(decl, file)
		if !ok {
			continue
		}

		nameNode := decl.ChildByFieldName("name")

		nameSpan, err := common.NodeSpan(file, nameNode)
		if err != nil {
			return backend.ParseResult{}, err
		}

		test := candidate.Test{ID: testID, FilePath: file.Path(), NameSpan: nameSpan}

		body := decl.ChildByFieldName("body")
		if body.IsNull() {
			result.Tests = append(result.Tests, test)
			continue
		}

		bodySpan, err := common.NodeSpan(file, body)
		if err != nil {
			return backend.ParseResult{}, err
		}

		test.BodySpan = bodySpan
		result.Tests = append(result.Tests, test)

		stmts := common.NamedChildren(body)

		cands, err := common.ClassifyStatements(file, stmts, rule, matcher, disambig)
		if err != nil {
			return backend.ParseResult{}, err
		}

		result.Candidates = append(result.Candidates, cands...)
	}

	return result, nil
}

func testFunctionName(decl sitter.Node, file *span.SourceFile) (string, bool) {
	nameNode := decl.ChildByFieldName("name")
	if nameNode.IsNull() {
		return "", false
	}

	name := common.Text(file, nameNode)
	if !strings.HasPrefix(name, "Test") || name == "TestMain" {
		return "", false
	}

	params := decl.ChildByFieldName("parameters")
	if params.IsNull() || !hasTestingTParam(params, file) {
		return "", false
	}

	return name, true
}

// hasTestingTParam checks the single parameter is `*testing.T` (or `*testing.B`);
// a loose text match is sufficient since the function signature is short and
// fully captured within the parameter_list node.
func hasTestingTParam(params sitter.Node, file *span.SourceFile) bool {
	text := common.Text(file, params)
	return strings.Contains(text, "testing.T") || strings.Contains(text, "testing.B")
}

// statementRule builds the classification rule for one function body.
// helpers maps every top-level function's name to its body's statement
// list, used by ResolveWalkable to implement necessist.toml's
// walkable_functions: a call to a whitelisted helper has that helper's own
// body walked for nested candidates, rather than stopping at the call
// site.
func statementRule(matcher *ignore.Matcher, helpers map[string][]sitter.Node) common.StatementRule {
	return common.StatementRule{
		IsDeclaration: func(stmt sitter.Node) bool {
			switch stmt.Type() {
			case "short_var_declaration", "var_declaration", "const_declaration", "type_declaration":
				return true
			default:
				return false
			}
		},
		IsControlFlowExit: func(stmt sitter.Node) bool {
			switch stmt.Type() {
			case "return_statement", "break_statement", "continue_statement", "goto_statement":
				return true
			default:
				return false
			}
		},
		IsCompoundStatement: func(stmt sitter.Node) bool {
			switch stmt.Type() {
			case "for_statement", "if_statement", "block", "expression_switch_statement",
				"type_switch_statement", "select_statement", "labeled_statement":
				return true
			default:
				return false
			}
		},
		ExtraIgnored: func(stmt sitter.Node, file *span.SourceFile) bool {
			return stmt.Type() == "defer_statement"
		},
		SoleCall: soleCall,
		CallPath: callPath,
		NestedCalls: func(stmt sitter.Node) []sitter.Node {
			return findCalls(stmt)
		},
		NestedBodies: nestedBodies,
		ResolveWalkable: func(call sitter.Node, file *span.SourceFile) ([]sitter.Node, bool) {
			if matcher == nil {
				return nil, false
			}

			path, ok := callPath(call, file)
			if !ok || !matcher.MatchesWalkable(path) {
				return nil, false
			}

			body, ok := helpers[path]

			return body, ok
		},
	}
}

// helperBodies maps every top-level function_declaration's name to its
// body's statement list, so a walkable_functions match can be resolved to
// an in-file function without re-walking the tree.
func helperBodies(top []sitter.Node, file *span.SourceFile) map[string][]sitter.Node {
	helpers := map[string][]sitter.Node{}

	for _, decl := range top {
		if decl.Type() != "function_declaration" {
			continue
		}

		nameNode := decl.ChildByFieldName("name")
		if nameNode.IsNull() {
			continue
		}

		body := decl.ChildByFieldName("body")
		if body.IsNull() {
			continue
		}

		helpers[common.Text(file, nameNode)] = common.NamedChildren(body)
	}

	return helpers
}

// nestedBodies returns the statement lists nested inside a compound
// statement so ClassifyStatements can recurse into it instead of treating
// it as opaque — the for/if table-driven subtest pattern (`for _, tt :=
// range cases { t.Run(tt.name, func(t *testing.T) { ... }) }`) otherwise
// hides every candidate inside the loop body.
func nestedBodies(stmt sitter.Node) [][]sitter.Node {
	switch stmt.Type() {
	case "block":
		return [][]sitter.Node{common.NamedChildren(stmt)}
	case "for_statement":
		body := stmt.ChildByFieldName("body")
		if body.IsNull() {
			return nil
		}

		return [][]sitter.Node{common.NamedChildren(body)}
	case "if_statement":
		return ifNestedBodies(stmt)
	case "expression_switch_statement", "type_switch_statement", "select_statement":
		var out [][]sitter.Node

		for _, clause := range common.NamedChildren(stmt) {
			switch clause.Type() {
			case "expression_case", "type_case", "default_case", "communication_case":
				out = append(out, common.NamedChildren(clause))
			}
		}

		return out
	case "labeled_statement":
		target := stmt.ChildByFieldName("statement")
		if target.IsNull() {
			return nil
		}

		return [][]sitter.Node{{target}}
	default:
		return nil
	}
}

// ifNestedBodies collects an if_statement's consequence block and follows
// its alternative down an else-if chain (alternative is itself an
// if_statement) to the final else block, if any.
func ifNestedBodies(stmt sitter.Node) [][]sitter.Node {
	var out [][]sitter.Node

	cons := stmt.ChildByFieldName("consequence")
	if !cons.IsNull() {
		out = append(out, common.NamedChildren(cons))
	}

	alt := stmt.ChildByFieldName("alternative")
	if alt.IsNull() {
		return out
	}

	if alt.Type() == "if_statement" {
		return append(out, ifNestedBodies(alt)...)
	}

	return append(out, common.NamedChildren(alt))
}

// soleCall recognizes two shapes as "the entire statement is one call":
// a bare call-expression statement (`x.foo();`), and a single-identifier
// binding whose right-hand side is a single call (`got := read(f)`, `v =
// read(f)`). A multi-value binding (`f, _ := os.Open(path)`) is left to
// the declaration omission below: unpacking its call would leave other
// identifiers (f) referencing a blanked value, which candidate discovery
// has no data-flow analysis to validate, so it is excluded entirely
// rather than risk an unsound mutation.
func soleCall(stmt sitter.Node) (sitter.Node, bool) {
	switch stmt.Type() {
	case "expression_statement":
		if stmt.NamedChildCount() != 1 {
			return sitter.Node{}, false
		}

		expr := stmt.NamedChild(0)
		if expr.Type() == "call_expression" {
			return expr, true
		}

		return sitter.Node{}, false

	case "short_var_declaration", "assignment_statement":
		left := stmt.ChildByFieldName("left")
		right := stmt.ChildByFieldName("right")

		if left.IsNull() || right.IsNull() {
			return sitter.Node{}, false
		}

		if left.NamedChildCount() != 1 || right.NamedChildCount() != 1 {
			return sitter.Node{}, false
		}

		if left.NamedChild(0).Type() != "identifier" {
			return sitter.Node{}, false
		}

		rhs := right.NamedChild(0)
		if rhs.Type() == "call_expression" {
			return rhs, true
		}

		return sitter.Node{}, false

	default:
		return sitter.Node{}, false
	}
}

// callPath reconstructs the dotted path of a call_expression's function:
// a plain identifier yields a bare name; a selector expression `recv.Name`
// yields "recv.Name" — Go's grammar cannot itself distinguish a
// package-qualified function call (`assert.Equal`) from a method call
// (`f.Close`), which is why this backend checks both ignore lists.
func callPath(call sitter.Node, file *span.SourceFile) (string, bool) {
	fn := call.ChildByFieldName("function")
	if fn.IsNull() {
		return "", false
	}

	switch fn.Type() {
	case "identifier", "selector_expression":
		return common.Text(file, fn), true
	default:
		return "", false
	}
}

func findCalls(n sitter.Node) []sitter.Node {
	var out []sitter.Node

	var walk func(sitter.Node)

	walk = func(cur sitter.Node) {
		if cur.Type() == "call_expression" {
			out = append(out, cur)
		}

		for _, child := range common.NamedChildren(cur) {
			walk(child)
		}
	}

	for _, child := range common.NamedChildren(n) {
		walk(child)
	}

	return out
}
