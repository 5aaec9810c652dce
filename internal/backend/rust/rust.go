// Package rust implements the Rust backend: `cargo test`, parsed with the
// tree-sitter Rust grammar (replacing the original `syn`-based parser with
// an equivalent tree-sitter walk, matching the other five backends).
package rust

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

// Backend implements backend.Backend for Rust/Cargo, using `cargo test`.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "rust" }

func (b *Backend) Applicable(root string) bool {
	_, err := os.Stat(filepath.Join(root, "Cargo.toml"))
	return err == nil
}

// IgnoredPathDisambiguation is Either: method_call_expression and
// call_expression are distinct grammar productions, so the shape itself
// already disambiguates a call, but a project's necessist.toml can still
// add patterns to either list, so both are consulted rather than assuming
// the default rules' split (macros+methods only) is the only one in play.
func (b *Backend) IgnoredPathDisambiguation() ignore.Disambiguation { return ignore.Either }

// DefaultIgnoreRules is the Rust row of the candidate-rules table: a set of
// diagnostic/assertion macros, and a long tail of cheap conversion/borrow
// methods whose removal is never the interesting mutation.
func (b *Backend) DefaultIgnoreRules() ignore.Rules {
	return ignore.Rules{
		Macros: []string{
			"assert", "assert_eq", "assert_matches", "assert_ne", "debug",
			"eprint", "eprintln", "error", "info", "panic", "print", "println",
			"trace", "unimplemented", "unreachable", "warn",
		},
		Methods: []string{
			"as_bytes", "as_ref", "as_slice", "as_str", "borrow", "clone",
			"cloned", "copied", "deref", "expect", "expect_err", "into_*",
			"iter", "iter_mut", "success", "to_*", "unwrap", "unwrap_err",
		},
	}
}

// SentinelStatement emits id to stderr via eprintln!. The dry-run
// coordinator writes this string straight into the instrumented source
// file rather than discovering it through ClassifyStatements, so
// eprintln's place in the default macro ignore list (above) does not
// affect it.
func (b *Backend) SentinelStatement(id string) string {
	return fmt.Sprintf("eprintln!(%q);", id)
}

func (b *Backend) TestCommand(testIDs []string, trailingArgs []string) backend.CommandLine {
	args := []string{"test"}
	args = append(args, testIDs...)
	if len(trailingArgs) > 0 {
		args = append(args, "--")
		args = append(args, trailingArgs...)
	}

	return backend.CommandLine{Program: "cargo", Args: args}
}

func (b *Backend) BuildCommand(testIDs []string) (backend.CommandLine, bool) {
	return backend.CommandLine{Program: "cargo", Args: []string{"build", "--tests"}}, true
}

func (b *Backend) Parse(ctx context.Context, file *span.SourceFile) (backend.ParseResult, error) {
	return ParseWithMatcher(ctx, file, ignore.Compile(b.DefaultIgnoreRules()), b.IgnoredPathDisambiguation())
}

// ParseWithMatcher implements backend.MatcherAware, checking matcher under
// the caller-resolved disambiguation mode (project config overriding b.s
// own default when one was supplied).
func (b *Backend) ParseWithMatcher(ctx context.Context, file *span.SourceFile, matcher *ignore.Matcher, disambig ignore.Disambiguation) (backend.ParseResult, error) {
	return ParseWithMatcher(ctx, file, matcher, disambig)
}

// ParseWithMatcher walks every #[test]-attributed function in file.
func ParseWithMatcher(ctx context.Context, file *span.SourceFile, matcher *ignore.Matcher, disambig ignore.Disambiguation) (backend.ParseResult, error) {
	tree, err := treesitter.Parse(ctx, treesitter.Rust, file.Content())
	if err != nil {
		return backend.ParseResult{}, fmt.Errorf("parse %s: %w", file.Path(), err)
	}
	defer tree.Close()

	top := common.NamedChildren(tree.RootNode())
	helpers := helperBodies(top, file)
	rule := statementRule(matcher, helpers)

	var result backend.ParseResult

	for i, decl := range top {
		if decl.Type() != "function_item" {
			continue
		}

		if !precededByTestAttribute(top, i, file) {
			continue
		}

		nameNode := decl.ChildByFieldName("name")
		if nameNode.IsNull() {
			continue
		}

		testID := common.Text(file, nameNode)

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

// precededByTestAttribute reports whether top[idx] (a function_item) is
// immediately preceded, among its source-order siblings, by an
// attribute_item whose text contains "test" — covers `#[test]` and
// `#[tokio::test]`-style async test attributes.
func precededByTestAttribute(top []sitter.Node, idx int, file *span.SourceFile) bool {
	for j := idx - 1; j >= 0; j-- {
		if top[j].Type() != "attribute_item" {
			break
		}

		if strings.Contains(common.Text(file, top[j]), "test") {
			return true
		}
	}

	return false
}

// helperBodies maps every top-level function_item's name to its body's
// statement list, so a walkable_functions match can be resolved to an
// in-file function without re-walking the tree.
func helperBodies(top []sitter.Node, file *span.SourceFile) map[string][]sitter.Node {
	helpers := map[string][]sitter.Node{}

	for _, decl := range top {
		if decl.Type() != "function_item" {
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

// statementRule builds the classification rule for one function body.
// helpers maps every top-level function_item's name to its body's
// statement list, used by ResolveWalkable to implement walkable_functions.
func statementRule(matcher *ignore.Matcher, helpers map[string][]sitter.Node) common.StatementRule {
	return common.StatementRule{
		IsDeclaration: func(stmt sitter.Node) bool {
			switch stmt.Type() {
			case "let_declaration", "const_item", "static_item", "use_declaration":
				return true
			default:
				return false
			}
		},
		IsControlFlowExit: func(stmt sitter.Node) bool {
			switch stmt.Type() {
			case "return_expression", "break_expression", "continue_expression":
				return true
			default:
				return false
			}
		},
		IsCompoundStatement: func(stmt sitter.Node) bool {
			switch stmt.Type() {
			case "if_expression", "if_let_expression", "while_expression", "while_let_expression",
				"loop_expression", "for_expression", "match_expression", "block":
				return true
			default:
				return false
			}
		},
		ExtraIgnored: func(stmt sitter.Node, _ *span.SourceFile) bool {
			// A bare expression node (not wrapped in `expression_statement`,
			// not a `let`/item declaration, not a recognized compound or
			// control-flow shape) is the tail expression that gives the
			// enclosing block its value; removing it changes the block's
			// type, not just its side effects.
			switch stmt.Type() {
			case "expression_statement", "let_declaration", "macro_invocation":
				return false
			default:
				return !strings.HasSuffix(stmt.Type(), "_item")
			}
		},
		SoleCall:     soleCall,
		CallPath:     callPath,
		NestedCalls:  findCalls,
		MacroName:    macroName,
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

// nestedBodies returns the statement lists nested inside a compound
// expression so ClassifyStatements recurses into loop/if/match bodies
// instead of treating them as opaque.
func nestedBodies(stmt sitter.Node) [][]sitter.Node {
	switch stmt.Type() {
	case "block":
		return [][]sitter.Node{common.NamedChildren(stmt)}
	case "while_expression", "while_let_expression", "loop_expression", "for_expression":
		body := stmt.ChildByFieldName("body")
		if body.IsNull() {
			return nil
		}

		return [][]sitter.Node{common.NamedChildren(body)}
	case "if_expression", "if_let_expression":
		return ifNestedBodies(stmt)
	case "match_expression":
		return matchNestedBodies(stmt)
	default:
		return nil
	}
}

// ifNestedBodies collects an if/if-let's consequence block and, through
// its else_clause, follows an else-if chain down to the final else block.
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

	for _, child := range common.NamedChildren(alt) {
		switch child.Type() {
		case "if_expression", "if_let_expression":
			out = append(out, ifNestedBodies(child)...)
		case "block":
			out = append(out, common.NamedChildren(child))
		}
	}

	return out
}

// matchNestedBodies walks a match_expression's arms, recursing into any
// arm whose value is itself a block (`pattern => { ... }`); an arm whose
// value is a single expression has no statement list to descend into.
func matchNestedBodies(stmt sitter.Node) [][]sitter.Node {
	body := stmt.ChildByFieldName("body")
	if body.IsNull() {
		return nil
	}

	var out [][]sitter.Node

	for _, arm := range common.NamedChildren(body) {
		if arm.Type() != "match_arm" {
			continue
		}

		value := arm.ChildByFieldName("value")
		if value.IsNull() || value.Type() != "block" {
			continue
		}

		out = append(out, common.NamedChildren(value))
	}

	return out
}

// macroName reports the bare macro name of a macro_invocation node, e.g.
// "assert_eq" for `assert_eq!(a, b)`.
func macroName(call sitter.Node, file *span.SourceFile) (string, bool) {
	if call.Type() != "macro_invocation" {
		return "", false
	}

	macro := call.ChildByFieldName("macro")
	if macro.IsNull() {
		return "", false
	}

	return common.Text(file, macro), true
}

// soleCall recognizes a bare call/method-call statement (`s.foo();`) and a
// single-binding `let` whose value is a single call (`let s = Session::new();`).
// A destructuring or multi-value pattern is left to IsDeclaration, since
// unpacking its call would leave other bindings pointing at a blanked
// value with no data-flow check to validate that's sound.
func soleCall(stmt sitter.Node) (sitter.Node, bool) {
	switch stmt.Type() {
	case "expression_statement":
		if stmt.NamedChildCount() != 1 {
			return sitter.Node{}, false
		}

		expr := stmt.NamedChild(0)
		if isCallShape(expr) {
			return expr, true
		}

		return sitter.Node{}, false

	case "let_declaration":
		pattern := stmt.ChildByFieldName("pattern")
		value := stmt.ChildByFieldName("value")

		if pattern.IsNull() || value.IsNull() {
			return sitter.Node{}, false
		}

		if pattern.Type() != "identifier" {
			return sitter.Node{}, false
		}

		if isCallShape(value) {
			return value, true
		}

		return sitter.Node{}, false

	default:
		return sitter.Node{}, false
	}
}

func isCallShape(n sitter.Node) bool {
	switch n.Type() {
	case "call_expression", "method_call_expression", "macro_invocation":
		return true
	default:
		return false
	}
}

// callPath reconstructs a dotted path for the ignore engine: a macro's
// bare name is handled separately via MatchesMacro. call_expression paths
// (`Type::new`, plain functions) and method_call_expression paths
// (`recv.method`) are both reported here; MatchesMethod only ever looks at
// the trailing segment, so a receiver-qualified method path still matches
// a bare ignored-method pattern like "unwrap".
func callPath(call sitter.Node, file *span.SourceFile) (string, bool) {
	switch call.Type() {
	case "call_expression":
		fn := call.ChildByFieldName("function")
		if fn.IsNull() {
			return "", false
		}

		return common.Text(file, fn), true

	case "method_call_expression":
		receiver := call.ChildByFieldName("receiver")
		name := call.ChildByFieldName("name")

		if receiver.IsNull() || name.IsNull() {
			return "", false
		}

		return common.Text(file, receiver) + "." + common.Text(file, name), true

	default:
		return "", false
	}
}

func findCalls(n sitter.Node) []sitter.Node {
	var out []sitter.Node

	var walk func(sitter.Node)

	walk = func(cur sitter.Node) {
		switch cur.Type() {
		case "call_expression", "method_call_expression":
			out = append(out, cur)
		case "macro_invocation":
			// Macro invocations are matched against ignored_macros by the
			// caller via Backend.DefaultIgnoreRules, not through CallPath;
			// they are still reported here so they can become candidates
			// (or be filtered) like any other call shape.
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
