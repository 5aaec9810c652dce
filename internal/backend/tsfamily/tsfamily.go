// Package tsfamily implements the three swc_core-specified backends that
// share one grammar and one Mocha-style test shape: Anchor-TS, Hardhat-TS,
// and Vitest. All three parse with the tree-sitter TypeScript grammar
// (.tsx files included) and discover tests as `it("name", () => { ... })`
// / `test("name", ...)` calls; they differ only in framework detection
// (Applicable) and in the build and test command lines they produce.
package tsfamily

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

// framework distinguishes the three concrete backends that share this
// package's parsing logic but differ in applicability detection and the
// command lines they produce.
type framework int

const (
	anchor framework = iota
	hardhat
	vitest
)

// Backend implements backend.Backend for one of Anchor-TS, Hardhat-TS, or
// Vitest.
type Backend struct {
	kind framework
}

// NewAnchor constructs the Anchor-TS backend (`anchor test`).
func NewAnchor() *Backend { return &Backend{kind: anchor} }

// NewHardhat constructs the Hardhat-TS backend (`npx hardhat test`).
func NewHardhat() *Backend { return &Backend{kind: hardhat} }

// NewVitest constructs the Vitest backend (`pnpm vitest run`).
func NewVitest() *Backend { return &Backend{kind: vitest} }

func (b *Backend) Name() string {
	switch b.kind {
	case anchor:
		return "anchor"
	case hardhat:
		return "hardhat"
	default:
		return "vitest"
	}
}

// Applicable detects each framework's manifest: Anchor.toml for Anchor,
// hardhat.config.{js,ts,cjs,cts} for Hardhat, vitest.config.{js,ts,mjs,mts}
// for Vitest.
func (b *Backend) Applicable(root string) bool {
	switch b.kind {
	case anchor:
		return fileExists(root, "Anchor.toml")
	case hardhat:
		return fileExistsAny(root, "hardhat.config.js", "hardhat.config.ts", "hardhat.config.cjs", "hardhat.config.cts")
	default:
		return fileExistsAny(root, "vitest.config.js", "vitest.config.ts", "vitest.config.mjs", "vitest.config.mts")
	}
}

func fileExists(root, name string) bool {
	_, err := os.Stat(filepath.Join(root, name))
	return err == nil
}

func fileExistsAny(root string, names ...string) bool {
	for _, name := range names {
		if fileExists(root, name) {
			return true
		}
	}

	return false
}

// IgnoredPathDisambiguation is Either: `console.log` and a receiver's
// `.toString()` read identically as a member-expression callee.
func (b *Backend) IgnoredPathDisambiguation() ignore.Disambiguation { return ignore.Either }

// DefaultIgnoreRules is the Anchor-TS/Hardhat-TS/Vitest row of the
// candidate-rules table, shared by all three frameworks.
func (b *Backend) DefaultIgnoreRules() ignore.Rules {
	return ignore.Rules{
		Functions: []string{"assert", "assert.*", "console.*", "expect"},
		Methods:   []string{"toNumber", "toString"},
	}
}

// SentinelStatement emits id to stderr via console.error, available
// unimported in every Mocha/Vitest test body.
func (b *Backend) SentinelStatement(id string) string {
	return fmt.Sprintf("console.error(%q);", id)
}

func (b *Backend) TestCommand(testIDs []string, trailingArgs []string) backend.CommandLine {
	grep := strings.Join(testIDs, "|")

	switch b.kind {
	case anchor:
		args := []string{"test", "--", "--grep", grep}
		args = append(args, trailingArgs...)

		return backend.CommandLine{Program: "anchor", Args: args}
	case hardhat:
		args := []string{"hardhat", "test", "--grep", grep}
		args = append(args, trailingArgs...)

		return backend.CommandLine{Program: "npx", Args: args}
	default:
		args := []string{"vitest", "run", "-t", grep}
		args = append(args, trailingArgs...)

		return backend.CommandLine{Program: "pnpm", Args: args}
	}
}

func (b *Backend) BuildCommand(testIDs []string) (backend.CommandLine, bool) {
	switch b.kind {
	case anchor:
		return backend.CommandLine{Program: "anchor", Args: []string{"build"}}, true
	case hardhat:
		return backend.CommandLine{Program: "npx", Args: []string{"hardhat", "compile"}}, true
	default:
		return backend.CommandLine{}, false
	}
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

// ParseWithMatcher walks the whole file looking for `it`/`test` calls
// (however deeply nested inside `describe` blocks) whose second argument
// is a function body, treating each as one test.
func ParseWithMatcher(ctx context.Context, file *span.SourceFile, matcher *ignore.Matcher, disambig ignore.Disambiguation) (backend.ParseResult, error) {
	tree, err := treesitter.Parse(ctx, treesitter.TypeScript, file.Content())
	if err != nil {
		return backend.ParseResult{}, fmt.Errorf("parse %s: %w", file.Path(), err)
	}
	defer tree.Close()

	helpers := helperBodies(tree.RootNode(), file)
	rule := statementRule(matcher, helpers)

	var result backend.ParseResult

	var walk func(n sitter.Node)

	walk = func(n sitter.Node) {
		if nameNode, bodyNode, ok := testCall(n, file); ok {
			testID := stringLiteralValue(common.Text(file, nameNode))

			nameSpan, spanErr := common.NodeSpan(file, nameNode)
			if spanErr == nil {
				test := candidate.Test{ID: testID, FilePath: file.Path(), NameSpan: nameSpan}

				if bodySpan, bodyErr := common.NodeSpan(file, bodyNode); bodyErr == nil {
					test.BodySpan = bodySpan
				}

				result.Tests = append(result.Tests, test)
			}

			stmts := common.NamedChildren(bodyNode)

			cands, classifyErr := common.ClassifyStatements(file, stmts, rule, matcher, disambig)
			if classifyErr == nil {
				result.Candidates = append(result.Candidates, cands...)
			}
		}

		for _, child := range common.NamedChildren(n) {
			walk(child)
		}
	}

	walk(tree.RootNode())

	return result, nil
}

// testCall recognizes `it("name", fn)` / `test("name", fn)` (and their
// `.only`/`.skip` variants), returning the string-literal name argument
// and the function's statement_block body.
func testCall(n sitter.Node, file *span.SourceFile) (nameNode, bodyNode sitter.Node, ok bool) {
	if n.Type() != "call_expression" {
		return sitter.Node{}, sitter.Node{}, false
	}

	fn := n.ChildByFieldName("function")
	if fn.IsNull() {
		return sitter.Node{}, sitter.Node{}, false
	}

	callee := fn
	if fn.Type() == "member_expression" {
		callee = fn.ChildByFieldName("object")
	}

	if callee.IsNull() || callee.Type() != "identifier" {
		return sitter.Node{}, sitter.Node{}, false
	}

	name := common.Text(file, callee)
	if name != "it" && name != "test" {
		return sitter.Node{}, sitter.Node{}, false
	}

	args := n.ChildByFieldName("arguments")
	if args.IsNull() {
		return sitter.Node{}, sitter.Node{}, false
	}

	argList := common.NamedChildren(args)
	if len(argList) < 2 {
		return sitter.Node{}, sitter.Node{}, false
	}

	nameArg := argList[0]
	if nameArg.Type() != "string" && nameArg.Type() != "template_string" {
		return sitter.Node{}, sitter.Node{}, false
	}

	fnArg := argList[1]

	var body sitter.Node

	switch fnArg.Type() {
	case "arrow_function", "function_expression":
		body = fnArg.ChildByFieldName("body")
	default:
		return sitter.Node{}, sitter.Node{}, false
	}

	if body.IsNull() || body.Type() != "statement_block" {
		return sitter.Node{}, sitter.Node{}, false
	}

	return nameArg, body, true
}

// stringLiteralValue strips the surrounding quote characters tree-sitter
// keeps as part of a string node's text.
func stringLiteralValue(raw string) string {
	if len(raw) >= 2 {
		return raw[1 : len(raw)-1]
	}

	return raw
}

// helperBodies maps every top-level `function name(...) { ... }`
// declaration's name to its body's statement list, so a
// walkable_functions match can be resolved to an in-file function without
// re-walking the tree. Arrow-function helpers bound with `const` are left
// unresolved: there is no single node type to key a name/body pair off
// without risking a false match on an unrelated callback variable.
func helperBodies(root sitter.Node, file *span.SourceFile) map[string][]sitter.Node {
	helpers := map[string][]sitter.Node{}

	for _, decl := range common.NamedChildren(root) {
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

func statementRule(matcher *ignore.Matcher, helpers map[string][]sitter.Node) common.StatementRule {
	return common.StatementRule{
		IsDeclaration: func(stmt sitter.Node) bool {
			switch stmt.Type() {
			case "lexical_declaration", "variable_declaration":
				return true
			default:
				return false
			}
		},
		IsControlFlowExit: func(stmt sitter.Node) bool {
			switch stmt.Type() {
			case "return_statement", "break_statement", "continue_statement":
				return true
			default:
				return false
			}
		},
		IsCompoundStatement: func(stmt sitter.Node) bool {
			switch stmt.Type() {
			case "if_statement", "for_statement", "for_in_statement", "while_statement",
				"do_statement", "try_statement", "switch_statement", "statement_block":
				return true
			default:
				return false
			}
		},
		ExtraIgnored: func(stmt sitter.Node, _ *span.SourceFile) bool {
			return stmt.Type() == "throw_statement"
		},
		SoleCall:     soleCall,
		CallPath:     callPath,
		NestedCalls:  findCalls,
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
// statement so ClassifyStatements recurses into loop/if/try/switch bodies
// instead of treating them as opaque — otherwise a `describe`/`it` body's
// `for (const tt of cases) { ... }` table-driven pattern hides every
// candidate inside the loop.
func nestedBodies(stmt sitter.Node) [][]sitter.Node {
	switch stmt.Type() {
	case "statement_block":
		return [][]sitter.Node{common.NamedChildren(stmt)}
	case "for_statement", "for_in_statement", "while_statement", "do_statement":
		body := stmt.ChildByFieldName("body")
		if body.IsNull() {
			return nil
		}

		return [][]sitter.Node{bodyOrSingleton(body)}
	case "if_statement":
		return ifNestedBodies(stmt)
	case "try_statement":
		return tryNestedBodies(stmt)
	case "switch_statement":
		return switchNestedBodies(stmt)
	default:
		return nil
	}
}

// bodyOrSingleton handles JS/TS's braceless single-statement bodies
// (`if (x) return;`): a block's own children are the statement list; any
// other node is itself the sole statement of a one-element list.
func bodyOrSingleton(n sitter.Node) []sitter.Node {
	if n.Type() == "statement_block" {
		return common.NamedChildren(n)
	}

	return []sitter.Node{n}
}

// ifNestedBodies collects an if's consequence and follows its alternative
// down an else-if chain to the final else branch, if any.
func ifNestedBodies(stmt sitter.Node) [][]sitter.Node {
	var out [][]sitter.Node

	cons := stmt.ChildByFieldName("consequence")
	if !cons.IsNull() {
		out = append(out, bodyOrSingleton(cons))
	}

	alt := stmt.ChildByFieldName("alternative")
	if alt.IsNull() {
		return out
	}

	if alt.Type() == "if_statement" {
		return append(out, ifNestedBodies(alt)...)
	}

	return append(out, bodyOrSingleton(alt))
}

// tryNestedBodies walks a try_statement's body plus its catch handler and
// finally block, when present.
func tryNestedBodies(stmt sitter.Node) [][]sitter.Node {
	var out [][]sitter.Node

	if body := stmt.ChildByFieldName("body"); !body.IsNull() {
		out = append(out, common.NamedChildren(body))
	}

	if handler := stmt.ChildByFieldName("handler"); !handler.IsNull() {
		if hb := handler.ChildByFieldName("body"); !hb.IsNull() {
			out = append(out, common.NamedChildren(hb))
		}
	}

	if fin := stmt.ChildByFieldName("finalizer"); !fin.IsNull() {
		out = append(out, common.NamedChildren(fin))
	}

	return out
}

// switchNestedBodies walks each case/default clause's statement list.
func switchNestedBodies(stmt sitter.Node) [][]sitter.Node {
	body := stmt.ChildByFieldName("body")
	if body.IsNull() {
		return nil
	}

	var out [][]sitter.Node

	for _, clause := range common.NamedChildren(body) {
		switch clause.Type() {
		case "switch_case", "switch_default":
			out = append(out, common.NamedChildren(clause))
		}
	}

	return out
}

// soleCall recognizes a bare call statement (`vault.withdraw(amt);`) and a
// single-binding `const`/`let` whose initializer is a single call
// (`const balance = await token.balanceOf(owner);` — `await` wraps the
// call but doesn't change its shape). Destructuring bindings
// (`const [a, b] = f();`) and multi-declarator statements
// (`let x = f(), y = g();`) are left to the declaration omission.
func soleCall(stmt sitter.Node) (sitter.Node, bool) {
	switch stmt.Type() {
	case "expression_statement":
		if stmt.NamedChildCount() != 1 {
			return sitter.Node{}, false
		}

		if call, ok := unwrapAwait(stmt.NamedChild(0)); ok {
			return call, true
		}

		return sitter.Node{}, false

	case "lexical_declaration", "variable_declaration":
		declarators := common.NamedChildren(stmt)
		if len(declarators) != 1 || declarators[0].Type() != "variable_declarator" {
			return sitter.Node{}, false
		}

		name := declarators[0].ChildByFieldName("name")
		value := declarators[0].ChildByFieldName("value")

		if name.IsNull() || value.IsNull() || name.Type() != "identifier" {
			return sitter.Node{}, false
		}

		if call, ok := unwrapAwait(value); ok {
			return call, true
		}

		return sitter.Node{}, false

	default:
		return sitter.Node{}, false
	}
}

func unwrapAwait(n sitter.Node) (sitter.Node, bool) {
	if n.Type() == "await_expression" {
		if n.NamedChildCount() != 1 {
			return sitter.Node{}, false
		}

		n = n.NamedChild(0)
	}

	if n.Type() == "call_expression" {
		return n, true
	}

	return sitter.Node{}, false
}

// callPath reconstructs the dotted path of a call's callee: a bare
// identifier yields a bare name; a member expression (`console.log`,
// `token.toNumber`) yields its full source text.
func callPath(call sitter.Node, file *span.SourceFile) (string, bool) {
	fn := call.ChildByFieldName("function")
	if fn.IsNull() {
		return "", false
	}

	switch fn.Type() {
	case "identifier", "member_expression":
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
