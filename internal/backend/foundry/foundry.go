// Package foundry implements the Foundry/Solidity backend: `forge test`,
// parsed with the tree-sitter Solidity grammar.
package foundry

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

// Backend implements backend.Backend for Foundry, using `forge test`.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "foundry" }

// Applicable reports whether root contains a foundry.toml.
func (b *Backend) Applicable(root string) bool {
	_, err := os.Stat(filepath.Join(root, "foundry.toml"))
	return err == nil
}

// IgnoredPathDisambiguation is Either: `vm.prank` and `token.transfer` read
// identically in Solidity's grammar (both a member-expression callee), so
// an ignored path must be checked regardless of which of the two lists it
// was authored against.
func (b *Backend) IgnoredPathDisambiguation() ignore.Disambiguation { return ignore.Either }

// DefaultIgnoreRules is the Foundry row of the candidate-rules table. The
// table does not split Foundry's ignored paths into function/method
// lists the way Go and Rust do, so they are carried entirely as Functions
// patterns; Either disambiguation means that placement doesn't change
// which calls are filtered.
func (b *Backend) DefaultIgnoreRules() ignore.Rules {
	return ignore.Rules{
		Functions: []string{
			"assert*", "vm.expect*", "console.log*", "console2.log*",
			"vm.getLabel", "vm.label",
		},
	}
}

// SentinelStatement emits id to stderr via forge-std's console2, which
// forge test always makes available without an explicit import in the
// contract under test (forge-std is a dev dependency of every Foundry
// project already).
func (b *Backend) SentinelStatement(id string) string {
	return fmt.Sprintf("console2.logString(%q);", id)
}

func (b *Backend) TestCommand(testIDs []string, trailingArgs []string) backend.CommandLine {
	args := []string{"test", "--match-test", strings.Join(testIDs, "|")}
	args = append(args, trailingArgs...)

	return backend.CommandLine{Program: "forge", Args: args}
}

func (b *Backend) BuildCommand(testIDs []string) (backend.CommandLine, bool) {
	return backend.CommandLine{Program: "forge", Args: []string{"build"}}, true
}

func (b *Backend) Parse(ctx context.Context, file *span.SourceFile) (backend.ParseResult, error) {
	return ParseWithMatcher(ctx, file, ignore.Compile(b.DefaultIgnoreRules()), ignore.Either)
}

// ParseWithMatcher implements backend.MatcherAware, checking matcher under
// the caller-resolved disambiguation mode.
func (b *Backend) ParseWithMatcher(ctx context.Context, file *span.SourceFile, matcher *ignore.Matcher, disambig ignore.Disambiguation) (backend.ParseResult, error) {
	return ParseWithMatcher(ctx, file, matcher, disambig)
}

// ParseWithMatcher walks every test* function of every contract in file.
// Foundry's convention (not Go's testing package) is the test: any
// function whose name begins with "test" inside a contract body, except
// the `setUp` fixture.
func ParseWithMatcher(ctx context.Context, file *span.SourceFile, matcher *ignore.Matcher, disambig ignore.Disambiguation) (backend.ParseResult, error) {
	tree, err := treesitter.Parse(ctx, treesitter.Solidity, file.Content())
	if err != nil {
		return backend.ParseResult{}, fmt.Errorf("parse %s: %w", file.Path(), err)
	}
	defer tree.Close()

	contracts := common.NamedChildren(tree.RootNode())
	helpers := helperBodies(contracts, file)

	var result backend.ParseResult

	for _, top := range contracts {
		if top.Type() != "contract_declaration" {
			continue
		}

		contractBody := top.ChildByFieldName("body")
		if contractBody.IsNull() {
			contractBody = top
		}

		for _, member := range common.NamedChildren(contractBody) {
			if member.Type() != "function_definition" {
				continue
			}

			testID, ok := testFunctionName(member, file)
			if !ok {
				continue
			}

			nameNode := member.ChildByFieldName("name")
			if nameNode.IsNull() {
				continue
			}

			nameSpan, err := common.NodeSpan(file, nameNode)
			if err != nil {
				return backend.ParseResult{}, err
			}

			test := candidate.Test{ID: testID, FilePath: file.Path(), NameSpan: nameSpan}

			body := member.ChildByFieldName("body")
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

			cands, err := common.ClassifyStatements(file, stmts, statementRule(stmts, file, matcher, helpers), matcher, disambig)
			if err != nil {
				return backend.ParseResult{}, err
			}

			result.Candidates = append(result.Candidates, cands...)
		}
	}

	return result, nil
}

func testFunctionName(fn sitter.Node, file *span.SourceFile) (string, bool) {
	nameNode := fn.ChildByFieldName("name")
	if nameNode.IsNull() {
		return "", false
	}

	name := common.Text(file, nameNode)
	if !strings.HasPrefix(name, "test") || name == "setUp" {
		return "", false
	}

	return name, true
}

// helperBodies maps every contract's function_definition name to its
// body's statement list (across every contract in the file, since a test
// contract commonly inherits or calls helpers defined on a base test
// contract declared earlier in the same file), so a walkable_functions
// match can be resolved to an in-file function without re-walking the
// tree.
func helperBodies(contracts []sitter.Node, file *span.SourceFile) map[string][]sitter.Node {
	helpers := map[string][]sitter.Node{}

	for _, top := range contracts {
		if top.Type() != "contract_declaration" {
			continue
		}

		contractBody := top.ChildByFieldName("body")
		if contractBody.IsNull() {
			contractBody = top
		}

		for _, member := range common.NamedChildren(contractBody) {
			if member.Type() != "function_definition" {
				continue
			}

			nameNode := member.ChildByFieldName("name")
			if nameNode.IsNull() {
				continue
			}

			body := member.ChildByFieldName("body")
			if body.IsNull() {
				continue
			}

			helpers[common.Text(file, nameNode)] = common.NamedChildren(body)
		}
	}

	return helpers
}

// statementRule builds the classification rule for one function body.
// stmts is needed up front (rather than derived lazily per-statement) so
// the vm.prank/vm.expect* follow-on guard can be precomputed: the guard
// depends on the *previous* statement, which the common engine's
// per-statement predicates don't have access to.
func statementRule(stmts []sitter.Node, file *span.SourceFile, matcher *ignore.Matcher, helpers map[string][]sitter.Node) common.StatementRule {
	guarded := guardedFollowing(stmts, file)

	return common.StatementRule{
		IsDeclaration: func(stmt sitter.Node) bool {
			switch stmt.Type() {
			case "variable_declaration_statement", "variable_declaration_tuple":
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
			case "if_statement", "for_statement", "while_statement", "do_while_statement",
				"block", "unchecked_block", "try_statement":
				return true
			default:
				return false
			}
		},
		// ExtraIgnored's guarded check only ever fires for a statement
		// that ClassifyStatements's SoleCall check did *not* already
		// match: a guarded statement that is itself nothing but a call
		// (`token.transfer(bob, 1);`, as in the vm.prank scenario) is
		// already excluded from Statement-kind candidacy by the SoleCall
		// rule and still surfaces as a MethodCall candidate — the prank
		// guard only additionally excludes a guarded statement that
		// would otherwise have produced a Statement-kind candidate (a
		// declaration, compound statement, or anything more complex than
		// a bare call).
		ExtraIgnored: func(stmt sitter.Node, _ *span.SourceFile) bool {
			if stmt.Type() == "emit_statement" {
				return true
			}

			return guarded[stmt.StartByte()]
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
// statement so ClassifyStatements recurses into loop/if/try bodies
// instead of treating them as opaque.
func nestedBodies(stmt sitter.Node) [][]sitter.Node {
	switch stmt.Type() {
	case "block", "unchecked_block":
		return [][]sitter.Node{common.NamedChildren(stmt)}
	case "for_statement", "while_statement", "do_while_statement":
		body := stmt.ChildByFieldName("body")
		if body.IsNull() {
			return nil
		}

		return [][]sitter.Node{bodyOrSingleton(body)}
	case "if_statement":
		return ifNestedBodies(stmt)
	case "try_statement":
		return tryNestedBodies(stmt)
	default:
		return nil
	}
}

// bodyOrSingleton handles Solidity's braceless single-statement bodies
// (`if (x) revert();`): a block's own children are the statement list; any
// other node is itself the sole statement of a one-element list.
func bodyOrSingleton(n sitter.Node) []sitter.Node {
	if n.Type() == "block" || n.Type() == "unchecked_block" {
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

// tryNestedBodies walks a try_statement's own body plus every catch
// clause's body.
func tryNestedBodies(stmt sitter.Node) [][]sitter.Node {
	var out [][]sitter.Node

	if body := stmt.ChildByFieldName("body"); !body.IsNull() {
		out = append(out, common.NamedChildren(body))
	}

	for _, child := range common.NamedChildren(stmt) {
		if child.Type() != "catch_clause" {
			continue
		}

		if catchBody := child.ChildByFieldName("body"); !catchBody.IsNull() {
			out = append(out, common.NamedChildren(catchBody))
		}
	}

	return out
}

// guardedFollowing returns the set of statement start offsets that
// immediately follow a call to vm.prank(...) or any vm.expect*(...) — the
// statement the prank/expectation is guarding, which removal discovery
// must never touch since its outcome is meaningless without the guard.
func guardedFollowing(stmts []sitter.Node, file *span.SourceFile) map[uint32]bool {
	guarded := map[uint32]bool{}

	for i := 0; i+1 < len(stmts); i++ {
		if isGuardCall(stmts[i], file) {
			guarded[stmts[i+1].StartByte()] = true
		}
	}

	return guarded
}

func isGuardCall(stmt sitter.Node, file *span.SourceFile) bool {
	if stmt.Type() != "expression_statement" || stmt.NamedChildCount() != 1 {
		return false
	}

	call := peelCallOptions(stmt.NamedChild(0))
	if call.Type() != "call_expression" {
		return false
	}

	path, ok := callPath(call, file)
	if !ok {
		return false
	}

	return path == "vm.prank" || strings.HasPrefix(path, "vm.expect")
}

// soleCall recognizes a bare call statement (`token.transfer(bob, 1);`)
// and a single-binding local variable declaration whose initializer is a
// single call (`uint256 bal = token.balanceOf(bob);`). A tuple
// destructuring declaration is left to IsDeclaration, for the same
// soundness reason the Go and Rust backends exclude multi-value bindings.
func soleCall(stmt sitter.Node) (sitter.Node, bool) {
	switch stmt.Type() {
	case "expression_statement":
		if stmt.NamedChildCount() != 1 {
			return sitter.Node{}, false
		}

		call := peelCallOptions(stmt.NamedChild(0))
		if call.Type() == "call_expression" {
			return call, true
		}

		return sitter.Node{}, false

	case "variable_declaration_statement":
		if stmt.NamedChildCount() != 2 {
			return sitter.Node{}, false
		}

		decl := stmt.NamedChild(0)
		if decl.Type() != "variable_declaration" {
			return sitter.Node{}, false
		}

		value := peelCallOptions(stmt.NamedChild(1))
		if value.Type() == "call_expression" {
			return value, true
		}

		return sitter.Node{}, false

	default:
		return sitter.Node{}, false
	}
}

// peelCallOptions unwraps a `target.call{value: x}(data)`-style
// call-options wrapper node (Solidity's equivalent of solang-parser's
// FunctionCallBlock) down to the call_expression it wraps, so that node
// is reported as the candidate rather than the options block around it.
func peelCallOptions(n sitter.Node) sitter.Node {
	for strings.Contains(strings.ToLower(n.Type()), "call_options") ||
		strings.Contains(strings.ToLower(n.Type()), "call_option") {
		fn := n.ChildByFieldName("function")
		if fn.IsNull() && n.NamedChildCount() > 0 {
			fn = n.NamedChild(0)
		}

		if fn.IsNull() {
			break
		}

		n = fn
	}

	return n
}

// callPath reconstructs the dotted path of a call's callee: a bare
// identifier (`assertEq(...)`) or a member expression (`vm.prank(...)`,
// `token.transfer(...)`) are both reported as their full source text,
// since Solidity's grammar cannot distinguish a library/free-function
// call from a method-style call on a contract instance any more than
// Go's can.
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
