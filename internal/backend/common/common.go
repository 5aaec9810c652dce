// Package common holds the tree-walking utilities shared by every
// backend's candidate discovery: building a Candidate from a node's byte
// range, recognizing the "sole call expression" shape, and applying the
// common omissions from the candidate rules table (declarations,
// control-flow exits, compound statements, the last statement of a test
// body, and ignore-pattern matches) so each backend only has to supply its
// language-specific node-type predicates.
package common

import (
	sitter "github.com/alexaandru/go-tree-sitter-bare"

	"github.com/trailofbits/necessist/internal/candidate"
	"github.com/trailofbits/necessist/internal/ignore"
	"github.com/trailofbits/necessist/pkg/span"
)

// NodeSpan converts a tree-sitter node's byte range into a pkg/span.Span
// against file.
func NodeSpan(file *span.SourceFile, n sitter.Node) (span.Span, error) {
	return span.New(file, int(n.StartByte()), int(n.EndByte()))
}

// Text returns the file's bytes covered by n.
func Text(file *span.SourceFile, n sitter.Node) string {
	return string(file.Content()[n.StartByte():n.EndByte()])
}

// NamedChildren returns all named children of n as a slice, for callers
// that want to index/slice rather than loop field-by-field.
func NamedChildren(n sitter.Node) []sitter.Node {
	count := n.NamedChildCount()
	out := make([]sitter.Node, 0, count)

	for i := uint32(0); i < count; i++ {
		out = append(out, n.NamedChild(i))
	}

	return out
}

// StatementRule is the set of language-specific predicates a backend
// supplies to classify one statement node within a test body.
type StatementRule struct {
	// IsDeclaration reports local bindings, const/type/variable decls.
	IsDeclaration func(stmt sitter.Node) bool
	// IsControlFlowExit reports break/continue/return.
	IsControlFlowExit func(stmt sitter.Node) bool
	// IsCompoundStatement reports for/while/if/try/block statements that
	// contain other statements.
	IsCompoundStatement func(stmt sitter.Node) bool
	// ExtraIgnored reports a backend-specific extra-ignored statement
	// shape (e.g. Go's `defer`, TS's `throw`, Foundry's emit/vm.prank
	// follow-on).
	ExtraIgnored func(stmt sitter.Node, file *span.SourceFile) bool
	// SoleCall reports whether stmt is, itself, nothing but a single call
	// or method-call expression (e.g. `x.foo();`), returning that call
	// node. When true the statement is represented as a MethodCall
	// candidate rather than a Statement candidate.
	SoleCall func(stmt sitter.Node) (call sitter.Node, ok bool)
	// CallPath reconstructs the dotted identifier path for a call node
	// (e.g. `token.transfer`, `console.log`), checked against
	// ignored_functions/ignored_methods per Backend.IgnoredPathDisambiguation.
	CallPath func(call sitter.Node, file *span.SourceFile) (path string, ok bool)
	// NestedCalls finds every call/method-call expression nested inside
	// stmt (excluding stmt itself when SoleCall already matched it), used
	// to emit MethodCall candidates for calls embedded in a kept
	// statement, e.g. `let ok = vault.withdraw(amt);`.
	NestedCalls func(stmt sitter.Node) []sitter.Node
	// MacroName reports the bare name of a macro invocation node (Rust
	// only), checked against ignored_macros rather than CallPath's
	// function/method lists.
	MacroName func(call sitter.Node, file *span.SourceFile) (name string, ok bool)
	// ResolveWalkable looks call up against the project's
	// walkable_functions patterns (matcher.MatchesWalkable); when the
	// call's
	// bare name matches and resolves to a function declared in the same
	// file, it returns that function's body statement list so
	// ClassifyStatements can walk into it too (the opt-in intraprocedural
	// walk). ok is false for any call that doesn't resolve to a walkable,
	// in-file function — the overwhelmingly common case, and the only
	// one nil ResolveWalkable (no walkable_functions configured) need
	// handle.
	ResolveWalkable func(call sitter.Node, file *span.SourceFile) (body []sitter.Node, ok bool)
	// NestedBodies returns the statement lists nested directly inside a
	// compound statement (a stmt for which IsCompoundStatement reported
	// true): an if's consequence/alternative blocks (following an
	// else-if chain), a loop's body block, a bare block's own children,
	// a switch's case clauses. ClassifyStatements recurses into each
	// returned list with the same rule, so a candidate nested inside a
	// for/if/while/block is still discovered — only the compound
	// statement node itself is excluded from candidacy. A nil
	// NestedBodies (or one returning nothing) leaves the old
	// skip-entirely behavior for that node type.
	NestedBodies func(stmt sitter.Node) [][]sitter.Node
}

// ClassifyStatements walks the direct statement children of a test body,
// applying the common omissions (spec §4.2) and each backend's extra
// rules, recursing into any compound statement's nested bodies via
// rule.NestedBodies, and returns the Statement/MethodCall candidates that
// survive. stmts must be in source order; the last element is the test
// body's last statement, which is never a candidate itself (a compound
// last statement still has its nested bodies walked).
func ClassifyStatements(
	file *span.SourceFile,
	stmts []sitter.Node,
	rule StatementRule,
	matcher *ignore.Matcher,
	disambig ignore.Disambiguation,
) ([]candidate.Candidate, error) {
	return classifyStatementList(file, stmts, rule, matcher, disambig, true)
}

// classifyStatementList is ClassifyStatements' recursive core. skipLast is
// true only for a test body's own direct statements: the "last statement
// of a test body" omission (spec §4.2) never applies to a nested body's
// last statement, which carries no such weakest-precondition guarantee
// (e.g. the last statement inside a loop body runs every iteration and can
// easily be a meaningful assertion).
func classifyStatementList(
	file *span.SourceFile,
	stmts []sitter.Node,
	rule StatementRule,
	matcher *ignore.Matcher,
	disambig ignore.Disambiguation,
	skipLast bool,
) ([]candidate.Candidate, error) {
	var out []candidate.Candidate

	last := len(stmts) - 1

	for i, stmt := range stmts {
		// The last statement of a test body is never a candidate; a compound
		// last statement falls through so its nested bodies are walked.
		if skipLast && i == last && (rule.IsCompoundStatement == nil || !rule.IsCompoundStatement(stmt)) {
			continue
		}

		// SoleCall is checked before the declaration/control-flow/compound
		// omissions: a binding whose entire right-hand side is a single
		// call to a single target (`x := foo()`, `x.foo();`) is itself
		// the interesting content, and is reported as MethodCall
		// candidates (the call itself plus any calls nested in its
		// arguments or receiver chain) even though its node type would
		// otherwise read as a declaration. A plain declaration or a
		// multi-value binding falls through to the omission checks below
		// and yields nothing.
		if rule.SoleCall != nil {
			if _, ok := rule.SoleCall(stmt); ok {
				var calls []sitter.Node
				if rule.NestedCalls != nil {
					calls = rule.NestedCalls(stmt)
				}

				for _, call := range calls {
					cands, err := expandCall(file, call, rule, matcher, disambig)
					if err != nil {
						return nil, err
					}

					out = append(out, cands...)
				}

				continue
			}
		}

		if rule.IsDeclaration != nil && rule.IsDeclaration(stmt) {
			continue
		}

		if rule.IsControlFlowExit != nil && rule.IsControlFlowExit(stmt) {
			continue
		}

		if rule.IsCompoundStatement != nil && rule.IsCompoundStatement(stmt) {
			if rule.NestedBodies != nil {
				for _, body := range rule.NestedBodies(stmt) {
					nested, err := classifyStatementList(file, body, rule, matcher, disambig, false)
					if err != nil {
						return nil, err
					}

					out = append(out, nested...)
				}
			}

			continue
		}

		if rule.ExtraIgnored != nil && rule.ExtraIgnored(stmt, file) {
			continue
		}

		cands, err := classifyOne(file, stmt, rule, matcher, disambig)
		if err != nil {
			return nil, err
		}

		out = append(out, cands...)
	}

	return out, nil
}

// classifyOne handles every statement that ClassifyStatements has already
// determined is not a SoleCall shape: it always yields a Statement
// candidate for stmt itself, plus a MethodCall candidate for every call
// expression nested inside it (e.g. the `foo()` in `x = foo() + 1`).
func classifyOne(
	file *span.SourceFile,
	stmt sitter.Node,
	rule StatementRule,
	matcher *ignore.Matcher,
	disambig ignore.Disambiguation,
) ([]candidate.Candidate, error) {
	var out []candidate.Candidate

	sp, err := NodeSpan(file, stmt)
	if err != nil {
		return nil, err
	}

	out = append(out, candidate.NewCandidate(sp, candidate.Statement, Text(file, stmt)))

	if rule.NestedCalls != nil {
		for _, call := range rule.NestedCalls(stmt) {
			cands, err := expandCall(file, call, rule, matcher, disambig)
			if err != nil {
				return nil, err
			}

			out = append(out, cands...)
		}
	}

	return out, nil
}

// expandCall builds the MethodCall candidate for call (methodCallCandidate,
// unless an ignore pattern suppresses it) plus, when call resolves to a
// walkable in-file helper function, every candidate discovered by walking
// that helper's own body.
func expandCall(
	file *span.SourceFile,
	call sitter.Node,
	rule StatementRule,
	matcher *ignore.Matcher,
	disambig ignore.Disambiguation,
) ([]candidate.Candidate, error) {
	var out []candidate.Candidate

	cand, skip, err := methodCallCandidate(file, call, rule, matcher, disambig)
	if err != nil {
		return nil, err
	}

	if !skip {
		out = append(out, cand)
	}

	if rule.ResolveWalkable != nil {
		if body, ok := rule.ResolveWalkable(call, file); ok {
			nested, err := classifyStatementList(file, body, rule, matcher, disambig, false)
			if err != nil {
				return nil, err
			}

			out = append(out, nested...)
		}
	}

	return out, nil
}

func methodCallCandidate(
	file *span.SourceFile,
	call sitter.Node,
	rule StatementRule,
	matcher *ignore.Matcher,
	disambig ignore.Disambiguation,
) (candidate.Candidate, bool, error) {
	if rule.MacroName != nil && matcher != nil {
		if name, ok := rule.MacroName(call, file); ok {
			if matcher.MatchesMacro(name) {
				return candidate.Candidate{}, true, nil
			}

			sp, err := NodeSpan(file, call)
			if err != nil {
				return candidate.Candidate{}, false, err
			}

			return candidate.NewCandidate(sp, candidate.MethodCall, Text(file, call)), false, nil
		}
	}

	if rule.CallPath != nil && matcher != nil {
		if path, ok := rule.CallPath(call, file); ok && matcher.MatchesPath(path, disambig) {
			return candidate.Candidate{}, true, nil
		}
	}

	sp, err := NodeSpan(file, call)
	if err != nil {
		return candidate.Candidate{}, false, err
	}

	return candidate.NewCandidate(sp, candidate.MethodCall, Text(file, call)), false, nil
}
