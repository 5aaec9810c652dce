// Package backend defines the capability set every framework parser
// implements. Six concrete backends (Rust, Go, Foundry, Anchor-TS,
// Hardhat-TS, Vitest) satisfy this one interface; there is no base type or
// inheritance hierarchy — callers hold a Backend and never know which
// concrete implementation they have.
package backend

import (
	"context"

	"github.com/trailofbits/necessist/internal/candidate"
	"github.com/trailofbits/necessist/internal/ignore"
	"github.com/trailofbits/necessist/pkg/span"
)

// CommandLine is an external command to exec, e.g. `cargo test --
// session::login::test_login`.
type CommandLine struct {
	Program string
	Args    []string
}

// ParseResult is what Parse returns for one file: the tests it defines and
// the candidates discovered inside their bodies.
type ParseResult struct {
	Tests      []candidate.Test
	Candidates []candidate.Candidate
}

// Backend is the capability set a framework parser advertises. Framework
// name is exposed via Name() for --framework selection and diagnostics.
type Backend interface {
	// Name is the backend's CLI-facing identifier: rust, go, foundry,
	// anchor, hardhat, vitest.
	Name() string

	// Applicable detects the framework's presence under root (manifest
	// files, characteristic extensions).
	Applicable(root string) bool

	// Parse parses one file and returns its tests and candidates. It reads
	// nothing from disk (file already holds the content) and returns an
	// error when tree-sitter fails to produce a tree for it.
	Parse(ctx context.Context, file *span.SourceFile) (ParseResult, error)

	// TestCommand produces the external command that runs exactly the
	// given set of test ids, with trailing user args appended.
	TestCommand(testIDs []string, trailingArgs []string) CommandLine

	// BuildCommand optionally produces a build-only command used as a
	// fast-fail before TestCommand. Returns ok=false when the backend has
	// no separate build step.
	BuildCommand(testIDs []string) (cmd CommandLine, ok bool)

	// IgnoredPathDisambiguation reports how this backend resolves
	// ambiguous dotted call paths against the ignore-rules engine.
	IgnoredPathDisambiguation() ignore.Disambiguation

	// DefaultIgnoreRules returns the backend's built-in ignored
	// functions/methods/macros, merged with user configuration by the
	// caller before constructing an ignore.Matcher.
	DefaultIgnoreRules() ignore.Rules

	// SentinelStatement returns a syntactically valid statement, in this
	// backend's language, that writes id to stderr followed by a
	// newline. The dry-run coordinator inserts one at the start of each
	// candidate's line in the project's own source files (journaling their
	// original bytes and restoring them afterwards) so that running the
	// test suite once reveals, from the captured stderr stream, exactly
	// which tests execute which spans.
	SentinelStatement(id string) string
}

// MatcherAware is implemented by every concrete backend alongside Backend
// itself. Parse only ever sees a backend's own built-in ignore rules;
// callers that have merged those defaults with a project's necessist.toml
// overrides call ParseWithMatcher directly instead, via this interface.
type MatcherAware interface {
	ParseWithMatcher(ctx context.Context, file *span.SourceFile, matcher *ignore.Matcher, disambig ignore.Disambiguation) (ParseResult, error)
}
