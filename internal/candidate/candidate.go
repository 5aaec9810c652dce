// Package candidate holds the backend-agnostic shapes every framework
// parser produces: tests, removable candidates, and trial outcomes. A
// backend never returns more than these three types; the scheduler,
// dry-run coordinator, and outcome store never see anything
// backend-specific.
package candidate

import (
	"strings"

	"github.com/trailofbits/necessist/pkg/span"
)

// Kind distinguishes the two removable shapes a backend can report.
type Kind int

const (
	// Statement is a whole statement that can be blanked out.
	Statement Kind = iota
	// MethodCall is a single method-call sub-expression within a larger
	// statement (e.g. the `token.transfer(...)` in an assignment).
	MethodCall
)

func (k Kind) String() string {
	switch k {
	case Statement:
		return "statement"
	case MethodCall:
		return "method-call"
	default:
		return "unknown"
	}
}

// Test identifies one test discovered in a source file: a backend-specific
// opaque id used to filter the runner's command line, the file it lives in,
// the span of its name (used for diagnostics and for locating the test
// body's last statement), and the span of its body. BodySpan is the zero
// Span (nil File) when a backend found no body to instrument — the
// dry-run coordinator then cannot bracket that test's sentinels and
// treats every candidate in the file conservatively.
type Test struct {
	ID       string
	FilePath string
	NameSpan span.Span
	BodySpan span.Span
}

// Candidate is one removable span a backend considers legal to mutate.
// Excerpt is the span's textual content, trimmed, computed once at
// discovery time so later stages never need to re-slice the source file.
type Candidate struct {
	Span    span.Span
	Kind    Kind
	Excerpt string
}

// NewCandidate trims the span's text into Excerpt.
func NewCandidate(sp span.Span, kind Kind, rawText string) Candidate {
	return Candidate{
		Span:    sp,
		Kind:    kind,
		Excerpt: strings.TrimSpace(rawText),
	}
}

// Outcome classifies a completed trial.
type Outcome string

const (
	Passed       Outcome = "passed"
	Failed       Outcome = "failed"
	TimedOut     Outcome = "timed-out"
	Nonbuildable Outcome = "nonbuildable"
	// Skipped is part of the outcome taxonomy and the store's CHECK
	// constraint, but no trial finishes with it today: a resumed span
	// that already has a stored outcome short-circuits runOne before any
	// outcome is computed (see the skipped bool return there) rather than
	// being reclassified as Skipped, and every other exit from runOne
	// lands on one of the other five values. It stays in the enum so a
	// future producer — e.g. a span explicitly excluded from a run via
	// some selection mechanism — has a value to report without a schema
	// migration.
	Skipped    Outcome = "skipped"
	Irrelevant Outcome = "irrelevant"
)

// Valid reports whether o is one of the six recognized outcome values —
// the same set the outcome store's CHECK constraint enforces.
func (o Outcome) Valid() bool {
	switch o {
	case Passed, Failed, TimedOut, Nonbuildable, Skipped, Irrelevant:
		return true
	default:
		return false
	}
}

// Less implements the canonical trial order: file path ascending, then span
// start offset ascending. The scheduler sorts candidates with this before
// processing so incremental and resumed runs stay reproducible.
func Less(a, b Candidate) bool {
	if a.Span.File.Path() != b.Span.File.Path() {
		return a.Span.File.Path() < b.Span.File.Path()
	}

	return a.Span.Start < b.Span.Start
}

// Removal is the durable record written to the outcome store for one
// candidate: its stable span key, trimmed excerpt, classified outcome, and
// permalink into the project's git remote.
type Removal struct {
	SpanKey string
	Excerpt string
	Outcome Outcome
	URL     string
}
