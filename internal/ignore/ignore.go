// Package ignore implements the glob-like dotted-path matcher used to
// decide whether a method call, function call, or macro invocation is
// exempt from candidate discovery. Patterns are tiny: letters, digits,
// underscore and `.` match literally; `*` matches any byte sequence,
// including empty.
package ignore

import (
	"regexp"
	"strings"
	"sync"
)

// Rules is one backend's (or one project's) ignore lists: function/module
// call paths, method call paths, and (Rust-only) macro names. A path like
// `a.b.c` is ambiguous between "call of function c in module a.b" and
// "method call c on object a.b" — Disambiguation decides which list it is
// checked against.
type Rules struct {
	Functions []string
	Methods   []string
	Macros    []string
	// Walkable holds walkable_functions glob patterns (spec's opt-in
	// intraprocedural walk): a bare call matching one of these, resolved
	// to a function declared in the same file, has its body walked for
	// nested candidates instead of being treated as an opaque leaf call.
	Walkable []string
}

// Merge returns the union of r and other, with other's entries appended
// after r's. Used to combine a backend's built-in defaults with the
// project's necessist.toml overrides.
func (r Rules) Merge(other Rules) Rules {
	return Rules{
		Functions: append(append([]string{}, r.Functions...), other.Functions...),
		Methods:   append(append([]string{}, r.Methods...), other.Methods...),
		Macros:    append(append([]string{}, r.Macros...), other.Macros...),
		Walkable:  append(append([]string{}, r.Walkable...), other.Walkable...),
	}
}

// Matcher compiles a Rules set once and answers membership queries against
// dotted paths reconstructed from the AST.
type Matcher struct {
	functions []*regexp.Regexp
	methods   []*regexp.Regexp
	macros    []*regexp.Regexp
	walkable  []*regexp.Regexp
}

var patternCacheMu sync.Mutex
var patternCache = map[string]*regexp.Regexp{}

// Compile builds a Matcher from a Rules set. Each pattern is compiled once
// and cached process-wide, since the same built-in patterns (e.g. `assert*`)
// recur across every file a backend parses.
func Compile(rules Rules) *Matcher {
	return &Matcher{
		functions: compileAll(rules.Functions),
		methods:   compileAll(rules.Methods),
		macros:    compileAll(rules.Macros),
		walkable:  compileAll(rules.Walkable),
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))

	for _, p := range patterns {
		out = append(out, compileOne(p))
	}

	return out
}

func compileOne(pattern string) *regexp.Regexp {
	patternCacheMu.Lock()
	defer patternCacheMu.Unlock()

	if re, ok := patternCache[pattern]; ok {
		return re
	}

	re := regexp.MustCompile("^" + translate(pattern) + "$")
	patternCache[pattern] = re

	return re
}

// translate turns a glob-like ignore pattern into a regular expression
// body: `*` becomes `.*`; every other rune is escaped literally, since the
// grammar has no other metacharacters (letters, digits, `_`, `.` are all
// literal).
func translate(pattern string) string {
	var b strings.Builder

	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
			continue
		}

		b.WriteString(regexp.QuoteMeta(string(r)))
	}

	return b.String()
}

// MatchesFunction reports whether path matches one of the function-call
// ignore patterns.
func (m *Matcher) MatchesFunction(path string) bool { return matchesAny(m.functions, path) }

// MatchesMethod reports whether path matches one of the method-call ignore
// patterns. The method list holds bare names ("Close", "unwrap", "toString"),
// so only the final dotted segment of path is checked, not the receiver
// prefix a backend's CallPath reconstructs it with.
func (m *Matcher) MatchesMethod(path string) bool { return matchesAny(m.methods, lastSegment(path)) }

// lastSegment returns the final dotted segment of path, e.g. "bar" for
// "foo.bar", or path unchanged if it has no dot.
func lastSegment(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return path
	}

	return path[idx+1:]
}

// MatchesMacro reports whether name matches one of the macro ignore
// patterns (Rust only).
func (m *Matcher) MatchesMacro(name string) bool { return matchesAny(m.macros, name) }

// MatchesWalkable reports whether a bare call name matches one of the
// walkable_functions patterns, same last-segment rule as MatchesMethod
// (a call path may carry a receiver/module prefix a backend's own grammar
// forces into CallPath's reconstruction, e.g. "suite.helper_setup").
func (m *Matcher) MatchesWalkable(path string) bool {
	return matchesAny(m.walkable, lastSegment(path))
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}

	return false
}

// Disambiguation lives here rather than in the backend package, which
// imports ignore and uses this type directly, avoiding an import cycle.
type Disambiguation int

const (
	Either Disambiguation = iota
	Function
	Method
)

// MatchesPath reports whether a dotted call path should be ignored, given
// how the backend wants ambiguous paths resolved: Either checks both lists,
// Function checks only the function/module list, Method checks only the
// method list.
func (m *Matcher) MatchesPath(path string, mode Disambiguation) bool {
	switch mode {
	case Function:
		return m.MatchesFunction(path)
	case Method:
		return m.MatchesMethod(path)
	default:
		return m.MatchesFunction(path) || m.MatchesMethod(path)
	}
}
