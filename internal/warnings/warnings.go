// Package warnings implements the stable, allow/deny-filterable warning
// taxonomy spec.md §7 requires: every non-fatal issue the core raises has
// a fixed Name, is logged at Warn level, and can be escalated to an error
// by `--deny`.
package warnings

import (
	"errors"
	"fmt"
	"log/slog"
)

// Name identifies one warning kind. Names are stable across releases —
// they're the unit --allow/--deny operate on.
type Name string

const (
	// ParseFailed: a source file could not be parsed; it yields no
	// candidates but the run continues.
	ParseFailed Name = "parse-failed"
	// DryRunBuildFailed: the dry run's build command failed, so every
	// candidate in the affected files is classified Irrelevant.
	DryRunBuildFailed Name = "dry-run-build-failed"
	// DryRunTestFailed: the dry run's test command failed outright
	// (rather than producing a normal pass/fail per test).
	DryRunTestFailed Name = "dry-run-test-failed"
	// StaleCoverageMap: the cached dry-run coverage map's fingerprint no
	// longer matches the source tree and was rebuilt.
	StaleCoverageMap Name = "stale-coverage-map"
	// DirtyRepository: the source URL was built against a dirty working
	// tree, so it points at HEAD rather than the exact on-disk content.
	DirtyRepository Name = "dirty-repository"
	// NoGitRemote: no git remote could be resolved, so source URLs
	// cannot be constructed.
	NoGitRemote Name = "no-git-remote"
)

// All lists every recognized warning name, used to expand "all" in
// --allow/--deny and to validate CLI input.
var All = []Name{
	ParseFailed,
	DryRunBuildFailed,
	DryRunTestFailed,
	StaleCoverageMap,
	DirtyRepository,
	NoGitRemote,
}

// ErrDenied is returned by Policy.Check when name is on the deny list —
// the warning is promoted to a fatal error.
var ErrDenied = errors.New("warning denied")

// Policy is the --allow/--deny filter: a name on the deny list becomes a
// fatal error; everything else is logged and the run continues.
type Policy struct {
	denied map[Name]bool
}

// NewPolicy builds a Policy from --deny and --allow values. "all" in
// either list expands to every known warning. deny is applied first,
// then allow removes its entries from the denied set — this lets
// `--deny all --allow parse-failed` tighten the policy to "everything is
// fatal except parse-failed" without needing a third flag.
func NewPolicy(allow, deny []string) Policy {
	denied := map[Name]bool{}

	for _, d := range deny {
		if d == "all" {
			for _, n := range All {
				denied[n] = true
			}

			continue
		}

		denied[Name(d)] = true
	}

	for _, a := range allow {
		if a == "all" {
			denied = map[Name]bool{}
			continue
		}

		delete(denied, Name(a))
	}

	return Policy{denied: denied}
}

// Check reports whether name is denied. Callers that can continue past a
// warning should call Check before Emit and abort if it returns
// ErrDenied.
func (p Policy) Check(name Name) error {
	if p.denied[name] {
		return fmt.Errorf("%w: %s", ErrDenied, name)
	}

	return nil
}

// Counter is polled by the warnings-total metric; Emit increments it
// alongside logging. Implemented by *observability.WarningMetrics.
type Counter interface {
	IncWarning(name string)
}

// Emit logs warning name at Warn level with detail and, unless name is
// denied, increments counter (if non-nil) and returns nil. If name is
// denied, it logs nothing additional and returns ErrDenied so the caller
// aborts instead of continuing.
func Emit(logger *slog.Logger, counter Counter, policy Policy, name Name, detail string, args ...any) error {
	if err := policy.Check(name); err != nil {
		return err
	}

	if logger == nil {
		logger = slog.Default()
	}

	attrs := append([]any{"warning", string(name), "detail", detail}, args...)
	logger.Warn("necessist warning", attrs...)

	if counter != nil {
		counter.IncWarning(string(name))
	}

	return nil
}
