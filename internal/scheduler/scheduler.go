// Package scheduler drives one trial per candidate through the state
// machine spec.md §4.6 describes: Pending → Mutated → Built → Executed →
// Classified → Recorded → Reverted, with Reverted always reached
// regardless of which step failed. It is single-threaded and synchronous:
// each trial runs to completion, in canonical order, before the next
// starts, since the mutation is a global side effect on the one shared
// source tree.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/trailofbits/necessist/internal/backend"
	"github.com/trailofbits/necessist/internal/candidate"
	"github.com/trailofbits/necessist/internal/dryrun"
	"github.com/trailofbits/necessist/internal/mutation"
	"github.com/trailofbits/necessist/internal/observability"
	"github.com/trailofbits/necessist/internal/runner"
	"github.com/trailofbits/necessist/internal/store"
	"github.com/trailofbits/necessist/pkg/span"
)

// URLBuilder constructs the permalink recorded alongside a candidate's
// outcome, e.g. a git-remote blob URL for sp.
type URLBuilder func(sp span.Span) string

// Options configures one scheduler run.
type Options struct {
	// Timeout bounds each trial's build+test invocation; zero means no
	// timeout.
	Timeout time.Duration
	// KeepGoing, when false, stops the run at the first trial whose
	// classification isn't Passed/Irrelevant/Skipped — i.e. the first
	// Failed/TimedOut/Nonbuildable result. The default spec.md behavior
	// is to keep going; KeepGoing exists for callers that want to stop
	// early, e.g. a CI smoke check.
	KeepGoing bool
	// Resume skips any candidate whose span already has a stored
	// outcome.
	Resume bool
	// Verbose prints every trial's outcome, not only Passed ones.
	Verbose bool
	// Quiet suppresses even the default mode's Passed-trial lines,
	// leaving only the end-of-run summary. Verbose takes precedence if
	// both are set.
	Quiet bool
	// TrailingArgs are appended to every trial's test command, passed
	// through from the CLI's `-- ARGS...` tail.
	TrailingArgs []string
}

// Scheduler runs trials for one project root against one backend.
type Scheduler struct {
	root    string
	backend backend.Backend
	engine  *mutation.Engine
	store   store.Store
	urlFor  URLBuilder
	opts    Options
	metrics *observability.TrialMetrics
	out     io.Writer
	logger  *slog.Logger
}

// New constructs a Scheduler. metrics may be nil (RecordTrial is a no-op
// on a nil receiver). out receives the default-mode Passed-only output
// and the end-of-run summary.
func New(root string, b backend.Backend, st store.Store, urlFor URLBuilder, opts Options, metrics *observability.TrialMetrics, out io.Writer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		root:    root,
		backend: b,
		engine:  mutation.New(root),
		store:   st,
		urlFor:  urlFor,
		opts:    opts,
		metrics: metrics,
		out:     out,
		logger:  logger,
	}
}

// Summary tallies trial outcomes across a run.
type Summary struct {
	Counts map[candidate.Outcome]int
	Total  int
}

func newSummary() Summary {
	return Summary{Counts: map[candidate.Outcome]int{}}
}

func (s *Summary) record(o candidate.Outcome) {
	s.Counts[o]++
	s.Total++
}

// Run processes every candidate in canonical order (candidate.Less),
// using coverage to determine each trial's test set. Run stops early only
// when ctx is canceled or (with KeepGoing false) a non-Passed,
// non-Irrelevant, non-Skipped outcome occurs.
func (s *Scheduler) Run(ctx context.Context, candidates []candidate.Candidate, coverage *dryrun.Map) (Summary, error) {
	ordered := append([]candidate.Candidate(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool { return candidate.Less(ordered[i], ordered[j]) })

	summary := newSummary()

	for _, c := range ordered {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("run canceled: %w", err)
		}

		outcome, skipped, err := s.runOne(ctx, c, coverage)
		if err != nil {
			return summary, err
		}

		if skipped {
			continue
		}

		summary.record(outcome)

		if !s.opts.KeepGoing && !terminal(outcome) {
			break
		}
	}

	s.printSummary(summary)

	return summary, nil
}

// terminal reports whether outcome is an expected non-failure result that
// a non-KeepGoing run should continue past. candidate.Skipped is included
// for completeness of the outcome switch; runOne has no path that returns
// it today (a resumed span short-circuits via its own skipped bool below
// instead of being reclassified as Skipped).
func terminal(outcome candidate.Outcome) bool {
	switch outcome {
	case candidate.Passed, candidate.Irrelevant, candidate.Skipped:
		return true
	default:
		return false
	}
}

// runOne drives a single candidate through Pending → Reverted. The
// mutation is always reverted before returning, including on every error
// path, via defer.
func (s *Scheduler) runOne(ctx context.Context, c candidate.Candidate, coverage *dryrun.Map) (outcome candidate.Outcome, skipped bool, err error) {
	spanKey := c.Span.Key()

	if s.opts.Resume {
		if _, ok, getErr := s.store.Get(spanKey); getErr != nil {
			return "", false, fmt.Errorf("resume lookup for %s: %w", spanKey, getErr)
		} else if ok {
			return "", true, nil
		}
	}

	tests := coverage.CoveringTests(spanKey)
	if len(tests) == 0 {
		o, finishErr := s.finish(c, candidate.Irrelevant)
		return o, false, finishErr
	}

	start := time.Now()

	// Mutated: apply the mutation, guaranteeing Reverted is reached by
	// deferring the revert before any step that can fail.
	if err := s.engine.Apply(c.Span); err != nil {
		return "", false, fmt.Errorf("apply mutation for %s: %w", spanKey, err)
	}

	defer func() {
		if revertErr := s.engine.Revert(); revertErr != nil {
			s.logger.Error("revert mutation failed", "span", spanKey, "error", revertErr)

			if err == nil {
				err = fmt.Errorf("revert mutation for %s: %w", spanKey, revertErr)
			}
		}
	}()

	// Built: an optional fast-fail build step.
	if buildCmd, ok := s.backend.BuildCommand(tests); ok {
		res, runErr := runner.Run(ctx, s.root, buildCmd, s.opts.Timeout)
		if runErr != nil {
			return "", false, fmt.Errorf("build for %s: %w", spanKey, runErr)
		}

		if res.ExitCode != 0 {
			o, finishErr := s.finish(c, candidate.Nonbuildable)
			s.recordDuration(ctx, candidate.Nonbuildable, time.Since(start))

			return o, false, finishErr
		}
	}

	// Executed + Classified: run the covering tests and classify.
	testCmd := s.backend.TestCommand(tests, s.opts.TrailingArgs)

	res, runErr := runner.Run(ctx, s.root, testCmd, s.opts.Timeout)
	if runErr != nil {
		return "", false, fmt.Errorf("test for %s: %w", spanKey, runErr)
	}

	classified := classify(res)

	o, finishErr := s.finish(c, classified)
	s.recordDuration(ctx, classified, time.Since(start))

	return o, false, finishErr
}

// classify maps a completed test-command invocation onto the trial
// outcome space. A backend's TestCommand is expected to fail (nonzero
// exit, no TimedOut) both when a test genuinely fails and when the tests
// didn't build after all — the scheduler cannot distinguish those two
// without backend-specific exit-code semantics, so both land on Failed
// except the build-step case already handled by runOne, and the
// TimedOut/exit-zero cases, which are unambiguous.
func classify(res runner.Result) candidate.Outcome {
	switch {
	case res.TimedOut:
		return candidate.TimedOut
	case res.ExitCode == 0:
		return candidate.Passed
	default:
		return candidate.Failed
	}
}

// finish persists the outcome and prints it per the verbosity rule: only
// Passed trials are printed by default, every trial is printed with
// Verbose.
func (s *Scheduler) finish(c candidate.Candidate, outcome candidate.Outcome) (candidate.Outcome, error) {
	rec := candidate.Removal{
		SpanKey: c.Span.Key(),
		Excerpt: c.Excerpt,
		Outcome: outcome,
		URL:     s.urlFor(c.Span),
	}

	if err := s.store.Put(rec); err != nil {
		return outcome, fmt.Errorf("record outcome for %s: %w", rec.SpanKey, err)
	}

	if s.opts.Verbose || (!s.opts.Quiet && outcome == candidate.Passed) {
		fmt.Fprintf(s.out, "%-12s %s  %s\n", outcome, rec.SpanKey, rec.Excerpt)
	}

	return outcome, nil
}

func (s *Scheduler) recordDuration(ctx context.Context, outcome candidate.Outcome, d time.Duration) {
	s.metrics.RecordTrial(ctx, observability.TrialStats{Outcome: string(outcome), Duration: d})
}

func (s *Scheduler) printSummary(summary Summary) {
	fmt.Fprintf(s.out, "\n%d candidates processed\n", summary.Total)

	for _, o := range []candidate.Outcome{
		candidate.Passed, candidate.Failed, candidate.TimedOut,
		candidate.Nonbuildable, candidate.Skipped, candidate.Irrelevant,
	} {
		if n := summary.Counts[o]; n > 0 {
			fmt.Fprintf(s.out, "  %-12s %d\n", o, n)
		}
	}
}
