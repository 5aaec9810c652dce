// Package commands implements the necessist CLI's command handlers.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trailofbits/necessist/internal/backend"
	"github.com/trailofbits/necessist/internal/backend/registry"
	"github.com/trailofbits/necessist/internal/candidate"
	"github.com/trailofbits/necessist/internal/config"
	"github.com/trailofbits/necessist/internal/dryrun"
	"github.com/trailofbits/necessist/internal/gitutil"
	"github.com/trailofbits/necessist/internal/ignore"
	"github.com/trailofbits/necessist/internal/lock"
	"github.com/trailofbits/necessist/internal/observability"
	"github.com/trailofbits/necessist/internal/scheduler"
	"github.com/trailofbits/necessist/internal/store"
	"github.com/trailofbits/necessist/internal/warnings"
	"github.com/trailofbits/necessist/pkg/span"
	"github.com/trailofbits/necessist/pkg/version"
)

type observabilityInitFunc func(cfg observability.Config) (observability.Providers, error)

// RootCommand holds the flags and injectable dependencies for necessist's
// single top-level command: there is no subcommand tree, only run modes
// selected by flag (--dump, --dump-candidates, --default-config, ...), the
// same shape spec.md §6 describes.
type RootCommand struct {
	root            string
	framework       string
	timeout         float64
	allow           []string
	deny            []string
	noSQLite        bool
	quiet           bool
	verbose         bool
	reset           bool
	resume          bool
	defaultConfig   bool
	dump            bool
	dumpCandidates  bool
	dumpCounts      bool
	diagnosticsAddr string

	observabilityInit observabilityInitFunc
}

// NewRootCommand builds the production necessist command.
func NewRootCommand() *cobra.Command {
	return newRootCommandWithDeps(observability.Init)
}

func newRootCommandWithDeps(otelInit observabilityInitFunc) *cobra.Command {
	rc := &RootCommand{observabilityInit: otelInit}

	cmd := &cobra.Command{
		Use:   "necessist [OPTIONS] [TEST_FILES_OR_DIRS]... [-- ARGS...]",
		Short: "Mutate away test-body statements and see which tests fail to notice",
		Long: "necessist discovers candidate statements inside test bodies, removes them one at a\n" +
			"time, and reruns each candidate's covering tests. A test that still passes without\n" +
			"the statement it was meant to exercise has nothing asserting it ran at all.",
		Args: cobra.ArbitraryArgs,
		RunE: rc.run,
	}

	cmd.Flags().StringVar(&rc.root, "root", ".", "Project root to operate on")
	cmd.Flags().StringVar(&rc.framework, "framework", "auto",
		"Test framework: auto, rust, go, foundry, anchor, hardhat, vitest")
	cmd.Flags().Float64Var(&rc.timeout, "timeout", 60, "Per-command timeout in seconds (0 = unbounded)")
	cmd.Flags().StringSliceVar(&rc.allow, "allow", nil, "Warning names to demote back to non-fatal (or \"all\")")
	cmd.Flags().StringSliceVar(&rc.deny, "deny", nil, "Warning names to escalate to fatal errors (or \"all\")")
	cmd.Flags().BoolVar(&rc.noSQLite, "no-sqlite", false, "Use an in-memory outcome store instead of SQLite")
	cmd.Flags().BoolVar(&rc.quiet, "quiet", false, "Suppress per-trial output; print only the final summary")
	cmd.Flags().BoolVarP(&rc.verbose, "verbose", "v", false, "Print every trial's outcome, not only Passed ones")
	cmd.Flags().BoolVar(&rc.reset, "reset", false, "Clear the outcome store before running")
	cmd.Flags().BoolVar(&rc.resume, "resume", false, "Skip candidates that already have a stored outcome")
	cmd.Flags().BoolVar(&rc.defaultConfig, "default-config", false, "Write a starter necessist.toml and exit")
	cmd.Flags().BoolVar(&rc.dump, "dump", false, "Print the outcome store's contents and exit")
	cmd.Flags().BoolVar(&rc.dumpCandidates, "dump-candidates", false, "Print discovered candidates as YAML and exit")
	cmd.Flags().BoolVar(&rc.dumpCounts, "dump-candidate-counts", false, "Print per-file candidate counts and exit")
	cmd.Flags().StringVar(&rc.diagnosticsAddr, "diagnostics-addr", "",
		"Start a diagnostics HTTP server (health/metrics) at this address (e.g. :6060)")

	return cmd
}

func (rc *RootCommand) run(cmd *cobra.Command, args []string) (runResult error) {
	root, err := resolveRoot(rc.root)
	if err != nil {
		return err
	}

	if rc.defaultConfig {
		return writeDefaultConfig(root)
	}

	providers, err := rc.initObservability()
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		if shutdownErr := providers.Shutdown(context.Background()); shutdownErr != nil {
			providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
		}
	}()

	cleanup, diagErr := rc.startDiagnosticsServer(providers)
	if diagErr != nil {
		return diagErr
	}

	defer cleanup()

	b, err := rc.resolveBackend(root)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig(root, "")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	matcher := ignore.Compile(b.DefaultIgnoreRules().Merge(cfg.Rules()))
	disambiguation := cfg.Disambiguation(b.IgnoredPathDisambiguation())

	out := cmd.OutOrStdout()

	if rc.dump {
		return rc.runDump(root, out)
	}

	if err := lock.RecoverPending(root); err != nil {
		return fmt.Errorf("recover pending state: %w", err)
	}

	heldLock, err := lock.Acquire(root)
	if err != nil {
		return fmt.Errorf("acquire project lock: %w", err)
	}

	defer func() {
		if releaseErr := heldLock.Release(); releaseErr != nil && runResult == nil {
			runResult = fmt.Errorf("release project lock: %w", releaseErr)
		}
	}()

	testArgs, trailingArgs := splitTrailingArgs(cmd, args)

	paths, err := discoverFiles(b, testPaths(testArgs, root))
	if err != nil {
		return fmt.Errorf("discover test files: %w", err)
	}

	timeout := time.Duration(rc.timeout * float64(time.Second))

	coord := dryrun.New(root, b, matcher, disambiguation, timeout)

	if _, cacheErr := observability.RegisterCacheMetrics(providers.Meter, "dryrun-parse", coord.ParseCache()); cacheErr != nil {
		providers.Logger.Warn("register parse cache metrics failed", "error", cacheErr)
	}

	tests, candidates, err := coord.Discover(ctx, paths)
	if err != nil {
		return fmt.Errorf("parse test files: %w", err)
	}

	testsMatcher := ignore.Compile(ignore.Rules{Functions: cfg.IgnoredTests})
	tests = filterIgnoredTests(tests, testsMatcher)

	if rc.dumpCandidates {
		return dumpCandidates(out, candidates)
	}

	if rc.dumpCounts {
		return dumpCandidateCounts(out, candidates)
	}

	policy := warnings.NewPolicy(rc.allow, rc.deny)

	warnMetrics, err := observability.NewWarningMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("register warning metrics: %w", err)
	}

	st, err := rc.openStore(root)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := st.Close(); closeErr != nil && runResult == nil {
			runResult = fmt.Errorf("close outcome store: %w", closeErr)
		}
	}()

	if rc.reset {
		if err := st.Reset(); err != nil {
			return fmt.Errorf("reset outcome store: %w", err)
		}
	}

	coverage, err := rc.coverage(ctx, coord, tests, candidates, providers, policy, warnMetrics)
	if err != nil {
		return err
	}

	urlFor, err := rc.urlBuilder(root, providers, policy, warnMetrics)
	if err != nil {
		return err
	}

	trialMetrics, err := observability.NewTrialMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("register trial metrics: %w", err)
	}

	sched := scheduler.New(root, b, st, urlFor, scheduler.Options{
		Timeout:      timeout,
		KeepGoing:    true,
		Resume:       rc.resume,
		Verbose:      rc.verbose,
		Quiet:        rc.quiet,
		TrailingArgs: trailingArgs,
	}, trialMetrics, out, providers.Logger)

	summary, err := sched.Run(ctx, candidates, coverage)
	if err != nil {
		return fmt.Errorf("run trials: %w", err)
	}

	if summary.Counts[candidate.Failed] > 0 {
		return fmt.Errorf("%d trial(s) failed after their candidate was removed", summary.Counts[candidate.Failed])
	}

	return nil
}

func (rc *RootCommand) runDump(root string, out io.Writer) error {
	st, err := rc.openStore(root)
	if err != nil {
		return err
	}
	defer st.Close()

	return dumpStore(out, st)
}

func (rc *RootCommand) openStore(root string) (store.Store, error) {
	if rc.noSQLite {
		return store.NewMemory(), nil
	}

	st, err := store.OpenSQLite(dbPath(root))
	if err != nil {
		return nil, fmt.Errorf("open outcome store: %w", err)
	}

	return st, nil
}

// coverage loads a cached coverage map whose fingerprint still matches the
// discovered test/candidate files, or runs the dry-run pass and caches the
// result when it doesn't.
func (rc *RootCommand) coverage(
	ctx context.Context,
	coord *dryrun.Coordinator,
	tests []candidate.Test,
	candidates []candidate.Candidate,
	providers observability.Providers,
	policy warnings.Policy,
	counter warnings.Counter,
) (*dryrun.Map, error) {
	fingerprint := dryrun.FingerprintFiles(coverageFiles(tests, candidates))

	if cached, ok := coord.Load(fingerprint); ok {
		return cached, nil
	}

	if err := warnings.Emit(providers.Logger, counter, policy, warnings.StaleCoverageMap, "recomputing dry-run coverage map"); err != nil {
		return nil, err
	}

	m, err := coord.Run(ctx, tests, candidates)
	if err != nil {
		return nil, fmt.Errorf("dry run: %w", err)
	}

	if m.BuildFailed {
		if err := warnings.Emit(providers.Logger, counter, policy, warnings.DryRunBuildFailed, "dry-run build failed; every candidate marked irrelevant"); err != nil {
			return nil, err
		}
	} else if m.TestFailed {
		if err := warnings.Emit(providers.Logger, counter, policy, warnings.DryRunTestFailed, "dry-run test command exited nonzero; coverage map may be incomplete"); err != nil {
			return nil, err
		}
	}

	if err := coord.Save(fingerprint, m); err != nil {
		providers.Logger.Warn("save coverage map failed", "error", err)
	}

	return m, nil
}

func coverageFiles(tests []candidate.Test, candidates []candidate.Candidate) []*span.SourceFile {
	seen := map[string]*span.SourceFile{}

	for _, t := range tests {
		if t.BodySpan.File != nil {
			seen[t.BodySpan.File.Path()] = t.BodySpan.File
		}
	}

	for _, c := range candidates {
		seen[c.Span.File.Path()] = c.Span.File
	}

	files := make([]*span.SourceFile, 0, len(seen))
	for _, f := range seen {
		files = append(files, f)
	}

	return files
}

// urlBuilder resolves a git-remote-backed URLBuilder, falling back to one
// that returns the file's absolute path when the tree has no resolvable
// remote — a missing
// remote is not fatal unless --deny no-git-remote was given.
func (rc *RootCommand) urlBuilder(
	root string,
	providers observability.Providers,
	policy warnings.Policy,
	counter warnings.Counter,
) (scheduler.URLBuilder, error) {
	info, err := gitutil.Load(root)
	if err != nil {
		if emitErr := warnings.Emit(providers.Logger, counter, policy, warnings.NoGitRemote, err.Error()); emitErr != nil {
			return nil, emitErr
		}

		return func(sp span.Span) string { return sp.File.Path() }, nil
	}

	if info.Dirty {
		if err := warnings.Emit(providers.Logger, counter, policy, warnings.DirtyRepository, "working tree has uncommitted changes"); err != nil {
			return nil, err
		}
	}

	return info.URLBuilder(root), nil
}

func (rc *RootCommand) resolveBackend(root string) (backend.Backend, error) {
	if rc.framework == "" || rc.framework == "auto" {
		b, ok := registry.Detect(root)
		if !ok {
			return nil, fmt.Errorf("no supported test framework detected under %s", root)
		}

		return b, nil
	}

	return registry.ByName(rc.framework)
}

func (rc *RootCommand) startDiagnosticsServer(providers observability.Providers) (func(), error) {
	if rc.diagnosticsAddr == "" {
		return func() {}, nil
	}

	srv, err := observability.NewDiagnosticsServer(rc.diagnosticsAddr, providers.Meter)
	if err != nil {
		return func() {}, fmt.Errorf("start diagnostics server: %w", err)
	}

	providers.Logger.Info("diagnostics server listening", "addr", srv.Addr())

	return func() { _ = srv.Close() }, nil
}

func (rc *RootCommand) initObservability() (observability.Providers, error) {
	cfg := observability.DefaultConfig()
	cfg.ServiceVersion = version.Version
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	cfg.OTLPInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"

	return rc.observabilityInit(cfg)
}

func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", root, err)
	}

	return abs, nil
}

// splitTrailingArgs separates the TEST_FILES_OR_DIRS positionals from the
// ARGS... tail following a literal `--`, using cobra's dash-index rather
// than scanning args ourselves since cobra already strips the `--` token
// out of args by the time RunE sees it.
func splitTrailingArgs(cmd *cobra.Command, args []string) (testArgs, trailingArgs []string) {
	dash := cmd.Flags().ArgsLenAtDash()
	if dash < 0 {
		return args, nil
	}

	return args[:dash], args[dash:]
}

// testPaths returns args unchanged, or the project root alone when no
// paths were given — matching spec.md §6's TEST_FILES_OR_DIRS default of
// "search the whole project" when the argument list is empty.
func testPaths(args []string, root string) []string {
	if len(args) == 0 {
		return []string{root}
	}

	return args
}

func filterIgnoredTests(tests []candidate.Test, matcher *ignore.Matcher) []candidate.Test {
	out := make([]candidate.Test, 0, len(tests))

	for _, t := range tests {
		if !matcher.MatchesFunction(t.ID) {
			out = append(out, t)
		}
	}

	return out
}

func dbPath(root string) string {
	return filepath.Join(root, ".necessist.db")
}
