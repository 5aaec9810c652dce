// Package dryrun implements the one-time coverage pass that produces the
// test_id → spans / span → test_ids bipartite map the trial scheduler
// needs to avoid running every test against every candidate. It
// instruments a project's test files in place with sentinel print
// statements, runs the test suite exactly once, and recovers the
// coverage relationship from the sentinels that appear in the captured
// output.
package dryrun

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/trailofbits/necessist/internal/backend"
	"github.com/trailofbits/necessist/internal/candidate"
	"github.com/trailofbits/necessist/internal/ignore"
	"github.com/trailofbits/necessist/internal/runner"
	"github.com/trailofbits/necessist/pkg/alg/lru"
	"github.com/trailofbits/necessist/pkg/persist"
	"github.com/trailofbits/necessist/pkg/span"
)

// journalBasename names the whole-file reversal journal persisted before
// instrumenting the tree, mirroring internal/mutation's fail-closed
// journal-before-mutate ordering.
const journalBasename = ".necessist-dryrun-journal"

// mapBasename names the cached coverage map, keyed by the source tree's
// fingerprint.
const mapBasename = ".necessist-dryrun-map"

// parseCacheEntries bounds the parse-result cache the coordinator offers
// its caller for repeated discovery across incremental runs; a project
// with more distinct source files than this simply evicts its least
// recently parsed entries, trading memory for a cache miss (and a
// re-parse) rather than unbounded growth.
const parseCacheEntries = 4096

// fileJournal is one file's pre-instrumentation snapshot.
type fileJournal struct {
	Path     string
	Original []byte
}

// Coordinator runs the dry-run coverage pass for one project root against
// one backend.
type Coordinator struct {
	root           string
	backend        backend.Backend
	matcher        *ignore.Matcher
	disambiguation ignore.Disambiguation
	timeout        time.Duration

	journalPersister *persist.Persister[[]fileJournal]
	mapPersister     *persist.Persister[PersistedMap]

	parseCache *lru.Cache[string, backend.ParseResult]
}

// New constructs a Coordinator rooted at root, driving backend's commands
// with the given whole-suite timeout (zero means unbounded). matcher is
// the project's ignore rules (backend defaults merged with
// necessist.toml), already compiled; a nil matcher parses with each
// backend's own built-in defaults only. disambiguation is the resolved
// mode (a necessist.toml override, or the backend's own default when the
// project left it unset) used to check matcher against ambiguous dotted
// call paths.
func New(root string, b backend.Backend, matcher *ignore.Matcher, disambiguation ignore.Disambiguation, timeout time.Duration) *Coordinator {
	return &Coordinator{
		root:             root,
		backend:          b,
		matcher:          matcher,
		disambiguation:   disambiguation,
		timeout:          timeout,
		journalPersister: persist.NewPersister[[]fileJournal](journalBasename, persist.NewGobCodec()),
		mapPersister:     persist.NewPersister[PersistedMap](mapBasename, persist.NewGobCodec()),
		parseCache:       lru.New[string, backend.ParseResult](lru.WithMaxEntries[string, backend.ParseResult](parseCacheEntries)),
	}
}

// parse dispatches to the backend's MatcherAware.ParseWithMatcher when the
// coordinator holds a compiled matcher, falling back to the interface's
// plain Parse (the backend's own built-in defaults) otherwise.
func (c *Coordinator) parse(ctx context.Context, file *span.SourceFile) (backend.ParseResult, error) {
	if c.matcher != nil {
		if ma, ok := c.backend.(backend.MatcherAware); ok {
			return ma.ParseWithMatcher(ctx, file, c.matcher, c.disambiguation)
		}
	}

	return c.backend.Parse(ctx, file)
}

// ParseCache exposes the coordinator's parse-result cache so callers can
// wire its hit/miss/entry counts into observability.RegisterCacheMetrics.
func (c *Coordinator) ParseCache() *lru.Cache[string, backend.ParseResult] {
	return c.parseCache
}

// Discover parses every file in paths, reusing a cached ParseResult when
// the file's content digest hasn't changed since the last call within
// this coordinator's lifetime.
func (c *Coordinator) Discover(ctx context.Context, paths []string) ([]candidate.Test, []candidate.Candidate, error) {
	var tests []candidate.Test

	var candidates []candidate.Candidate

	for _, path := range paths {
		file, err := span.Load(path)
		if err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", path, err)
		}

		key := file.Path() + "#" + file.Digest()

		result, ok := c.parseCache.Get(key)
		if !ok {
			parsed, err := c.parse(ctx, file)
			if err != nil {
				return nil, nil, fmt.Errorf("parse %s: %w", path, err)
			}

			c.parseCache.Put(key, parsed)
			result = parsed
		}

		tests = append(tests, result.Tests...)
		candidates = append(candidates, result.Candidates...)
	}

	return tests, candidates, nil
}

func journalPath(root string) string {
	return filepath.Join(root, journalBasename+".gob")
}

// HasPendingJournal reports whether a dry-run instrumentation journal
// exists on disk, meaning a previous run crashed before reverting its
// sentinel instrumentation.
func HasPendingJournal(root string) bool {
	_, err := os.Stat(journalPath(root))
	return err == nil
}

// Recover reverses any pending dry-run instrumentation journal under
// root. Like mutation.Recover, this must run before the root lock is
// acquired.
func Recover(root string) error {
	if !HasPendingJournal(root) {
		return nil
	}

	persister := persist.NewPersister[[]fileJournal](journalBasename, persist.NewGobCodec())

	var records []fileJournal

	if err := persister.Load(root, func(r *[]fileJournal) { records = *r }); err != nil {
		return fmt.Errorf("load pending dry-run journal: %w", err)
	}

	if err := restoreAll(records); err != nil {
		return fmt.Errorf("recover pending dry-run instrumentation: %w", err)
	}

	if err := os.Remove(journalPath(root)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove dry-run journal: %w", err)
	}

	return nil
}

// Run instruments every file touched by tests or candidates with
// sentinel statements, runs the backend's build and test commands once
// against the full test set, and parses the resulting coverage map from
// the captured output. The instrumentation is always reverted before
// Run returns, on every exit path including a build or test failure.
func (c *Coordinator) Run(ctx context.Context, tests []candidate.Test, candidates []candidate.Candidate) (*Map, error) {
	files := collectFiles(tests, candidates)

	journal, insertionsByFile := buildInstrumentationPlan(c.backend, files, tests, candidates)

	if err := c.journalPersister.Save(c.root, func() *[]fileJournal { return &journal }); err != nil {
		return nil, fmt.Errorf("write dry-run journal: %w", err)
	}

	if err := instrumentAll(journal, insertionsByFile); err != nil {
		_ = restoreAll(journal)
		_ = os.Remove(journalPath(c.root))

		return nil, fmt.Errorf("instrument dry-run sentinels: %w", err)
	}

	defer func() {
		_ = restoreAll(journal)
		_ = os.Remove(journalPath(c.root))
	}()

	ids := testIDs(tests)

	if buildCmd, ok := c.backend.BuildCommand(ids); ok {
		res, err := runner.Run(ctx, c.root, buildCmd, c.timeout)
		if err != nil {
			return nil, fmt.Errorf("dry-run build: %w", err)
		}

		if res.ExitCode != 0 {
			m := allIrrelevant(candidates)
			m.BuildFailed = true

			return m, nil
		}
	}

	testCmd := c.backend.TestCommand(ids, nil)

	res, err := runner.Run(ctx, c.root, testCmd, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("dry-run test: %w", err)
	}

	ranOut, edgesOut := scan(res.Stdout)
	ranErr, edgesErr := scan(res.Stderr)

	ran := unionSets(ranOut, ranErr)
	edges := mergeEdges(edgesOut, edgesErr)

	built := buildMap(candidates, ran, edges)
	built.TestFailed = res.ExitCode != 0

	return built, nil
}

// FingerprintFiles hashes every file's path and content digest into one
// stable fingerprint, used to decide whether a cached coverage map is
// still valid.
func FingerprintFiles(files []*span.SourceFile) string {
	paths := make([]string, 0, len(files))
	digests := map[string]string{}

	for _, f := range files {
		paths = append(paths, f.Path())
		digests[f.Path()] = f.Digest()
	}

	sort.Strings(paths)

	var buf bytes.Buffer

	for _, p := range paths {
		buf.WriteString(p)
		buf.WriteByte(':')
		buf.WriteString(digests[p])
		buf.WriteByte('\n')
	}

	return hashHex(buf.Bytes())
}

func testIDs(tests []candidate.Test) []string {
	ids := make([]string, 0, len(tests))
	for _, t := range tests {
		ids = append(ids, t.ID)
	}

	return ids
}

func allIrrelevant(candidates []candidate.Candidate) *Map {
	m := &Map{
		TestSpans:  map[string][]string{},
		SpanTests:  map[string][]string{},
		Irrelevant: map[string]bool{},
	}

	for _, c := range candidates {
		m.Irrelevant[c.Span.Key()] = true
	}

	return m
}

func collectFiles(tests []candidate.Test, candidates []candidate.Candidate) map[string]*span.SourceFile {
	files := map[string]*span.SourceFile{}

	for _, t := range tests {
		if t.BodySpan.File != nil {
			files[t.BodySpan.File.Path()] = t.BodySpan.File
		}
	}

	for _, c := range candidates {
		files[c.Span.File.Path()] = c.Span.File
	}

	return files
}
