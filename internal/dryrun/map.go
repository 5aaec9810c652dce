package dryrun

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/trailofbits/necessist/internal/candidate"
)

// Map is the bipartite coverage relationship the dry run produces: two
// owned indexes, not a pointer graph, matching how the outcome store and
// scheduler each want to query it (the scheduler looks up "which tests
// cover this span", nothing ever needs the reverse edge during a trial).
type Map struct {
	TestSpans  map[string][]string
	SpanTests  map[string][]string
	Irrelevant map[string]bool
	// BuildFailed reports whether every candidate in this map was marked
	// Irrelevant because the dry run's build step failed outright, as
	// opposed to genuinely having no covering tests.
	BuildFailed bool
	// TestFailed reports whether the dry run's test command exited
	// nonzero. The coverage relationship is still reconstructed from
	// whatever sentinel output was captured, but it may be incomplete.
	TestFailed bool
}

// CoveringTests returns the sorted test IDs that cover spanKey, or nil if
// the span is Irrelevant or unknown.
func (m *Map) CoveringTests(spanKey string) []string {
	if m == nil {
		return nil
	}

	return m.SpanTests[spanKey]
}

// PersistedMap is the on-disk form: the map plus the source-tree
// fingerprint it was computed against, so a later run can tell whether
// the cached map is still valid without recomputing it.
type PersistedMap struct {
	Fingerprint string
	Map         Map
}

// Load restores a cached coverage map if one exists and its fingerprint
// matches. A fingerprint mismatch or missing file both report ok=false;
// the caller is expected to call Run and then Save.
func (c *Coordinator) Load(fingerprint string) (*Map, bool) {
	var persisted PersistedMap

	if err := c.mapPersister.Load(c.root, func(p *PersistedMap) { persisted = *p }); err != nil {
		return nil, false
	}

	if persisted.Fingerprint != fingerprint {
		return nil, false
	}

	m := persisted.Map

	return &m, true
}

// Save persists m under fingerprint, overwriting any previously cached
// map.
func (c *Coordinator) Save(fingerprint string, m *Map) error {
	persisted := PersistedMap{Fingerprint: fingerprint, Map: *m}

	if err := c.mapPersister.Save(c.root, func() *PersistedMap { return &persisted }); err != nil {
		return fmt.Errorf("write dry-run coverage map: %w", err)
	}

	return nil
}

// buildMap turns the raw marker-scan results (which tests ran, which
// (test, span) edges fired) into the final Map: a candidate with no
// covering test recorded is Irrelevant.
func buildMap(candidates []candidate.Candidate, ran map[string]bool, edges map[string]map[string]bool) *Map {
	spanToTests := map[string]map[string]bool{}

	for testID, spans := range edges {
		if !ran[testID] {
			continue
		}

		for spanKey := range spans {
			if spanToTests[spanKey] == nil {
				spanToTests[spanKey] = map[string]bool{}
			}

			spanToTests[spanKey][testID] = true
		}
	}

	m := &Map{
		TestSpans:  map[string][]string{},
		SpanTests:  map[string][]string{},
		Irrelevant: map[string]bool{},
	}

	for _, c := range candidates {
		key := c.Span.Key()

		tests, ok := spanToTests[key]
		if !ok || len(tests) == 0 {
			m.Irrelevant[key] = true
			continue
		}

		for t := range tests {
			m.SpanTests[key] = append(m.SpanTests[key], t)
			m.TestSpans[t] = append(m.TestSpans[t], key)
		}

		sort.Strings(m.SpanTests[key])
	}

	for t := range m.TestSpans {
		sort.Strings(m.TestSpans[t])
	}

	return m
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
