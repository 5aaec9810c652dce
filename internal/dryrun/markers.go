package dryrun

import "strings"

// testMarkerPrefix and spanMarkerPrefix begin a sentinel's payload line.
// Both are written by the same backend.SentinelStatement call the
// coordinator uses for every insertion, so they always land on whichever
// single stream (stdout or stderr) that backend's sentinel targets, in
// the order the instrumented code actually executed them — scan never
// needs to merge interleaved streams, only to pick the one carrying
// markers.
const (
	testMarkerPrefix = "NECESSIST_TEST::"
	spanMarkerPrefix = "NECESSIST_SPAN::"
)

func testStartMarker(testID string) string { return testMarkerPrefix + testID }
func spanMarker(spanKey string) string     { return spanMarkerPrefix + spanKey }

// scan walks text line by line, tracking the most recently seen test-start
// marker as "current", and attributes every span marker it sees to that
// test. ran collects every test ID whose start marker appeared at all
// (regardless of whether it went on to pass or fail); edges maps a test
// ID to the set of span keys observed while it was current.
//
// A span marker seen before any test-start marker (current == "") cannot
// be attributed to a test and is dropped: this can only happen for a
// candidate whose enclosing test has no BodySpan (a backend that found no
// body to instrument), which the coordinator already treats
// conservatively.
func scan(text string) (ran map[string]bool, edges map[string]map[string]bool) {
	ran = map[string]bool{}
	edges = map[string]map[string]bool{}

	current := ""

	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, testMarkerPrefix):
			current = strings.TrimPrefix(line, testMarkerPrefix)
			ran[current] = true
		case strings.HasPrefix(line, spanMarkerPrefix):
			if current == "" {
				continue
			}

			key := strings.TrimPrefix(line, spanMarkerPrefix)

			if edges[current] == nil {
				edges[current] = map[string]bool{}
			}

			edges[current][key] = true
		}
	}

	return ran, edges
}

func unionSets(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))

	for k := range a {
		out[k] = true
	}

	for k := range b {
		out[k] = true
	}

	return out
}

func mergeEdges(a, b map[string]map[string]bool) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(a)+len(b))

	merge := func(src map[string]map[string]bool) {
		for test, spans := range src {
			if out[test] == nil {
				out[test] = map[string]bool{}
			}

			for span := range spans {
				out[test][span] = true
			}
		}
	}

	merge(a)
	merge(b)

	return out
}
