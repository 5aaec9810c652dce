package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/trailofbits/necessist/internal/candidate"
	"github.com/trailofbits/necessist/internal/store"
)

// dumpStore renders every record in st as a colorized table: Passed
// outcomes in green (the interesting case, per spec.md §7's "only Passed
// prints by default" rule carried into the --dump view), Failed/TimedOut/
// Nonbuildable in red, everything else plain.
func dumpStore(w io.Writer, st store.Store) error {
	records, err := st.All()
	if err != nil {
		return fmt.Errorf("read outcome store: %w", err)
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Outcome", "Span", "Excerpt", "URL"})

	for _, rec := range records {
		tbl.AppendRow(table.Row{colorizeOutcome(rec.Outcome), rec.SpanKey, rec.Excerpt, rec.URL})
	}

	tbl.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d records", len(records))})
	tbl.Render()

	return nil
}

func colorizeOutcome(o candidate.Outcome) string {
	switch o {
	case candidate.Passed:
		return color.New(color.FgGreen).Sprint(o)
	case candidate.Failed, candidate.TimedOut, candidate.Nonbuildable:
		return color.New(color.FgRed).Sprint(o)
	default:
		return string(o)
	}
}

// candidateRow is the YAML shape one discovered candidate is rendered as
// by --dump-candidates, a machine-readable companion to dumpStore's
// console table.
type candidateRow struct {
	File  string `yaml:"file"`
	Start int    `yaml:"start"`
	End   int    `yaml:"end"`
	Kind  string `yaml:"kind"`
	Text  string `yaml:"excerpt"`
}

// dumpCandidates writes every discovered candidate as a YAML sequence,
// sorted in canonical order so the output is stable across runs.
func dumpCandidates(w io.Writer, candidates []candidate.Candidate) error {
	ordered := sortedCandidates(candidates)
	rows := make([]candidateRow, 0, len(ordered))

	for _, c := range ordered {
		rows = append(rows, candidateRow{
			File:  c.Span.File.Path(),
			Start: c.Span.Start,
			End:   c.Span.End,
			Kind:  c.Kind.String(),
			Text:  c.Excerpt,
		})
	}

	enc := yaml.NewEncoder(w)
	defer enc.Close()

	if err := enc.Encode(rows); err != nil {
		return fmt.Errorf("encode candidates: %w", err)
	}

	return nil
}

// dumpCandidateCounts prints a per-file candidate count table, the
// coarsest view of discovery output — useful to sanity-check that a
// backend found the files it should before committing to a full run.
func dumpCandidateCounts(w io.Writer, candidates []candidate.Candidate) error {
	counts := map[string]int{}

	var files []string

	for _, c := range sortedCandidates(candidates) {
		path := c.Span.File.Path()
		if counts[path] == 0 {
			files = append(files, path)
		}

		counts[path]++
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"File", "Candidates"})

	total := 0
	for _, f := range files {
		tbl.AppendRow(table.Row{f, counts[f]})
		total += counts[f]
	}

	tbl.AppendFooter(table.Row{"Total", total})
	tbl.Render()

	return nil
}

func sortedCandidates(candidates []candidate.Candidate) []candidate.Candidate {
	ordered := append([]candidate.Candidate(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool { return candidate.Less(ordered[i], ordered[j]) })

	return ordered
}
