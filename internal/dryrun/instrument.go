package dryrun

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/trailofbits/necessist/internal/backend"
	"github.com/trailofbits/necessist/internal/candidate"
	"github.com/trailofbits/necessist/pkg/span"
)

// insertion is one sentinel statement to splice into a file at offset,
// immediately followed by a newline.
type insertion struct {
	offset int
	text   string
}

// buildInstrumentationPlan computes, for every touched file, its
// pre-instrumentation snapshot (for the reversal journal) and the sorted
// insertion points: one test-start marker just inside each test body
// that has one, and one span marker at the start of the source line
// containing each candidate.
func buildInstrumentationPlan(
	b backend.Backend,
	files map[string]*span.SourceFile,
	tests []candidate.Test,
	candidates []candidate.Candidate,
) ([]fileJournal, map[string][]insertion) {
	insertionsByFile := map[string][]insertion{}

	for _, t := range tests {
		if t.BodySpan.File == nil {
			continue
		}

		path := t.BodySpan.File.Path()
		// +1 skips the opening brace byte itself; the marker becomes the
		// body's first statement.
		offset := t.BodySpan.Start + 1

		insertionsByFile[path] = append(insertionsByFile[path], insertion{
			offset: offset,
			text:   b.SentinelStatement(testStartMarker(t.ID)),
		})
	}

	for _, c := range candidates {
		path := c.Span.File.Path()
		offset := lineStart(c.Span.File.Content(), c.Span.Start)

		insertionsByFile[path] = append(insertionsByFile[path], insertion{
			offset: offset,
			text:   b.SentinelStatement(spanMarker(c.Span.Key())),
		})
	}

	journal := make([]fileJournal, 0, len(files))

	for path, f := range files {
		journal = append(journal, fileJournal{Path: path, Original: append([]byte(nil), f.Content()...)})

		sort.SliceStable(insertionsByFile[path], func(i, j int) bool {
			return insertionsByFile[path][i].offset < insertionsByFile[path][j].offset
		})
	}

	sort.Slice(journal, func(i, j int) bool { return journal[i].Path < journal[j].Path })

	return journal, insertionsByFile
}

// instrumentAll writes every file's instrumented content to disk. journal
// supplies each file's original bytes; insertionsByFile supplies the
// sentinel statements to splice in.
func instrumentAll(journal []fileJournal, insertionsByFile map[string][]insertion) error {
	for _, rec := range journal {
		instrumented := splice(rec.Original, insertionsByFile[rec.Path])

		info, err := os.Stat(rec.Path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", rec.Path, err)
		}

		if err := os.WriteFile(rec.Path, instrumented, info.Mode().Perm()); err != nil {
			return fmt.Errorf("write instrumented %s: %w", rec.Path, err)
		}
	}

	return nil
}

// restoreAll writes every journal record's original bytes back to disk,
// continuing past individual failures so a partial revert doesn't abandon
// the rest of the tree mutated; the first error encountered is returned
// after every record has been attempted.
func restoreAll(journal []fileJournal) error {
	var firstErr error

	for _, rec := range journal {
		info, err := os.Stat(rec.Path)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("stat %s: %w", rec.Path, err)
			}

			continue
		}

		if err := os.WriteFile(rec.Path, rec.Original, info.Mode().Perm()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("revert %s: %w", rec.Path, err)
		}
	}

	return firstErr
}

// splice inserts each insertion's marker text, isolated on its own line,
// at its offset into content. insertions must already be sorted ascending
// by offset; splice makes one forward pass so earlier insertions never
// need their offsets adjusted for later ones.
func splice(content []byte, insertions []insertion) []byte {
	if len(insertions) == 0 {
		return content
	}

	var buf bytes.Buffer

	buf.Grow(len(content) + len(insertions)*64)

	last := 0

	for _, ins := range insertions {
		buf.Write(content[last:ins.offset])
		buf.WriteByte('\n')
		buf.WriteString(ins.text)
		buf.WriteByte('\n')

		last = ins.offset
	}

	buf.Write(content[last:])

	return buf.Bytes()
}

// lineStart returns the byte offset of the start of the line containing
// offset: candidate spans for method-call candidates begin mid-statement,
// and a sentinel can only be spliced in as a standalone statement at a
// statement boundary, so the coordinator approximates "this span ran" as
// "the line it starts on ran" rather than tracking each backend's exact
// enclosing-statement boundary.
func lineStart(content []byte, offset int) int {
	idx := bytes.LastIndexByte(content[:offset], '\n')
	if idx < 0 {
		return 0
	}

	return idx + 1
}
