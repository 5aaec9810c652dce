package span

import "fmt"

// Span is a half-open byte range [Start, End) within a single SourceFile.
// Spans are context-free: removing a span means replacing its bytes with
// whitespace of equal length (see the mutation package). Two spans compare
// equal iff they denote the identical file and range.
type Span struct {
	File  *SourceFile
	Start int
	End   int

	startLine, startCol int
	endLine, endCol     int
}

// New constructs a Span, validating the half-open-range and file-boundary
// invariant from the data model: 0 ≤ start ≤ end ≤ len(file).
func New(file *SourceFile, start, end int) (Span, error) {
	if start < 0 || end < start || end > file.Len() {
		return Span{}, fmt.Errorf("%w: [%d, %d) in file of length %d", ErrOutOfBounds, start, end, file.Len())
	}

	sLine, sCol := file.LineCol(start)
	eLine, eCol := file.LineCol(end)

	return Span{
		File:      file,
		Start:     start,
		End:       end,
		startLine: sLine,
		startCol:  sCol,
		endLine:   eLine,
		endCol:    eCol,
	}, nil
}

// ErrOutOfBounds is returned by New when the requested range does not fit
// within the file.
var ErrOutOfBounds = fmt.Errorf("span out of bounds")

// Len returns the number of bytes the span covers.
func (s Span) Len() int { return s.End - s.Start }

// StartLineCol returns the cached 1-based (line, column) of the span's start.
func (s Span) StartLineCol() (int, int) { return s.startLine, s.startCol }

// EndLineCol returns the cached 1-based (line, column) of the span's end.
func (s Span) EndLineCol() (int, int) { return s.endLine, s.endCol }

// Text returns the span's bytes as a string.
func (s Span) Text() string {
	return string(s.File.Content()[s.Start:s.End])
}

// Equal reports whether two spans denote the identical file and range.
func (s Span) Equal(other Span) bool {
	return s.File == other.File && s.Start == other.Start && s.End == other.End
}

// Contains reports whether s fully contains other (same file, other's range
// nested within s's range). Used by backends that need to test whether one
// candidate's span is the outer block containing another.
func (s Span) Contains(other Span) bool {
	return s.File == other.File && s.Start <= other.Start && other.End <= s.End
}

// Key returns the stable string primary key used by the outcome store:
// path:start_line:start_col-end_line:end_col.
func (s Span) Key() string {
	return fmt.Sprintf("%s:%d:%d-%d:%d", s.File.Path(), s.startLine, s.startCol, s.endLine, s.endCol)
}

// String implements fmt.Stringer for debug output and log lines.
func (s Span) String() string {
	return s.Key()
}
