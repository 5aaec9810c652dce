// Package mutation implements the mutant-schemata edit: blanking a span's
// bytes in place with an equal-length run of whitespace, and guaranteeing
// that edit is reversed on every exit path — normal completion, trial
// failure, panic, SIGINT, or crash-and-restart.
package mutation

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/trailofbits/necessist/pkg/persist"
	"github.com/trailofbits/necessist/pkg/span"
)

// journalBasename names the reversal-journal file persisted to the project
// root before every mutation. Its presence on startup means a previous run
// crashed mid-trial and left the tree mutated.
const journalBasename = ".necessist-journal"

// Record is a pending reversal: the exact bytes to restore at [Start, End)
// in File.
type Record struct {
	File     string
	Start    int
	End      int
	Original []byte
}

// Engine applies and reverses mutations for one project root, keeping a
// durable reversal journal so a crash never leaves the tree mutated.
type Engine struct {
	root      string
	persister *persist.Persister[[]Record]

	mu      sync.Mutex
	pending *Record
}

// New constructs an Engine rooted at root.
func New(root string) *Engine {
	return &Engine{
		root:      root,
		persister: persist.NewPersister[[]Record](journalBasename, persist.NewGobCodec()),
	}
}

// journalPath is the journal's on-disk location. It is unexported; callers
// that need to check for a stale journal without constructing an Engine
// use HasPendingJournal.
func journalPath(root string) string {
	return filepath.Join(root, journalBasename+".gob")
}

// HasPendingJournal reports whether a reversal journal exists on disk,
// meaning a previous run exited without completing its reversal.
func HasPendingJournal(root string) bool {
	_, err := os.Stat(journalPath(root))
	return err == nil
}

// Recover reads any pending journal under root and reverses every record in
// it, then deletes the journal. Must run before the root lock is acquired,
// per the startup-recovery invariant.
func Recover(root string) error {
	if !HasPendingJournal(root) {
		return nil
	}

	e := New(root)

	var records []Record

	if err := e.persister.Load(root, func(r *[]Record) { records = *r }); err != nil {
		return fmt.Errorf("load pending reversal journal: %w", err)
	}

	for _, rec := range records {
		if err := e.revertRecord(rec); err != nil {
			return fmt.Errorf("recover pending mutation in %s: %w", rec.File, err)
		}
	}

	if err := os.Remove(journalPath(root)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove reversal journal: %w", err)
	}

	return nil
}

// Apply blanks sp's bytes with equal-length whitespace, preserving the
// original line breaks so downstream line numbers in the rest of the file
// stay valid, and writes the reversal record to the durable journal before
// touching the file. Apply fails closed: if the journal write fails, no
// mutation is applied.
func (e *Engine) Apply(sp span.Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil {
		return fmt.Errorf("%w: mutation already pending for %s", ErrAlreadyMutated, e.pending.File)
	}

	original := append([]byte(nil), sp.File.Content()[sp.Start:sp.End]...)

	rec := Record{
		File:     sp.File.Path(),
		Start:    sp.Start,
		End:      sp.End,
		Original: original,
	}

	if err := e.persister.Save(e.root, func() *[]Record { return &[]Record{rec} }); err != nil {
		return fmt.Errorf("write reversal journal: %w", err)
	}

	blanked := blank(original)

	if err := overwriteRange(sp.File.Path(), sp.Start, sp.End, blanked); err != nil {
		return fmt.Errorf("apply mutation to %s: %w", sp.File.Path(), err)
	}

	e.pending = &rec

	return nil
}

// Revert restores the bytes blanked by the last Apply call and clears the
// journal. Revert is idempotent: calling it with no pending mutation is a
// no-op, so defer-based call sites are safe even along error paths that
// already reverted.
func (e *Engine) Revert() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil {
		return nil
	}

	rec := *e.pending

	if err := e.revertRecord(rec); err != nil {
		return err
	}

	if err := os.Remove(journalPath(e.root)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove reversal journal: %w", err)
	}

	e.pending = nil

	return nil
}

func (e *Engine) revertRecord(rec Record) error {
	if err := overwriteRange(rec.File, rec.Start, rec.End, rec.Original); err != nil {
		return fmt.Errorf("revert mutation to %s: %w", rec.File, err)
	}

	return nil
}

// blank replaces every byte of original with a space, except newlines,
// which are kept so the post-mutation file has the same line structure
// (and thus the same line numbers for every other span) as the original.
func blank(original []byte) []byte {
	out := make([]byte, len(original))

	for i, b := range original {
		if b == '\n' {
			out[i] = '\n'
			continue
		}

		if b == '\r' {
			out[i] = '\r'
			continue
		}

		out[i] = ' '
	}

	return out
}

// overwriteRange replaces the bytes of path in [start, end) with
// replacement, preserving file length. It reads the whole file, slices,
// and rewrites — the mutation is local so this is never a very large file
// operation relative to the test suite's own build time.
func overwriteRange(path string, start, end int, replacement []byte) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if end > len(content) || start < 0 || start > end {
		return fmt.Errorf("%w: [%d, %d) in file of length %d", ErrOutOfRange, start, end, len(content))
	}

	if len(replacement) != end-start {
		return fmt.Errorf("%w: replacement length %d does not match range length %d", ErrLengthMismatch, len(replacement), end-start)
	}

	var buf bytes.Buffer
	buf.Grow(len(content))
	buf.Write(content[:start])
	buf.Write(replacement)
	buf.Write(content[end:])

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := os.WriteFile(path, buf.Bytes(), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

// ErrAlreadyMutated is returned by Apply when a mutation is already
// pending revert on this Engine.
var ErrAlreadyMutated = fmt.Errorf("mutation already pending")

// ErrOutOfRange is returned when a record's range no longer fits the file
// on disk.
var ErrOutOfRange = fmt.Errorf("mutation range out of bounds")

// ErrLengthMismatch is returned when a replacement's length doesn't match
// the range being replaced, which would shift every subsequent offset.
var ErrLengthMismatch = fmt.Errorf("mutation replacement length mismatch")
