// Package span provides the byte-range span model shared by every backend:
// an immutable source file snapshot and offset↔line/column resolution.
// Excising a span's bytes is left to the mutation package.
package span

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
)

// SourceFile is an immutable snapshot of a test file: its absolute path,
// byte content, and a precomputed line-start index for offset⇄(line,col)
// resolution. Offsets are byte offsets; lines and columns are 1-based,
// columns counted in UTF-8 code units.
type SourceFile struct {
	path        string
	content     []byte
	lineStarts  []int // byte offset of the first byte of each line; lineStarts[0] == 0
	digest      string
	digestOnce  sync.Once
}

// sourceFileCache caches parsed SourceFiles for the lifetime of a run, keyed
// by absolute path: created on first access, reused for the rest of the run.
var (
	sourceFileCacheMu sync.Mutex
	sourceFileCache   = map[string]*SourceFile{}
)

// Load returns the cached SourceFile for path, reading it from disk on first
// access.
func Load(path string) (*SourceFile, error) {
	sourceFileCacheMu.Lock()
	defer sourceFileCacheMu.Unlock()

	if cached, ok := sourceFileCache[path]; ok {
		return cached, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source file %s: %w", path, err)
	}

	sf := NewSourceFile(path, content)
	sourceFileCache[path] = sf

	return sf, nil
}

// ForgetCache drops every cached SourceFile. Tests use this between runs;
// production code never needs to call it within a single process lifetime.
func ForgetCache() {
	sourceFileCacheMu.Lock()
	defer sourceFileCacheMu.Unlock()

	sourceFileCache = map[string]*SourceFile{}
}

// NewSourceFile builds a SourceFile directly from in-memory content, without
// touching the cache. Backends use this when they already hold the bytes
// (e.g. a mutated copy) and don't want the on-disk cache to see them.
func NewSourceFile(path string, content []byte) *SourceFile {
	return &SourceFile{
		path:       path,
		content:    content,
		lineStarts: computeLineStarts(content),
	}
}

func computeLineStarts(content []byte) []int {
	starts := make([]int, 1, 64)
	starts[0] = 0

	for i, b := range content {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}

	return starts
}

// Path returns the file's absolute path.
func (sf *SourceFile) Path() string { return sf.path }

// Content returns the file's byte content. Callers must not mutate it.
func (sf *SourceFile) Content() []byte { return sf.content }

// Len returns the byte length of the file.
func (sf *SourceFile) Len() int { return len(sf.content) }

// Digest returns a stable content hash, used by the dry-run coordinator to
// fingerprint the source tree.
func (sf *SourceFile) Digest() string {
	sf.digestOnce.Do(func() {
		sum := sha256.Sum256(sf.content)
		sf.digest = hex.EncodeToString(sum[:])
	})

	return sf.digest
}

// LineCol resolves a byte offset to a 1-based (line, column) pair, with the
// column counted in UTF-8 code units from the start of the line.
func (sf *SourceFile) LineCol(offset int) (line, col int) {
	idx := sort.Search(len(sf.lineStarts), func(i int) bool {
		return sf.lineStarts[i] > offset
	})
	lineIdx := idx - 1
	if lineIdx < 0 {
		lineIdx = 0
	}

	lineStart := sf.lineStarts[lineIdx]

	return lineIdx + 1, offset - lineStart + 1
}

// Offset resolves a 1-based (line, column) pair back to a byte offset. Used
// by tests and by tools that need to round-trip a removal record's span_key.
func (sf *SourceFile) Offset(line, col int) (int, bool) {
	if line < 1 || line > len(sf.lineStarts) {
		return 0, false
	}

	return sf.lineStarts[line-1] + col - 1, true
}
