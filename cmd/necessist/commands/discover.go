package commands

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/trailofbits/necessist/internal/backend"
)

// extensionsByBackend maps a backend's CLI name to the file extensions its
// test files carry. Anchor, Hardhat, and Vitest share the TypeScript/TSX
// surface and are told apart by manifest detection, not extension.
var extensionsByBackend = map[string][]string{
	"rust":    {".rs"},
	"go":      {".go"},
	"foundry": {".sol"},
	"anchor":  {".ts", ".tsx"},
	"hardhat": {".ts", ".tsx", ".js"},
	"vitest":  {".ts", ".tsx", ".js"},
}

// skippedDirs are never descended into regardless of backend, since none
// of them ever hold source a backend should parse.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"target":       true,
	"vendor":       true,
}

// discoverFiles expands paths (a mix of files and directories) into the
// sorted, deduplicated list of files whose extension matches b, walking
// directories recursively. A bare file is included regardless of
// extension — the caller asked for it by name.
func discoverFiles(b backend.Backend, paths []string) ([]string, error) {
	exts := extensionsByBackend[b.Name()]

	seen := map[string]bool{}

	var out []string

	add := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}

		if !seen[abs] {
			seen[abs] = true

			out = append(out, abs)
		}
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			add(p)
			continue
		}

		walkErr := filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if d.IsDir() {
				if skippedDirs[d.Name()] {
					return filepath.SkipDir
				}

				return nil
			}

			if hasAnyExt(path, exts) {
				add(path)
			}

			return nil
		})
		if walkErr != nil {
			return nil, walkErr
		}
	}

	sort.Strings(out)

	return out, nil
}

func hasAnyExt(path string, exts []string) bool {
	ext := filepath.Ext(path)

	for _, e := range exts {
		if ext == e {
			return true
		}
	}

	return false
}
