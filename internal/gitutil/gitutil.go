// Package gitutil resolves the git remote, HEAD commit, and working-tree
// cleanliness needed to build the source permalinks spec.md §6 attaches to
// every recorded outcome. It is the one place the core is actually
// git-aware; the dry-run coverage-map fingerprint deliberately uses a
// plain content hash instead (see SPEC_FULL.md §9), so this package's
// failure to resolve a remote never blocks the scheduler itself — it only
// means a Removal's URL falls back to the file's absolute path.
package gitutil

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/trailofbits/necessist/pkg/span"
)

// ErrNoRemote is returned by Load when the repository has no "origin"
// remote configured, meaning no permalink can be constructed.
var ErrNoRemote = errors.New("no git remote configured")

// Info describes the repository state needed to build blob permalinks.
type Info struct {
	Host   string
	Org    string
	Repo   string
	Commit string
	// Dirty reports whether the working tree has uncommitted changes.
	// URLs built from a dirty tree point at HEAD anyway, with the caller
	// expected to emit warnings.DirtyRepository.
	Dirty bool
}

// Load opens the git repository at root and resolves its origin remote,
// HEAD commit, and working-tree cleanliness.
func Load(root string) (*Info, error) {
	repo, err := git.PlainOpen(root)
	if err != nil {
		return nil, fmt.Errorf("open git repository at %s: %w", root, err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	remote, err := repo.Remote("origin")
	if err != nil {
		return nil, fmt.Errorf("resolve origin remote: %w: %w", ErrNoRemote, err)
	}

	urls := remote.Config().URLs
	if len(urls) == 0 {
		return nil, fmt.Errorf("origin remote has no URLs: %w", ErrNoRemote)
	}

	host, org, name, err := parseRemoteURL(urls[0])
	if err != nil {
		return nil, fmt.Errorf("parse remote URL %s: %w", urls[0], err)
	}

	dirty, err := isDirty(repo)
	if err != nil {
		return nil, fmt.Errorf("check working tree status: %w", err)
	}

	return &Info{
		Host:   host,
		Org:    org,
		Repo:   name,
		Commit: head.Hash().String(),
		Dirty:  dirty,
	}, nil
}

// parseRemoteURL extracts host, org, and repo name from either an HTTPS
// or SCP-like (git@host:org/repo.git) remote URL, using go-git's own
// endpoint parser so both forms are handled identically.
func parseRemoteURL(raw string) (host, org, name string, err error) {
	endpoint, err := transport.NewEndpoint(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("parse endpoint: %w", err)
	}

	path := strings.Trim(endpoint.Path, "/")
	path = strings.TrimSuffix(path, ".git")

	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", "", "", fmt.Errorf("unexpected remote path %q", endpoint.Path)
	}

	org = strings.Join(parts[:len(parts)-1], "/")
	name = parts[len(parts)-1]

	return endpoint.Host, org, name, nil
}

func isDirty(repo *git.Repository) (bool, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("get worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("get status: %w", err)
	}

	return !status.IsClean(), nil
}

// BlobURL builds the permalink for [startLine, endLine] (1-indexed,
// inclusive) of relPath, per spec.md §6's
// "https://<host>/<org>/<repo>/blob/<commit>/<relpath>#L<start>-L<end>"
// format.
func (i *Info) BlobURL(relPath string, startLine, endLine int) string {
	relPath = strings.TrimPrefix(relPath, "/")

	if startLine == endLine {
		return fmt.Sprintf("https://%s/%s/%s/blob/%s/%s#L%d", i.Host, i.Org, i.Repo, i.Commit, relPath, startLine)
	}

	return fmt.Sprintf("https://%s/%s/%s/blob/%s/%s#L%d-L%d", i.Host, i.Org, i.Repo, i.Commit, relPath, startLine, endLine)
}

// URLBuilder returns a scheduler.URLBuilder-shaped function (a plain
// func(span.Span) string, to avoid this package depending on
// internal/scheduler) that builds a permalink for sp relative to root.
// If sp's file isn't under root, the absolute path is used as a
// best-effort fallback rather than failing the whole trial.
func (i *Info) URLBuilder(root string) func(span.Span) string {
	return func(sp span.Span) string {
		rel, err := filepath.Rel(root, sp.File.Path())
		if err != nil {
			rel = sp.File.Path()
		}

		startLine, _ := sp.StartLineCol()
		endLine, _ := sp.EndLineCol()

		return i.BlobURL(filepath.ToSlash(rel), startLine, endLine)
	}
}
