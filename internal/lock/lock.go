// Package lock acquires the exclusive advisory lock on a project root
// that spec.md §4.8 requires: a concurrent necessist run on the same tree
// must fail fast rather than race the first run's mutations.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/trailofbits/necessist/internal/dryrun"
	"github.com/trailofbits/necessist/internal/mutation"
)

const lockFilename = ".necessist.lock"

// ErrHeld is returned by Acquire when another process already holds the
// lock.
var ErrHeld = errors.New("project root is locked by another necessist run")

// Lock holds the open file descriptor backing an acquired advisory lock.
// Release must be called on every exit path, including on error, to
// release the flock and close the descriptor.
type Lock struct {
	file *os.File
}

// RecoverPending reverses any mutation or dry-run instrumentation journal
// left behind by a crashed previous run. Per the startup-recovery
// invariant, this must run before Acquire: a crashed run leaves the tree
// mutated but the lock already released (the OS drops the flock when the
// process dies), so a fresh process must heal the tree itself rather than
// relying on the lock to have protected it.
func RecoverPending(root string) error {
	if err := mutation.Recover(root); err != nil {
		return fmt.Errorf("recover pending mutation: %w", err)
	}

	if err := dryrun.Recover(root); err != nil {
		return fmt.Errorf("recover pending dry-run instrumentation: %w", err)
	}

	return nil
}

// Acquire takes a non-blocking exclusive flock on <root>/.necessist.lock,
// creating the file if needed. It returns ErrHeld immediately if another
// process holds it — necessist never waits for a concurrent run to
// finish.
func Acquire(root string) (*Lock, error) {
	path := filepath.Join(root, lockFilename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrHeld
		}

		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &Lock{file: f}, nil
}

// Release unlocks and closes the lock file. The first call clears the
// file handle, so a second call (or a call on a nil Lock) returns nil
// without touching the descriptor.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()

	l.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close lock file: %w", closeErr)
	}

	return nil
}
