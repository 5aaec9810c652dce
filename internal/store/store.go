// Package store persists trial outcomes keyed by span. Two implementations
// share the Store interface: a SQLite-backed durable store (the default)
// and an in-memory sink for --no-sqlite runs that don't need the result to
// survive the process.
package store

import "github.com/trailofbits/necessist/internal/candidate"

// Store is the outcome-record sink the trial scheduler writes to and the
// --dump/--resume code paths read from.
type Store interface {
	// Get returns the previously recorded outcome for spanKey, if any.
	Get(spanKey string) (candidate.Removal, bool, error)

	// Put persists one record, overwriting any existing record for the
	// same span key.
	Put(rec candidate.Removal) error

	// Reset truncates every stored record (the --reset flag).
	Reset() error

	// All returns every stored record, ordered by span key, for --dump.
	All() ([]candidate.Removal, error)

	// Close releases the store's resources.
	Close() error
}
