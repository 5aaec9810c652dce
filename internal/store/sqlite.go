package store

import (
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver

	"github.com/trailofbits/necessist/internal/candidate"
)

const schema = `
CREATE TABLE IF NOT EXISTS removal (
	span    TEXT PRIMARY KEY,
	text    TEXT NOT NULL,
	outcome TEXT NOT NULL CHECK (outcome IN
	           ('nonbuildable','failed','timed-out','passed','irrelevant','skipped')),
	url     TEXT NOT NULL
);
`

// SQLiteStore is the durable removal(span, text, outcome, url) table
// described in the outcome-store schema, backed by the embedded
// mattn/go-sqlite3 driver.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create removal table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(spanKey string) (candidate.Removal, bool, error) {
	row := s.db.QueryRow(`SELECT span, text, outcome, url FROM removal WHERE span = ?`, spanKey)

	var rec candidate.Removal

	var outcome string

	if err := row.Scan(&rec.SpanKey, &rec.Excerpt, &outcome, &rec.URL); err != nil {
		if err == sql.ErrNoRows {
			return candidate.Removal{}, false, nil
		}

		return candidate.Removal{}, false, fmt.Errorf("query removal %s: %w", spanKey, err)
	}

	rec.Outcome = candidate.Outcome(outcome)

	return rec, true, nil
}

func (s *SQLiteStore) Put(rec candidate.Removal) error {
	_, err := s.db.Exec(
		`INSERT INTO removal (span, text, outcome, url) VALUES (?, ?, ?, ?)
		 ON CONFLICT(span) DO UPDATE SET text = excluded.text, outcome = excluded.outcome, url = excluded.url`,
		rec.SpanKey, rec.Excerpt, string(rec.Outcome), rec.URL,
	)
	if err != nil {
		return fmt.Errorf("write removal %s: %w", rec.SpanKey, err)
	}

	return nil
}

func (s *SQLiteStore) Reset() error {
	if _, err := s.db.Exec(`DELETE FROM removal`); err != nil {
		return fmt.Errorf("reset removal table: %w", err)
	}

	return nil
}

func (s *SQLiteStore) All() ([]candidate.Removal, error) {
	rows, err := s.db.Query(`SELECT span, text, outcome, url FROM removal ORDER BY span`)
	if err != nil {
		return nil, fmt.Errorf("query all removals: %w", err)
	}
	defer rows.Close()

	var out []candidate.Removal

	for rows.Next() {
		var rec candidate.Removal

		var outcome string

		if err := rows.Scan(&rec.SpanKey, &rec.Excerpt, &outcome, &rec.URL); err != nil {
			return nil, fmt.Errorf("scan removal row: %w", err)
		}

		rec.Outcome = candidate.Outcome(outcome)
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate removals: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SpanKey < out[j].SpanKey })

	return out, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite store: %w", err)
	}

	return nil
}
