// Package staging persists mentions that did not match any existing concept.
// Entries wait here until a large enough cluster of similar entries promotes
// them into a staged concept.
package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
)

// Store holds staged entries in SQLite.
type Store struct {
	db      *sql.DB
	entropy *rand.Rand
}

// New opens or creates the staging store at the given path.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open staging store: %w", err)
	}
	s := &Store{db: db, entropy: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate staging store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS staged_entries (
		id               TEXT PRIMARY KEY,
		concept_text     TEXT NOT NULL,
		description      TEXT NOT NULL,
		source           TEXT NOT NULL,
		canonical_phrase TEXT NOT NULL,
		reason           TEXT,
		embedding        BLOB NOT NULL,
		meta             TEXT,
		created_at       TEXT NOT NULL,
		UNIQUE (concept_text, source)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertIfAbsent stores an entry unless the same concept text from the same
// source is already staged. The reported bool is true when a row was written,
// so re-ingesting a document never double-counts toward cluster size.
func (s *Store) InsertIfAbsent(ctx context.Context, e model.StagedEntry) (bool, error) {
	if e.ID == "" {
		e.ID = ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	meta, _ := json.Marshal(e.Meta)

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO staged_entries
		 (id, concept_text, description, source, canonical_phrase, reason, embedding, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConceptText, e.Description, e.Source, e.CanonicalPhrase, e.Reason,
		embedding.Encode(e.Embedding), string(meta), e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("stage %q: %w", e.ConceptText, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// All returns every staged entry ordered oldest first.
func (s *Store) All(ctx context.Context) ([]model.StagedEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, concept_text, description, source, canonical_phrase, reason, embedding, meta, created_at
		 FROM staged_entries ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.StagedEntry
	for rows.Next() {
		var e model.StagedEntry
		var blob []byte
		var meta, reason sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.ConceptText, &e.Description, &e.Source,
			&e.CanonicalPhrase, &reason, &blob, &meta, &created); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		if e.Embedding, err = embedding.Decode(blob); err != nil {
			return nil, fmt.Errorf("staged entry %s: %w", e.ID, err)
		}
		if meta.Valid && meta.String != "" {
			json.Unmarshal([]byte(meta.String), &e.Meta)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("staged entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of staged entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM staged_entries`).Scan(&n)
	return n, err
}

// DeleteEntries removes entries by id in a single transaction. Missing ids
// are ignored so a replayed promotion can delete again safely.
func (s *Store) DeleteEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM staged_entries WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete staged entries: %w", err)
	}
	return tx.Commit()
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}
