// Package vecindex implements the concept vector index on SQLite. Concept
// description embeddings live in an authoritative and a staged partition;
// queries rank by cosine similarity and can span both.
package vecindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
)

// Index is the SQLite-backed vector index.
type Index struct {
	db   *sql.DB
	path string
}

// Entry is one stored vector with its payload.
type Entry struct {
	ID          string
	Description string
	Embedding   embedding.Vector
	Metadata    map[string]string
	Partition   model.Partition
}

// New opens or creates a vector index at the given path.
func New(dbPath string) (*Index, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	idx := &Index{db: db, path: dbPath}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return idx, nil
}

// Path returns the index's database file path.
func (ix *Index) Path() string { return ix.path }

func (ix *Index) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vectors (
		id          TEXT NOT NULL,
		partition   TEXT NOT NULL,
		embedding   BLOB NOT NULL,
		description TEXT NOT NULL,
		metadata    TEXT,
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (id, partition)
	);
	`
	_, err := ix.db.Exec(schema)
	return err
}

// Upsert writes or replaces the vector for a concept id in a partition.
func (ix *Index) Upsert(ctx context.Context, e Entry) error {
	if len(e.Embedding) == 0 {
		return fmt.Errorf("upsert %s: empty embedding", e.ID)
	}
	meta, _ := json.Marshal(e.Metadata)
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := ix.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO vectors (id, partition, embedding, description, metadata, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Partition), embedding.Encode(e.Embedding), e.Description, string(meta), now)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", e.ID, err)
	}
	return nil
}

// Query returns the k concepts most similar to the query vector, ordered by
// descending cosine similarity. With includeStaged, staged vectors compete
// with authoritative ones so freshly committed concepts absorb near
// duplicates before sync.
func (ix *Index) Query(ctx context.Context, vec embedding.Vector, k int, includeStaged bool) ([]model.Candidate, error) {
	query := `SELECT id, partition, embedding, description FROM vectors WHERE partition = ?`
	args := []any{string(model.Authoritative)}
	if includeStaged {
		query = `SELECT id, partition, embedding, description FROM vectors WHERE partition IN (?, ?)`
		args = append(args, string(model.Staged))
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []model.Candidate
	for rows.Next() {
		var id, partition, description string
		var blob []byte
		if err := rows.Scan(&id, &partition, &blob, &description); err != nil {
			return nil, err
		}
		stored, err := embedding.Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("vector %s: %w", id, err)
		}
		candidates = append(candidates, model.Candidate{
			ConceptID:   id,
			Description: description,
			Score:       embedding.CosineSimilarity(vec, stored),
			Staged:      partition == string(model.Staged),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Get returns one entry by id and partition.
func (ix *Index) Get(ctx context.Context, id string, p model.Partition) (Entry, error) {
	var e Entry
	var blob []byte
	var meta sql.NullString
	err := ix.db.QueryRowContext(ctx,
		`SELECT id, embedding, description, metadata FROM vectors WHERE id = ? AND partition = ?`,
		id, string(p)).Scan(&e.ID, &blob, &e.Description, &meta)
	if err != nil {
		return e, err
	}
	e.Partition = p
	if e.Embedding, err = embedding.Decode(blob); err != nil {
		return e, err
	}
	if meta.Valid {
		json.Unmarshal([]byte(meta.String), &e.Metadata)
	}
	return e, nil
}

// Promote moves a staged vector to the authoritative partition. Idempotent:
// an already-promoted id is left untouched and the staged row removed.
func (ix *Index) Promote(ctx context.Context, id string) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO vectors (id, partition, embedding, description, metadata, updated_at)
		 SELECT id, ?, embedding, description, metadata, updated_at
		 FROM vectors WHERE id = ? AND partition = ?`,
		string(model.Authoritative), id, string(model.Staged))
	if err != nil {
		return fmt.Errorf("promote vector %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM vectors WHERE id = ? AND partition = ?`, id, string(model.Staged)); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a vector from a partition.
func (ix *Index) Delete(ctx context.Context, id string, p model.Partition) error {
	_, err := ix.db.ExecContext(ctx,
		`DELETE FROM vectors WHERE id = ? AND partition = ?`, id, string(p))
	return err
}

// Count returns the number of stored vectors.
func (ix *Index) Count(ctx context.Context, includeStaged bool) (int, error) {
	query := `SELECT COUNT(*) FROM vectors WHERE partition = ?`
	args := []any{string(model.Authoritative)}
	if includeStaged {
		query = `SELECT COUNT(*) FROM vectors`
		args = nil
	}
	var n int
	err := ix.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// Clear removes every vector in a partition. Used by the first-time rebuild.
func (ix *Index) Clear(ctx context.Context, p model.Partition) error {
	_, err := ix.db.ExecContext(ctx, `DELETE FROM vectors WHERE partition = ?`, string(p))
	return err
}

// Close closes the index.
func (ix *Index) Close() error {
	return ix.db.Close()
}
