// Package graphstore implements the concept graph on SQLite: concepts in two
// named partitions (authoritative, staged), weighted relations, and the
// promotion manifest consumed by sync.
package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/apperr"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
)

// Store is the SQLite-backed graph store.
type Store struct {
	db      *sql.DB
	path    string
	root    string
	entropy *rand.Rand
}

// New opens or creates a graph store at the given path and seeds the root
// concept.
func New(dbPath, rootConcept string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{
		db:      db,
		path:    dbPath,
		root:    rootConcept,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Root returns the configured root concept id.
func (s *Store) Root() string { return s.root }

// Path returns the store's database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS concepts (
		id               TEXT NOT NULL,
		partition        TEXT NOT NULL,
		description      TEXT NOT NULL,
		parent_id        TEXT,
		contributors     TEXT,
		created_at       TEXT NOT NULL,
		staged_at        TEXT,
		source_mentions  TEXT,
		promotion_reason TEXT,
		PRIMARY KEY (id, partition)
	);
	CREATE INDEX IF NOT EXISTS idx_concepts_parent ON concepts(partition, parent_id);

	CREATE TABLE IF NOT EXISTS relations (
		from_id            TEXT NOT NULL,
		to_id              TEXT NOT NULL,
		rel                TEXT NOT NULL DEFAULT 'related',
		weight             INTEGER NOT NULL DEFAULT 1,
		last_reinforced_at TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id, rel)
	);
	CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_id);

	CREATE TABLE IF NOT EXISTS manifest (
		id              TEXT PRIMARY KEY,
		concept_id      TEXT NOT NULL,
		member_mentions TEXT,
		parent_id       TEXT,
		promoted_at     TEXT NOT NULL,
		synced_at       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_manifest_unsynced ON manifest(synced_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Seed the taxonomy root so parent assignment always has an anchor.
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO concepts (id, partition, description, created_at) VALUES (?, ?, ?, ?)`,
		s.root, string(model.Authoritative), "taxonomy root", now)
	return err
}

// PutConcept writes a concept into the given partition. Writes are keyed and
// idempotent: re-putting the same id into the staged partition overwrites the
// staged row; authoritative rows are never overwritten.
func (s *Store) PutConcept(ctx context.Context, c model.Concept, p model.Partition) error {
	verb := "INSERT OR IGNORE"
	if p == model.Staged {
		verb = "INSERT OR REPLACE"
	}
	return s.putConcept(ctx, c, p, verb)
}

// insertConceptIfAbsent writes a concept only when its id is not already
// present in the partition. Restore uses it so live rows always win.
func (s *Store) insertConceptIfAbsent(ctx context.Context, c model.Concept, p model.Partition) error {
	return s.putConcept(ctx, c, p, "INSERT OR IGNORE")
}

func (s *Store) putConcept(ctx context.Context, c model.Concept, p model.Partition, verb string) error {
	contributors, _ := json.Marshal(c.Contributors)
	sources, _ := json.Marshal(c.SourceMentions)

	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var stagedAt *string
	if c.StagedAt != nil {
		v := c.StagedAt.UTC().Format(time.RFC3339)
		stagedAt = &v
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`%s INTO concepts (id, partition, description, parent_id, contributors, created_at, staged_at, source_mentions, promotion_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, verb),
		c.ID, string(p), c.Description, nullable(c.ParentID), string(contributors),
		createdAt.UTC().Format(time.RFC3339), stagedAt, string(sources), nullable(c.PromotionReason))
	if err != nil {
		return fmt.Errorf("put concept %s: %w", c.ID, err)
	}
	return nil
}

// GetConcept reads one concept from the given partition.
func (s *Store) GetConcept(ctx context.Context, id string, p model.Partition) (model.Concept, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, description, parent_id, contributors, created_at, staged_at, source_mentions, promotion_reason
		 FROM concepts WHERE id = ? AND partition = ?`, id, string(p))
	c, err := scanConcept(row)
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("concept %s (%s): %w", id, p, apperr.ErrNotFound)
	}
	return c, err
}

// Exists reports whether a concept id is present in the given partition.
func (s *Store) Exists(ctx context.Context, id string, p model.Partition) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM concepts WHERE id = ? AND partition = ?`, id, string(p)).Scan(&n)
	return n > 0, err
}

// ListConcepts returns all concepts in a partition ordered by id.
func (s *Store) ListConcepts(ctx context.Context, p model.Partition) ([]model.Concept, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, description, parent_id, contributors, created_at, staged_at, source_mentions, promotion_reason
		 FROM concepts WHERE partition = ? ORDER BY id`, string(p))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var concepts []model.Concept
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, err
		}
		concepts = append(concepts, c)
	}
	return concepts, rows.Err()
}

// RootChildren returns the authoritative concepts directly under the root.
func (s *Store) RootChildren(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM concepts WHERE partition = ? AND parent_id = ? ORDER BY id`,
		string(model.Authoritative), s.root)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReinforceRelation upserts the undirected related edge between two concepts:
// created with weight 1, otherwise incremented by 1. Both directions go in
// one transaction; the conflict clause makes the increment atomic.
func (s *Store) ReinforceRelation(ctx context.Context, a, b string) (int, error) {
	if a == b {
		return 0, fmt.Errorf("self relation %s", a)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	upsert := `INSERT INTO relations (from_id, to_id, rel, weight, last_reinforced_at)
	           VALUES (?, ?, ?, 1, ?)
	           ON CONFLICT(from_id, to_id, rel) DO UPDATE SET
	             weight = weight + 1, last_reinforced_at = excluded.last_reinforced_at`
	if _, err := tx.ExecContext(ctx, upsert, a, b, model.RelationRelated, now); err != nil {
		return 0, fmt.Errorf("reinforce %s->%s: %w", a, b, err)
	}
	if _, err := tx.ExecContext(ctx, upsert, b, a, model.RelationRelated, now); err != nil {
		return 0, fmt.Errorf("reinforce %s->%s: %w", b, a, err)
	}

	var weight int
	if err := tx.QueryRowContext(ctx,
		`SELECT weight FROM relations WHERE from_id = ? AND to_id = ? AND rel = ?`,
		a, b, model.RelationRelated).Scan(&weight); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return weight, nil
}

// RelationWeight returns the current weight of the edge a->b, 0 when absent.
func (s *Store) RelationWeight(ctx context.Context, a, b string) (int, error) {
	var weight int
	err := s.db.QueryRowContext(ctx,
		`SELECT weight FROM relations WHERE from_id = ? AND to_id = ? AND rel = ?`,
		a, b, model.RelationRelated).Scan(&weight)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return weight, err
}

// ListRelations returns all relation edges.
func (s *Store) ListRelations(ctx context.Context) ([]model.Relation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_id, to_id, rel, weight, last_reinforced_at FROM relations ORDER BY from_id, to_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []model.Relation
	for rows.Next() {
		var r model.Relation
		var ts string
		if err := rows.Scan(&r.FromID, &r.ToID, &r.Type, &r.Weight, &ts); err != nil {
			return nil, err
		}
		r.LastReinforcedAt, _ = time.Parse(time.RFC3339, ts)
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// AppendManifest records a promotion. The manifest is append-only; sync marks
// entries synced but never deletes them.
func (s *Store) AppendManifest(ctx context.Context, m model.ManifestEntry) (model.ManifestEntry, error) {
	if m.ID == "" {
		m.ID = s.newID()
	}
	if m.PromotedAt.IsZero() {
		m.PromotedAt = time.Now().UTC()
	}
	members, _ := json.Marshal(m.MemberMentions)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO manifest (id, concept_id, member_mentions, parent_id, promoted_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConceptID, string(members), nullable(m.ParentID), m.PromotedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return m, fmt.Errorf("append manifest: %w", err)
	}
	return m, nil
}

// UnsyncedManifest returns manifest entries not yet merged by sync, oldest
// first.
func (s *Store) UnsyncedManifest(ctx context.Context) ([]model.ManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, concept_id, member_mentions, parent_id, promoted_at, synced_at
		 FROM manifest WHERE synced_at IS NULL ORDER BY promoted_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanManifest(rows)
}

// ListManifest returns all manifest entries, oldest first.
func (s *Store) ListManifest(ctx context.Context) ([]model.ManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, concept_id, member_mentions, parent_id, promoted_at, synced_at
		 FROM manifest ORDER BY promoted_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanManifest(rows)
}

// MarkSynced stamps a manifest entry as merged.
func (s *Store) MarkSynced(ctx context.Context, manifestID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `UPDATE manifest SET synced_at = ? WHERE id = ?`, now, manifestID)
	return err
}

// PromoteConcept moves a staged concept into the authoritative partition.
// The insert ignores an existing identical row so a retried sync stays
// idempotent.
func (s *Store) PromoteConcept(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// A zero-row insert means already promoted or nothing staged; both are
	// fine for a retried sync, the caller decides via Exists.
	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO concepts (id, partition, description, parent_id, contributors, created_at, staged_at, source_mentions, promotion_reason)
		 SELECT id, ?, description, parent_id, contributors, created_at, staged_at, source_mentions, promotion_reason
		 FROM concepts WHERE id = ? AND partition = ?`,
		string(model.Authoritative), id, string(model.Staged))
	if err != nil {
		return fmt.Errorf("promote %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM concepts WHERE id = ? AND partition = ?`, id, string(model.Staged)); err != nil {
		return err
	}

	return tx.Commit()
}

// Stats summarizes store contents for the operator.
type Stats struct {
	Authoritative int `json:"authoritative_concepts"`
	StagedGraph   int `json:"staged_concepts"`
	Relations     int `json:"relations"`
	PendingSync   int `json:"pending_manifest_entries"`
}

// Stats counts rows per table and partition.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	q := func(query string, args ...any) (int, error) {
		var n int
		err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
		return n, err
	}
	var err error
	if st.Authoritative, err = q(`SELECT COUNT(*) FROM concepts WHERE partition = ?`, string(model.Authoritative)); err != nil {
		return st, err
	}
	if st.StagedGraph, err = q(`SELECT COUNT(*) FROM concepts WHERE partition = ?`, string(model.Staged)); err != nil {
		return st, err
	}
	if st.Relations, err = q(`SELECT COUNT(*) FROM relations`); err != nil {
		return st, err
	}
	if st.PendingSync, err = q(`SELECT COUNT(*) FROM manifest WHERE synced_at IS NULL`); err != nil {
		return st, err
	}
	return st, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConcept(row scanner) (model.Concept, error) {
	var c model.Concept
	var parent, contributors, stagedAt, sources, reason sql.NullString
	var createdAt string

	err := row.Scan(&c.ID, &c.Description, &parent, &contributors, &createdAt, &stagedAt, &sources, &reason)
	if err != nil {
		return c, err
	}

	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if parent.Valid {
		c.ParentID = parent.String
	}
	if contributors.Valid {
		json.Unmarshal([]byte(contributors.String), &c.Contributors)
	}
	if stagedAt.Valid {
		t, _ := time.Parse(time.RFC3339, stagedAt.String)
		c.StagedAt = &t
	}
	if sources.Valid {
		json.Unmarshal([]byte(sources.String), &c.SourceMentions)
	}
	if reason.Valid {
		c.PromotionReason = reason.String
	}
	return c, nil
}

func scanManifest(rows *sql.Rows) ([]model.ManifestEntry, error) {
	var entries []model.ManifestEntry
	for rows.Next() {
		var m model.ManifestEntry
		var members, parent, syncedAt sql.NullString
		var promotedAt string
		if err := rows.Scan(&m.ID, &m.ConceptID, &members, &parent, &promotedAt, &syncedAt); err != nil {
			return nil, err
		}
		m.PromotedAt, _ = time.Parse(time.RFC3339, promotedAt)
		if members.Valid {
			json.Unmarshal([]byte(members.String), &m.MemberMentions)
		}
		if parent.Valid {
			m.ParentID = parent.String
		}
		if syncedAt.Valid {
			t, _ := time.Parse(time.RFC3339, syncedAt.String)
			m.SyncedAt = &t
		}
		entries = append(entries, m)
	}
	return entries, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
