package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
)

// Export is the portable serialized form of the graph store.
type Export struct {
	ExportedAt    time.Time             `json:"exported_at"`
	RootConcept   string                `json:"root_concept"`
	Authoritative []model.Concept       `json:"authoritative_concepts"`
	Staged        []model.Concept       `json:"staged_concepts"`
	Relations     []model.Relation      `json:"relations"`
	Manifest      []model.ManifestEntry `json:"manifest"`
}

// WriteExport serializes the whole store (both partitions, relations and
// manifest) as a single JSON document.
func (s *Store) WriteExport(ctx context.Context, w io.Writer) error {
	exp := Export{ExportedAt: time.Now().UTC(), RootConcept: s.root}

	var err error
	if exp.Authoritative, err = s.ListConcepts(ctx, model.Authoritative); err != nil {
		return fmt.Errorf("export authoritative: %w", err)
	}
	if exp.Staged, err = s.ListConcepts(ctx, model.Staged); err != nil {
		return fmt.Errorf("export staged: %w", err)
	}
	if exp.Relations, err = s.ListRelations(ctx); err != nil {
		return fmt.Errorf("export relations: %w", err)
	}
	if exp.Manifest, err = s.ListManifest(ctx); err != nil {
		return fmt.Errorf("export manifest: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exp)
}

// Restore loads an export into the store. Existing rows win: restore never
// overwrites concepts or resets relation weights, it only fills gaps, so
// restoring on top of a live store is safe.
func (s *Store) Restore(ctx context.Context, r io.Reader) error {
	var exp Export
	if err := json.NewDecoder(r).Decode(&exp); err != nil {
		return fmt.Errorf("decode export: %w", err)
	}

	for _, c := range exp.Authoritative {
		if err := s.insertConceptIfAbsent(ctx, c, model.Authoritative); err != nil {
			return err
		}
	}
	for _, c := range exp.Staged {
		if err := s.insertConceptIfAbsent(ctx, c, model.Staged); err != nil {
			return err
		}
	}
	for _, rel := range exp.Relations {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO relations (from_id, to_id, rel, weight, last_reinforced_at) VALUES (?, ?, ?, ?, ?)`,
			rel.FromID, rel.ToID, rel.Type, rel.Weight, rel.LastReinforcedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("restore relation %s->%s: %w", rel.FromID, rel.ToID, err)
		}
	}
	for _, m := range exp.Manifest {
		membersJSON, _ := json.Marshal(m.MemberMentions)
		var syncedAt *string
		if m.SyncedAt != nil {
			v := m.SyncedAt.UTC().Format(time.RFC3339)
			syncedAt = &v
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO manifest (id, concept_id, member_mentions, parent_id, promoted_at, synced_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConceptID, string(membersJSON), nullable(m.ParentID),
			m.PromotedAt.UTC().Format(time.RFC3339), syncedAt)
		if err != nil {
			return fmt.Errorf("restore manifest %s: %w", m.ID, err)
		}
	}
	return nil
}
