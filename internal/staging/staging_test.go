package staging

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "staging.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(concept, source string) model.StagedEntry {
	return model.StagedEntry{
		ConceptText:     concept,
		Description:     "about " + concept,
		Source:          source,
		CanonicalPhrase: concept,
		Embedding:       embedding.Vector{1, 0, 0},
	}
}

func TestInsertIfAbsentDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inserted, err := s.InsertIfAbsent(ctx, entry("goroutine", "doc-a"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatal("first insert should report inserted")
	}

	// Same concept from the same source: ignored.
	inserted, err = s.InsertIfAbsent(ctx, entry("goroutine", "doc-a"))
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if inserted {
		t.Error("duplicate insert should report not inserted")
	}

	// Same concept from another source counts as fresh evidence.
	inserted, _ = s.InsertIfAbsent(ctx, entry("goroutine", "doc-b"))
	if !inserted {
		t.Error("same concept from a different source should insert")
	}

	n, _ := s.Count(ctx)
	if n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
}

func TestAllRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := entry("goroutine", "doc-a")
	e.Reason = "no similar concept"
	e.Meta = map[string]any{"page": float64(3)}
	if _, err := s.InsertIfAbsent(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(all))
	}
	got := all[0]
	if got.ID == "" {
		t.Error("expected generated id")
	}
	if got.ConceptText != "goroutine" || got.Reason != "no similar concept" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 1 {
		t.Errorf("embedding mismatch: %v", got.Embedding)
	}
	if got.Meta["page"] != float64(3) {
		t.Errorf("meta mismatch: %v", got.Meta)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at stamp")
	}
}

func TestAllOrderedOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, c := range []string{"first", "second", "third"} {
		if _, err := s.InsertIfAbsent(ctx, entry(c, "doc")); err != nil {
			t.Fatalf("insert %s: %v", c, err)
		}
	}

	all, _ := s.All(ctx)
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].ConceptText != "first" || all[2].ConceptText != "third" {
		t.Errorf("unexpected order: %s, %s, %s", all[0].ConceptText, all[1].ConceptText, all[2].ConceptText)
	}
}

func TestDeleteEntriesReplaySafe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.InsertIfAbsent(ctx, entry("a", "doc"))
	s.InsertIfAbsent(ctx, entry("b", "doc"))

	all, _ := s.All(ctx)
	ids := []string{all[0].ID, all[1].ID}

	if err := s.DeleteEntries(ctx, ids); err != nil {
		t.Fatalf("delete: %v", err)
	}
	n, _ := s.Count(ctx)
	if n != 0 {
		t.Errorf("expected empty store, got %d", n)
	}

	// Replaying the same delete is a no-op.
	if err := s.DeleteEntries(ctx, ids); err != nil {
		t.Fatalf("delete replay: %v", err)
	}
	if err := s.DeleteEntries(ctx, nil); err != nil {
		t.Fatalf("empty delete: %v", err)
	}
}
