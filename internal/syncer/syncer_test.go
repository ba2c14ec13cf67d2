package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/apperr"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/backup"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/graphstore"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/vecindex"
)

type fixture struct {
	graph *graphstore.Store
	index *vecindex.Index
	sync  *Syncer
	dir   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	g, err := graphstore.New(filepath.Join(dir, "graph.db"), "Root")
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	ix, err := vecindex.New(filepath.Join(dir, "vec.db"))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	t.Cleanup(func() { ix.Close(); g.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := backup.New(filepath.Join(dir, "backups"), 10, g, ix, logger)
	sy := New(g, ix, b, filepath.Join(dir, "run.lock"), time.Hour, logger)
	return fixture{graph: g, index: ix, sync: sy, dir: dir}
}

// stage writes a staged concept into both stores plus a manifest entry.
func stage(t *testing.T, fx fixture, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	err := fx.graph.PutConcept(ctx, model.Concept{
		ID: id, Description: "about " + id, ParentID: "Root", StagedAt: &now,
	}, model.Staged)
	if err != nil {
		t.Fatalf("put staged: %v", err)
	}
	err = fx.index.Upsert(ctx, vecindex.Entry{
		ID: id, Description: "about " + id,
		Embedding: embedding.Vector{1, 0, 0}, Partition: model.Staged,
	})
	if err != nil {
		t.Fatalf("upsert staged: %v", err)
	}
	if _, err := fx.graph.AppendManifest(ctx, model.ManifestEntry{ConceptID: id, ParentID: "Root"}); err != nil {
		t.Fatalf("manifest: %v", err)
	}
}

func TestSyncMergesStagedConcepts(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	stage(t, fx, "goroutine")
	stage(t, fx, "channel")

	report, err := fx.sync.Sync(ctx, true)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(report.Merged) != 2 {
		t.Fatalf("expected 2 merged, got %+v", report)
	}

	for _, id := range []string{"goroutine", "channel"} {
		if _, err := fx.graph.GetConcept(ctx, id, model.Authoritative); err != nil {
			t.Errorf("%s not authoritative in graph: %v", id, err)
		}
		if _, err := fx.graph.GetConcept(ctx, id, model.Staged); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("%s still staged in graph", id)
		}
		if _, err := fx.index.Get(ctx, id, model.Authoritative); err != nil {
			t.Errorf("%s not authoritative in index: %v", id, err)
		}
	}

	pending, _ := fx.graph.UnsyncedManifest(ctx)
	if len(pending) != 0 {
		t.Errorf("expected empty manifest backlog, got %d", len(pending))
	}
}

func TestSyncIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	stage(t, fx, "goroutine")

	if _, err := fx.sync.Sync(ctx, true); err != nil {
		t.Fatalf("sync: %v", err)
	}
	report, err := fx.sync.Sync(ctx, true)
	if err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	if len(report.Merged) != 0 || len(report.Skipped) != 0 {
		t.Errorf("second sync should be empty, got %+v", report)
	}
}

func TestSyncReplaysPartialRun(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	stage(t, fx, "goroutine")

	// Simulate a crash after the stores merged but before the manifest was
	// stamped: promote manually and leave the manifest entry unsynced.
	if err := fx.graph.PromoteConcept(ctx, "goroutine"); err != nil {
		t.Fatalf("promote: %v", err)
	}

	report, err := fx.sync.Sync(ctx, true)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(report.Skipped) != 1 {
		t.Fatalf("expected 1 already-merged entry, got %+v", report)
	}
	if _, err := fx.index.Get(ctx, "goroutine", model.Authoritative); err != nil {
		t.Errorf("index promotion not replayed: %v", err)
	}
	pending, _ := fx.graph.UnsyncedManifest(ctx)
	if len(pending) != 0 {
		t.Error("replayed entry should be marked synced")
	}
}

func TestSyncConflictHaltsConceptOnly(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	stage(t, fx, "goroutine")
	stage(t, fx, "channel")

	// Out-of-band authoritative write with different content.
	err := fx.graph.PutConcept(ctx, model.Concept{
		ID: "goroutine", Description: "someone else's definition",
	}, model.Authoritative)
	if err != nil {
		t.Fatalf("collide: %v", err)
	}

	report, err := fx.sync.Sync(ctx, true)
	if !errors.Is(err, apperr.ErrSyncConflict) {
		t.Fatalf("expected ErrSyncConflict, got %v", err)
	}
	if len(report.Conflicts) != 1 || report.Conflicts[0] != "goroutine" {
		t.Errorf("conflicts: %+v", report.Conflicts)
	}
	if len(report.Merged) != 1 || report.Merged[0] != "channel" {
		t.Errorf("clean concept should still merge: %+v", report.Merged)
	}

	// The conflicted staged row is untouched for manual resolution.
	if _, err := fx.graph.GetConcept(ctx, "goroutine", model.Staged); err != nil {
		t.Errorf("conflicted staged concept must remain: %v", err)
	}
	pending, _ := fx.graph.UnsyncedManifest(ctx)
	if len(pending) != 1 {
		t.Errorf("conflicted manifest entry must stay pending, got %d", len(pending))
	}
}

func TestSyncBackupRunsBeforeMerge(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	stage(t, fx, "goroutine")

	report, err := fx.sync.Sync(ctx, false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(report.Backups) != 2 {
		t.Fatalf("expected graph and index backups, got %+v", report.Backups)
	}
	for _, rec := range report.Backups {
		if _, err := os.Stat(rec.Path); err != nil {
			t.Errorf("backup file missing: %v", err)
		}
	}
}

func TestSyncNothingPendingSkipsBackup(t *testing.T) {
	fx := newFixture(t)

	report, err := fx.sync.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(report.Backups) != 0 {
		t.Error("no backup expected when there is nothing to sync")
	}
}

func TestSyncHeldLock(t *testing.T) {
	fx := newFixture(t)
	stage(t, fx, "goroutine")

	release, err := graphstore.AcquireLock(filepath.Join(fx.dir, "run.lock"), time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if _, err := fx.sync.Sync(context.Background(), true); !errors.Is(err, apperr.ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

type countingEmbedder struct{ calls int }

func (e *countingEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	e.calls++
	return embedding.Vector{1, 0, 0}, nil
}
func (e *countingEmbedder) Dims() int { return 3 }

func TestInitIndexRebuildsFromGraph(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	fx.graph.PutConcept(ctx, model.Concept{ID: "goroutine", Description: "d1", ParentID: "Root"}, model.Authoritative)
	fx.graph.PutConcept(ctx, model.Concept{ID: "channel", Description: "d2"}, model.Staged)

	// Stale leftover that the rebuild must clear.
	fx.index.Upsert(ctx, vecindex.Entry{
		ID: "removed", Description: "gone",
		Embedding: embedding.Vector{0, 1, 0}, Partition: model.Authoritative,
	})

	emb := &countingEmbedder{}
	n, err := fx.sync.InitIndex(ctx, emb)
	if err != nil {
		t.Fatalf("init index: %v", err)
	}
	if n != 3 { // root + goroutine + channel
		t.Errorf("expected 3 vectors, got %d", n)
	}
	if emb.calls != 3 {
		t.Errorf("expected 3 embeddings, got %d", emb.calls)
	}
	if _, err := fx.index.Get(ctx, "removed", model.Authoritative); err == nil {
		t.Error("stale vector should be cleared")
	}
	if _, err := fx.index.Get(ctx, "channel", model.Staged); err != nil {
		t.Errorf("staged concept missing from rebuilt index: %v", err)
	}
}
