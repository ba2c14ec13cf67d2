package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/backup"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/cluster"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/committer"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/graphstore"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/oracle"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/relation"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/resolver"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/staging"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/vecindex"
)

// stubEmbedder maps known texts to fixed vectors; unknown texts share a
// default vector so unmatched mentions cluster together.
type stubEmbedder struct {
	vectors map[string]embedding.Vector
	failOn  string
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if e.failOn != "" && text == e.failOn {
		return nil, fmt.Errorf("embedder down")
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return embedding.Vector{0, 0, 0, 1}, nil
}

func (e *stubEmbedder) Dims() int { return 4 }

type fixture struct {
	p      *Pipeline
	graph  *graphstore.Store
	index  *vecindex.Index
	staged *staging.Store
	opts   Options
}

func newFixture(t *testing.T, orc oracle.Oracle, emb embedding.Embedder, minSize int) fixture {
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
	st, err := staging.New(filepath.Join(dir, "staging.db"))
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	t.Cleanup(func() { st.Close(); ix.Close(); g.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(
		resolver.NewRetriever(orc, emb, ix, 5, "Root"),
		resolver.New(orc, logger),
		st,
		cluster.NewDetector(0.70, minSize),
		cluster.NewValidator(orc),
		committer.New(orc, emb, g, ix, st, logger),
		relation.New(g, logger),
		backup.New(filepath.Join(dir, "backups"), 10, g, ix, logger),
		logger,
	)
	return fixture{
		p: p, graph: g, index: ix, staged: st,
		opts: Options{
			SkipBackup:  true,
			Parallelism: 2,
			LockPath:    filepath.Join(dir, "run.lock"),
			LockTTL:     time.Hour,
		},
	}
}

func mention(concept, group, source string) model.Mention {
	return model.Mention{
		Concept:    concept,
		ChunkText:  "a chunk discussing " + concept,
		GroupID:    group,
		GroupTitle: "Chapter " + group,
		Source:     source,
	}
}

func seedConcept(t *testing.T, fx fixture, id, description string, vec embedding.Vector) {
	t.Helper()
	ctx := context.Background()
	if err := fx.graph.PutConcept(ctx, model.Concept{ID: id, Description: description, ParentID: "Root"}, model.Authoritative); err != nil {
		t.Fatalf("seed graph: %v", err)
	}
	if err := fx.index.Upsert(ctx, vecindex.Entry{
		ID: id, Description: description, Embedding: vec, Partition: model.Authoritative,
	}); err != nil {
		t.Fatalf("seed index: %v", err)
	}
}

func TestRunMatchesExistingConcept(t *testing.T) {
	ctx := context.Background()
	orc := &oracle.Scripted{
		Descriptions: map[string]string{"goroutines": "lightweight thread"},
		Matches: map[string]oracle.MatchDecision{
			"goroutines": {MatchedConceptID: "goroutine", Reason: "synonym"},
		},
	}
	emb := &stubEmbedder{vectors: map[string]embedding.Vector{
		"lightweight thread": {1, 0, 0, 0},
	}}
	fx := newFixture(t, orc, emb, 5)
	seedConcept(t, fx, "goroutine", "lightweight thread", embedding.Vector{1, 0, 0, 0})

	summary, err := fx.p.Run(ctx, []model.Mention{mention("goroutines", "g1", "doc")}, fx.opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Matched != 1 || summary.Staged != 0 || summary.Failed != 0 {
		t.Errorf("summary: %+v", summary)
	}
	n, _ := fx.staged.Count(ctx)
	if n != 0 {
		t.Errorf("matched mention must not be staged, %d entries", n)
	}
}

func TestRunStagesBelowClusterSize(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &oracle.Scripted{}, &stubEmbedder{}, 5)

	var mentions []model.Mention
	for i := 0; i < 4; i++ {
		mentions = append(mentions, mention("waitgroup", "g1", fmt.Sprintf("doc-%d", i)))
	}

	summary, err := fx.p.Run(ctx, mentions, fx.opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Staged != 4 || len(summary.Promoted) != 0 {
		t.Errorf("summary: %+v", summary)
	}
	n, _ := fx.staged.Count(ctx)
	if n != 4 {
		t.Errorf("expected 4 staged entries, got %d", n)
	}
}

func TestRunPromotesCluster(t *testing.T) {
	ctx := context.Background()
	orc := &oracle.Scripted{
		Clusters: map[string]oracle.ClusterDecision{
			"waitgroup": {
				RepresentativePhrase: "waitgroup",
				UnifiedDescription:   "synchronization barrier for goroutines",
				Accepted:             true,
				Reason:               "all members denote waitgroups",
			},
		},
	}
	fx := newFixture(t, orc, &stubEmbedder{}, 5)

	var mentions []model.Mention
	for i := 0; i < 5; i++ {
		mentions = append(mentions, mention("waitgroup", "g1", fmt.Sprintf("doc-%d", i)))
	}

	summary, err := fx.p.Run(ctx, mentions, fx.opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Promoted) != 1 || summary.Promoted[0] != "waitgroup" {
		t.Fatalf("promoted: %+v", summary.Promoted)
	}

	concept, err := fx.graph.GetConcept(ctx, "waitgroup", model.Staged)
	if err != nil {
		t.Fatalf("promoted concept missing: %v", err)
	}
	if concept.Description != "synchronization barrier for goroutines" {
		t.Errorf("description: %q", concept.Description)
	}
	if concept.ParentID != "Root" {
		t.Errorf("parent: %q", concept.ParentID)
	}

	pending, _ := fx.graph.UnsyncedManifest(ctx)
	if len(pending) != 1 {
		t.Errorf("expected 1 pending manifest entry, got %d", len(pending))
	}
	n, _ := fx.staged.Count(ctx)
	if n != 0 {
		t.Errorf("staging should be drained after promotion, %d left", n)
	}
}

func TestRunRelatesPromotedWithMatched(t *testing.T) {
	ctx := context.Background()
	orc := &oracle.Scripted{
		Descriptions: map[string]string{"goroutines": "lightweight thread"},
		Matches: map[string]oracle.MatchDecision{
			"goroutines": {MatchedConceptID: "goroutine"},
		},
		Clusters: map[string]oracle.ClusterDecision{
			"waitgroup": {
				RepresentativePhrase: "waitgroup",
				UnifiedDescription:   "synchronization barrier",
				Accepted:             true,
			},
		},
	}
	emb := &stubEmbedder{vectors: map[string]embedding.Vector{
		"lightweight thread": {1, 0, 0, 0},
	}}
	fx := newFixture(t, orc, emb, 5)
	seedConcept(t, fx, "goroutine", "lightweight thread", embedding.Vector{1, 0, 0, 0})

	mentions := []model.Mention{mention("goroutines", "g1", "doc-x")}
	for i := 0; i < 5; i++ {
		mentions = append(mentions, mention("waitgroup", "g1", fmt.Sprintf("doc-%d", i)))
	}

	summary, err := fx.p.Run(ctx, mentions, fx.opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Relations != 1 {
		t.Errorf("expected 1 relation observation, got %d", summary.Relations)
	}
	w, _ := fx.graph.RelationWeight(ctx, "goroutine", "waitgroup")
	if w != 1 {
		t.Errorf("expected weight 1 between matched and promoted, got %d", w)
	}
}

func TestRunReingestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &oracle.Scripted{}, &stubEmbedder{}, 5)

	mentions := []model.Mention{
		mention("waitgroup", "g1", "doc-a"),
		mention("waitgroup", "g1", "doc-b"),
	}

	if _, err := fx.p.Run(ctx, mentions, fx.opts); err != nil {
		t.Fatalf("first run: %v", err)
	}
	summary, err := fx.p.Run(ctx, mentions, fx.opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Staged != 0 || summary.Deduped != 2 {
		t.Errorf("re-ingest should deduplicate: %+v", summary)
	}
	n, _ := fx.staged.Count(ctx)
	if n != 2 {
		t.Errorf("expected 2 staged entries after re-ingest, got %d", n)
	}
}

func TestRunFailedMentionDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	orc := &oracle.Scripted{
		Descriptions: map[string]string{"bad": "boom"},
	}
	emb := &stubEmbedder{failOn: "boom"}
	fx := newFixture(t, orc, emb, 5)

	mentions := []model.Mention{
		mention("bad", "g1", "doc"),
		mention("waitgroup", "g1", "doc"),
	}

	summary, err := fx.p.Run(ctx, mentions, fx.opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected 1 failed mention, got %d", summary.Failed)
	}
	if summary.Staged != 1 {
		t.Errorf("healthy mention should still stage, got %d", summary.Staged)
	}
}

func TestRunWritesBackupFirst(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &oracle.Scripted{}, &stubEmbedder{}, 5)

	opts := fx.opts
	opts.SkipBackup = false

	summary, err := fx.p.Run(ctx, []model.Mention{mention("waitgroup", "g1", "doc")}, opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Backups) != 2 {
		t.Errorf("expected graph and index backups, got %+v", summary.Backups)
	}
}

func TestRunEmptyBatch(t *testing.T) {
	fx := newFixture(t, &oracle.Scripted{}, &stubEmbedder{}, 5)

	summary, err := fx.p.Run(context.Background(), nil, fx.opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Total != 0 {
		t.Errorf("summary: %+v", summary)
	}
}
