// Package pipeline orchestrates one ingestion run: parse mentions, resolve
// them against the existing graph, stage the unmatched, promote clusters,
// and reinforce relations.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/backup"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/cluster"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/committer"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/graphstore"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/relation"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/resolver"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/staging"
)

// Options tunes one ingestion run.
type Options struct {
	SkipBackup  bool
	Parallelism int
	LockPath    string
	LockTTL     time.Duration
}

// Summary reports what one ingestion run did.
type Summary struct {
	Total     int                  `json:"total_mentions"`
	Matched   int                  `json:"matched"`
	Staged    int                  `json:"staged"`
	Deduped   int                  `json:"deduplicated"`
	Promoted  []string             `json:"promoted_concepts,omitempty"`
	Relations int                  `json:"relation_observations"`
	Failed    int                  `json:"failed"`
	Backups   []model.BackupRecord `json:"backups,omitempty"`
}

// Pipeline wires the ingestion stages together.
type Pipeline struct {
	retriever *resolver.Retriever
	resolver  *resolver.Resolver
	staged    *staging.Store
	detector  *cluster.Detector
	validator *cluster.Validator
	committer *committer.Committer
	relations *relation.Builder
	backups   *backup.Manager
	logger    *slog.Logger
}

// New builds a pipeline.
func New(rt *resolver.Retriever, rs *resolver.Resolver, st *staging.Store,
	d *cluster.Detector, v *cluster.Validator, c *committer.Committer,
	rb *relation.Builder, b *backup.Manager, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		retriever: rt, resolver: rs, staged: st,
		detector: d, validator: v, committer: c,
		relations: rb, backups: b, logger: logger,
	}
}

// outcome is one mention's resolution plus what staging needs.
type outcome struct {
	resolution model.Resolution
	vec        embedding.Vector
	failed     bool
}

// Run ingests a batch of mentions. Resolution runs concurrently; a failed
// mention is counted and skipped rather than aborting the batch. Staging,
// promotion, and relations run after all resolutions settle.
func (p *Pipeline) Run(ctx context.Context, mentions []model.Mention, opts Options) (Summary, error) {
	summary := Summary{Total: len(mentions)}
	if len(mentions) == 0 {
		return summary, nil
	}

	release, err := graphstore.AcquireLock(opts.LockPath, opts.LockTTL)
	if err != nil {
		return summary, err
	}
	defer release()

	if !opts.SkipBackup {
		records, err := p.backups.BackupAll(ctx)
		if err != nil {
			return summary, fmt.Errorf("ingestion aborted: %w", err)
		}
		summary.Backups = records
	}

	outcomes := make([]outcome, len(mentions))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Parallelism > 0 {
		g.SetLimit(opts.Parallelism)
	}
	for i, m := range mentions {
		i, m := i, m
		g.Go(func() error {
			description, vec, candidates, err := p.retriever.Retrieve(gctx, m)
			if err != nil {
				p.logger.Error("mention failed", "concept", m.Concept, "error", err)
				outcomes[i] = outcome{failed: true}
				return nil
			}
			res, err := p.resolver.Resolve(gctx, m, description, candidates)
			if err != nil {
				p.logger.Error("mention failed", "concept", m.Concept, "error", err)
				outcomes[i] = outcome{failed: true}
				return nil
			}
			outcomes[i] = outcome{resolution: res, vec: vec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	var resolutions []model.Resolution
	for _, o := range outcomes {
		if o.failed {
			summary.Failed++
			continue
		}
		resolutions = append(resolutions, o.resolution)
		if !o.resolution.IsNew {
			summary.Matched++
			p.logger.Debug("mention matched",
				"concept", o.resolution.Mention.Concept, "matched_id", o.resolution.MatchedID)
			continue
		}

		inserted, err := p.staged.InsertIfAbsent(ctx, model.StagedEntry{
			ConceptText:     o.resolution.Mention.Concept,
			Description:     o.resolution.Description,
			Source:          o.resolution.Mention.Source,
			CanonicalPhrase: o.resolution.CanonicalPhrase,
			Reason:          o.resolution.Reason,
			Embedding:       o.vec,
			Meta:            o.resolution.Mention.Meta,
		})
		if err != nil {
			return summary, err
		}
		if inserted {
			summary.Staged++
		} else {
			summary.Deduped++
		}
	}

	promoted, byPhrase, err := p.promote(ctx)
	if err != nil {
		return summary, err
	}
	summary.Promoted = promoted

	written, err := p.relations.Build(ctx, resolutions, byPhrase)
	if err != nil {
		return summary, err
	}
	summary.Relations = written

	p.logger.Info("ingestion complete",
		"total", summary.Total, "matched", summary.Matched,
		"staged", summary.Staged, "promoted", len(summary.Promoted),
		"failed", summary.Failed)
	return summary, nil
}

// promote runs one cluster detection and promotion pass over the staging
// store. Rejected clusters leave their entries staged for later batches.
// The returned map takes a member's canonical phrase to its new concept id
// so the relation pass can link this batch's promoted mentions.
func (p *Pipeline) promote(ctx context.Context) ([]string, map[string]string, error) {
	entries, err := p.staged.All(ctx)
	if err != nil {
		return nil, nil, err
	}
	groups := p.detector.Detect(entries)

	var promoted []string
	byPhrase := make(map[string]string)
	for _, group := range groups {
		validated, err := p.validator.Validate(ctx, group)
		if err != nil {
			return promoted, byPhrase, err
		}
		if !validated.Validated {
			p.logger.Info("cluster rejected",
				"size", len(group), "reason", validated.Reason)
			continue
		}
		concept, err := p.committer.Commit(ctx, validated)
		if err != nil {
			return promoted, byPhrase, err
		}
		promoted = append(promoted, concept.ID)
		for _, e := range validated.Entries {
			byPhrase[e.CanonicalPhrase] = concept.ID
		}
	}
	return promoted, byPhrase, nil
}
