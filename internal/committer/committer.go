// Package committer turns a validated cluster into a staged concept. The
// commit writes both stores and the manifest before touching the staging
// store; staged entries are deleted last so a crash replays rather than
// loses work.
package committer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/apperr"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/graphstore"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/oracle"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/staging"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/vecindex"
)

// parentCandidates caps how many similar concepts are offered as parents.
const parentCandidates = 5

// Committer commits validated clusters to the staged partitions.
type Committer struct {
	oracle   oracle.Oracle
	embedder embedding.Embedder
	graph    *graphstore.Store
	index    *vecindex.Index
	staged   *staging.Store
	logger   *slog.Logger
}

// New builds a committer.
func New(o oracle.Oracle, emb embedding.Embedder, g *graphstore.Store, ix *vecindex.Index, st *staging.Store, logger *slog.Logger) *Committer {
	return &Committer{oracle: o, embedder: emb, graph: g, index: ix, staged: st, logger: logger}
}

// Commit promotes a validated cluster into the staged partitions of both
// stores, records it in the manifest, and finally clears the cluster's
// staging entries. Any failure before the final delete leaves the entries
// staged; re-running the promotion pass is safe because the staged writes
// are keyed by concept id.
func (c *Committer) Commit(ctx context.Context, cl model.Cluster) (model.Concept, error) {
	var concept model.Concept
	if !cl.Validated {
		return concept, fmt.Errorf("commit %q: cluster not validated", cl.Representative)
	}

	vec, err := c.embedder.Embed(ctx, cl.UnifiedDescription)
	if err != nil {
		return concept, fmt.Errorf("embed %q: %w: %v", cl.Representative, apperr.ErrCommitFailure, err)
	}

	parentID, err := c.assignParent(ctx, cl.Representative, cl.UnifiedDescription, vec)
	if err != nil {
		return concept, err
	}

	now := time.Now().UTC()
	contributors := make(map[string]struct{})
	mentionIDs := make([]string, 0, len(cl.Entries))
	sources := make([]string, 0, len(cl.Entries))
	for _, e := range cl.Entries {
		mentionIDs = append(mentionIDs, e.ID)
		if _, seen := contributors[e.Source]; !seen {
			contributors[e.Source] = struct{}{}
			sources = append(sources, e.Source)
		}
	}

	concept = model.Concept{
		ID:              cl.Representative,
		Description:     cl.UnifiedDescription,
		ParentID:        parentID,
		Contributors:    sources,
		CreatedAt:       now,
		StagedAt:        &now,
		SourceMentions:  mentionIDs,
		PromotionReason: cl.Reason,
	}

	if err := c.graph.PutConcept(ctx, concept, model.Staged); err != nil {
		return concept, fmt.Errorf("%w: %v", apperr.ErrCommitFailure, err)
	}
	if err := c.index.Upsert(ctx, vecindex.Entry{
		ID:          concept.ID,
		Description: concept.Description,
		Embedding:   vec,
		Partition:   model.Staged,
	}); err != nil {
		return concept, fmt.Errorf("%w: %v", apperr.ErrCommitFailure, err)
	}

	if _, err := c.graph.AppendManifest(ctx, model.ManifestEntry{
		ConceptID:      concept.ID,
		MemberMentions: mentionIDs,
		ParentID:       parentID,
	}); err != nil {
		return concept, fmt.Errorf("%w: %v", apperr.ErrCommitFailure, err)
	}

	// Deleted last. A failure here re-promotes the same cluster next run,
	// which the keyed staged writes absorb.
	if err := c.staged.DeleteEntries(ctx, mentionIDs); err != nil {
		return concept, fmt.Errorf("%w: clear staging for %s: %v", apperr.ErrCommitFailure, concept.ID, err)
	}

	c.logger.Info("cluster committed",
		"concept", concept.ID, "parent", parentID, "members", len(cl.Entries))
	return concept, nil
}

// assignParent asks the oracle to place the new concept under an existing
// one. An empty or unknown answer falls back to the root.
func (c *Committer) assignParent(ctx context.Context, id, description string, vec embedding.Vector) (string, error) {
	rootChildren, err := c.graph.RootChildren(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: root children: %v", apperr.ErrCommitFailure, err)
	}

	similar, err := c.index.Query(ctx, vec, parentCandidates, false)
	if err != nil {
		return "", fmt.Errorf("%w: parent candidates: %v", apperr.ErrCommitFailure, err)
	}

	req := oracle.ParentRequest{
		ConceptID:    id,
		Description:  description,
		RootChildren: rootChildren,
	}
	for _, cand := range similar {
		if cand.ConceptID == c.graph.Root() || cand.ConceptID == id {
			continue
		}
		req.Similar = append(req.Similar, oracle.ParentCandidate{
			ConceptID:   cand.ConceptID,
			Description: cand.Description,
		})
	}

	decision, err := c.oracle.AssignParent(ctx, req)
	if err != nil {
		return "", fmt.Errorf("assign parent for %q: %w", id, err)
	}

	parent := decision.ParentConceptID
	if parent == "" || parent == id {
		return c.graph.Root(), nil
	}
	exists, err := c.graph.Exists(ctx, parent, model.Authoritative)
	if err != nil {
		return "", fmt.Errorf("%w: check parent %s: %v", apperr.ErrCommitFailure, parent, err)
	}
	if !exists {
		c.logger.Warn("oracle named unknown parent, using root", "concept", id, "parent", parent)
		return c.graph.Root(), nil
	}
	return parent, nil
}
