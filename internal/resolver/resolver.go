// Package resolver turns raw mentions into resolution decisions. A retriever
// gathers similarity candidates for a mention and the resolver asks the
// oracle whether the mention matches one of them or names a new concept.
package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/apperr"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/oracle"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/vecindex"
)

// Retriever produces match candidates for a mention: it describes the
// mention via the oracle, embeds the description, and queries the vector
// index across both partitions.
type Retriever struct {
	oracle   oracle.Oracle
	embedder embedding.Embedder
	index    *vecindex.Index
	topK     int
	root     string
}

// NewRetriever builds a retriever. root names the taxonomy root concept,
// which is never offered as a merge candidate.
func NewRetriever(o oracle.Oracle, emb embedding.Embedder, ix *vecindex.Index, topK int, root string) *Retriever {
	return &Retriever{oracle: o, embedder: emb, index: ix, topK: topK, root: root}
}

// Retrieve returns the mention's generated description, its embedding, and
// the top candidates from the index. Index unavailability is reported as
// ErrRetrievalUnavailable so callers can fail the mention without stopping
// the batch.
func (r *Retriever) Retrieve(ctx context.Context, m model.Mention) (string, embedding.Vector, []model.Candidate, error) {
	description, err := r.oracle.Describe(ctx, m.Concept, m.ChunkText)
	if err != nil {
		return "", nil, nil, fmt.Errorf("describe %q: %w", m.Concept, err)
	}

	vec, err := r.embedder.Embed(ctx, description)
	if err != nil {
		return "", nil, nil, fmt.Errorf("embed %q: %w: %v", m.Concept, apperr.ErrRetrievalUnavailable, err)
	}

	candidates, err := r.index.Query(ctx, vec, r.topK, true)
	if err != nil {
		return "", nil, nil, fmt.Errorf("query candidates for %q: %w: %v", m.Concept, apperr.ErrRetrievalUnavailable, err)
	}

	// The root anchors the taxonomy and must never absorb mentions.
	filtered := candidates[:0]
	for _, c := range candidates {
		if c.ConceptID == r.root {
			continue
		}
		filtered = append(filtered, c)
	}
	return description, vec, filtered, nil
}

// Resolver decides whether a mention matches an existing concept.
type Resolver struct {
	oracle oracle.Oracle
	logger *slog.Logger
}

// New builds a resolver.
func New(o oracle.Oracle, logger *slog.Logger) *Resolver {
	return &Resolver{oracle: o, logger: logger}
}

// Resolve asks the oracle to match the mention against the candidates. With
// no candidates the mention is new without an oracle round trip. A matched
// id outside the candidate set is discarded and treated as new.
func (r *Resolver) Resolve(ctx context.Context, m model.Mention, description string, candidates []model.Candidate) (model.Resolution, error) {
	res := model.Resolution{Mention: m, Description: description}

	if len(candidates) == 0 {
		res.IsNew = true
		res.CanonicalPhrase = m.Concept
		res.Reason = "no existing concepts to match against"
		return res, nil
	}

	req := oracle.MatchRequest{
		Concept:    m.Concept,
		ChunkText:  m.ChunkText,
		GroupTitle: m.GroupTitle,
		Candidates: candidates,
	}
	decision, err := r.oracle.ResolveMatch(ctx, req)
	if err != nil {
		return res, fmt.Errorf("resolve %q: %w", m.Concept, err)
	}

	if !decision.IsNew {
		if inCandidateSet(decision.MatchedConceptID, candidates) {
			res.MatchedID = decision.MatchedConceptID
			res.Reason = decision.Reason
			return res, nil
		}
		r.logger.Warn("matched id not among candidates, treating as new",
			"concept", m.Concept, "matched_id", decision.MatchedConceptID)
	}

	res.IsNew = true
	res.CanonicalPhrase = decision.CanonicalPhrase
	if res.CanonicalPhrase == "" {
		res.CanonicalPhrase = m.Concept
	}
	res.Reason = decision.Reason
	return res, nil
}

func inCandidateSet(id string, candidates []model.Candidate) bool {
	for _, c := range candidates {
		if c.ConceptID == id {
			return true
		}
	}
	return false
}
