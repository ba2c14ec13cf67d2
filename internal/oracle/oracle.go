// Package oracle wraps the external text-understanding capability behind a
// typed contract. Responses are validated against strict decision schemas at
// this boundary; violations surface as oracle failures, never as decisions.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/apperr"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
)

// Oracle makes semantic judgments on request.
type Oracle interface {
	// Describe synthesizes a retrieval-friendly description of a concept
	// phrase, conditioned on the chunk it was extracted from.
	Describe(ctx context.Context, concept, chunkText string) (string, error)

	// ResolveMatch decides whether a mention folds into one of the retrieved
	// candidates or is genuinely new.
	ResolveMatch(ctx context.Context, req MatchRequest) (MatchDecision, error)

	// ValidateCluster judges whether all members of a candidate cluster
	// denote the same concept and, if so, picks a representative phrase and
	// a unified description.
	ValidateCluster(ctx context.Context, req ClusterRequest) (ClusterDecision, error)

	// AssignParent places a new concept under an existing taxonomy concept.
	AssignParent(ctx context.Context, req ParentRequest) (ParentDecision, error)
}

// MatchRequest carries one mention and its retrieved candidates.
type MatchRequest struct {
	Concept    string
	ChunkText  string
	GroupTitle string
	Candidates []model.Candidate
}

// MatchDecision is the structured match-vs-new decision.
type MatchDecision struct {
	MatchedConceptID string `json:"matched_concept_id"`
	IsNew            bool   `json:"is_new"`
	CanonicalPhrase  string `json:"canonical_phrase_summary"`
	Reason           string `json:"reason"`
}

func (d MatchDecision) validate() error {
	if d.MatchedConceptID == "" && !d.IsNew {
		return fmt.Errorf("decision has neither matched_concept_id nor is_new")
	}
	if d.IsNew && strings.TrimSpace(d.CanonicalPhrase) == "" {
		return fmt.Errorf("is_new decision missing canonical_phrase_summary")
	}
	return nil
}

// ClusterMember is one staged entry presented for cluster validation.
type ClusterMember struct {
	ConceptText     string
	CanonicalPhrase string
	Description     string
}

// ClusterRequest carries all members of one candidate cluster.
type ClusterRequest struct {
	Members []ClusterMember
}

// ClusterDecision accepts or rejects a cluster. An accepted decision names a
// representative phrase (one of the members' canonical phrase summaries) and
// one unified description spanning all members.
type ClusterDecision struct {
	RepresentativePhrase string `json:"representative_phrase"`
	UnifiedDescription   string `json:"unified_description"`
	Accepted             bool   `json:"accepted"`
	Reason               string `json:"reason"`
}

func (d ClusterDecision) validate() error {
	if !d.Accepted {
		return nil
	}
	if strings.TrimSpace(d.RepresentativePhrase) == "" {
		return fmt.Errorf("accepted cluster missing representative_phrase")
	}
	if strings.TrimSpace(d.UnifiedDescription) == "" {
		return fmt.Errorf("accepted cluster missing unified_description")
	}
	return nil
}

// ParentCandidate is an existing concept offered as a possible parent.
type ParentCandidate struct {
	ConceptID   string
	Description string
}

// ParentRequest carries a new concept and the taxonomy context.
type ParentRequest struct {
	ConceptID    string
	Description  string
	RootChildren []string
	Similar      []ParentCandidate
}

// ParentDecision names the parent concept, or empty when none fits (the
// committer then falls back to the configured root concept).
type ParentDecision struct {
	ParentConceptID string `json:"parent_concept_id"`
}

// schemaErr wraps a schema violation into the oracle failure taxonomy.
func schemaErr(err error) error {
	return fmt.Errorf("%w: malformed decision: %v", apperr.ErrOracleFailure, err)
}
