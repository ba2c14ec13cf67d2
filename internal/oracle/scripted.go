package oracle

import (
	"context"
	"fmt"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/apperr"
)

// Scripted is a deterministic Oracle for tests and dry runs. Unscripted
// lookups fall back to simple defaults instead of erroring, so tests only
// script the decisions they care about.
type Scripted struct {
	// Descriptions maps concept text to a synthesized description.
	Descriptions map[string]string
	// Matches maps concept text to a match decision.
	Matches map[string]MatchDecision
	// Clusters maps a representative member's canonical phrase to a decision.
	Clusters map[string]ClusterDecision
	// Parents maps concept id to its assigned parent.
	Parents map[string]string
	// Fail, when set, makes every call fail (for failure-path tests).
	Fail bool

	DescribeCalls int
	MatchCalls    int
	ClusterCalls  int
	ParentCalls   int
}

func (s *Scripted) Describe(ctx context.Context, concept, chunkText string) (string, error) {
	s.DescribeCalls++
	if s.Fail {
		return "", fmt.Errorf("%w: scripted failure", apperr.ErrOracleFailure)
	}
	if d, ok := s.Descriptions[concept]; ok {
		return d, nil
	}
	return "description of " + concept, nil
}

func (s *Scripted) ResolveMatch(ctx context.Context, req MatchRequest) (MatchDecision, error) {
	s.MatchCalls++
	if s.Fail {
		return MatchDecision{}, fmt.Errorf("%w: scripted failure", apperr.ErrOracleFailure)
	}
	if d, ok := s.Matches[req.Concept]; ok {
		return d, nil
	}
	return MatchDecision{IsNew: true, CanonicalPhrase: req.Concept, Reason: "unscripted"}, nil
}

func (s *Scripted) ValidateCluster(ctx context.Context, req ClusterRequest) (ClusterDecision, error) {
	s.ClusterCalls++
	if s.Fail {
		return ClusterDecision{}, fmt.Errorf("%w: scripted failure", apperr.ErrOracleFailure)
	}
	for _, m := range req.Members {
		if d, ok := s.Clusters[m.CanonicalPhrase]; ok {
			return d, nil
		}
	}
	return ClusterDecision{Accepted: false, Reason: "unscripted"}, nil
}

func (s *Scripted) AssignParent(ctx context.Context, req ParentRequest) (ParentDecision, error) {
	s.ParentCalls++
	if s.Fail {
		return ParentDecision{}, fmt.Errorf("%w: scripted failure", apperr.ErrOracleFailure)
	}
	return ParentDecision{ParentConceptID: s.Parents[req.ConceptID]}, nil
}
