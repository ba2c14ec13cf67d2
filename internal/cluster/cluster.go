// Package cluster groups staged entries by embedding similarity and runs
// candidate groups past the oracle before they become concepts.
package cluster

import (
	"context"
	"fmt"
	"sort"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/oracle"
)

// Detector finds promotable groups among staged entries.
type Detector struct {
	threshold float64
	minSize   int
}

// NewDetector builds a detector. threshold is the minimum cosine similarity
// that links two entries; minSize is the smallest group worth promoting.
func NewDetector(threshold float64, minSize int) *Detector {
	return &Detector{threshold: threshold, minSize: minSize}
}

// Detect partitions entries into single-link similarity groups and returns
// those of at least minSize, largest first. Ties break on the oldest member's
// creation time, then on the lexically smallest entry id, so repeated runs
// over the same store promote in the same order.
func (d *Detector) Detect(entries []model.StagedEntry) [][]model.StagedEntry {
	n := len(entries)
	if n == 0 {
		return nil
	}

	// Union-find over pairwise similarity. Staged sets stay small enough
	// that the quadratic scan is not worth an index.
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if embedding.CosineSimilarity(entries[i].Embedding, entries[j].Embedding) >= d.threshold {
				union(i, j)
			}
		}
	}

	byRoot := make(map[int][]model.StagedEntry)
	for i, e := range entries {
		r := find(i)
		byRoot[r] = append(byRoot[r], e)
	}

	var groups [][]model.StagedEntry
	for _, g := range byRoot {
		if len(g) < d.minSize {
			continue
		}
		sort.Slice(g, func(i, j int) bool {
			if !g[i].CreatedAt.Equal(g[j].CreatedAt) {
				return g[i].CreatedAt.Before(g[j].CreatedAt)
			}
			return g[i].ID < g[j].ID
		})
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i]) != len(groups[j]) {
			return len(groups[i]) > len(groups[j])
		}
		a, b := groups[i][0], groups[j][0]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return groups
}

// Validator asks the oracle whether a detected group names one coherent
// concept.
type Validator struct {
	oracle oracle.Oracle
}

// NewValidator builds a validator.
func NewValidator(o oracle.Oracle) *Validator {
	return &Validator{oracle: o}
}

// Validate submits a group to the oracle. Accepted groups come back with a
// representative phrase and a unified description; the representative must
// be one of the members' canonical phrases, falling back to the oldest
// member's phrase when the oracle invents one.
func (v *Validator) Validate(ctx context.Context, group []model.StagedEntry) (model.Cluster, error) {
	c := model.Cluster{Entries: group}

	req := oracle.ClusterRequest{Members: make([]oracle.ClusterMember, len(group))}
	for i, e := range group {
		req.Members[i] = oracle.ClusterMember{
			ConceptText:     e.ConceptText,
			CanonicalPhrase: e.CanonicalPhrase,
			Description:     e.Description,
		}
	}

	decision, err := v.oracle.ValidateCluster(ctx, req)
	if err != nil {
		return c, fmt.Errorf("validate cluster of %d: %w", len(group), err)
	}

	c.Validated = decision.Accepted
	c.Reason = decision.Reason
	if !decision.Accepted {
		return c, nil
	}

	c.Representative = group[0].CanonicalPhrase
	for _, e := range group {
		if e.CanonicalPhrase == decision.RepresentativePhrase {
			c.Representative = decision.RepresentativePhrase
			break
		}
	}
	c.UnifiedDescription = decision.UnifiedDescription
	if c.UnifiedDescription == "" {
		c.UnifiedDescription = group[0].Description
	}
	return c, nil
}
