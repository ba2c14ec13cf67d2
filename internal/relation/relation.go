// Package relation reinforces co-occurrence edges between concepts that
// resolved out of the same document group.
package relation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/graphstore"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
)

// Builder derives relation edges from a batch of resolutions.
type Builder struct {
	graph  *graphstore.Store
	logger *slog.Logger
}

// New builds a relation builder.
func New(g *graphstore.Store, logger *slog.Logger) *Builder {
	return &Builder{graph: g, logger: logger}
}

// Build reinforces the related edge for every pair of distinct concepts
// observed in the same group. promoted maps canonical phrases that became
// concepts during this run, so freshly committed concepts relate too.
// Returns the number of pair observations written.
func (b *Builder) Build(ctx context.Context, resolutions []model.Resolution, promoted map[string]string) (int, error) {
	byGroup := make(map[string]map[string]struct{})
	for _, r := range resolutions {
		id := r.MatchedID
		if r.IsNew {
			id = promoted[r.CanonicalPhrase]
		}
		if id == "" {
			continue
		}
		group := byGroup[r.Mention.GroupID]
		if group == nil {
			group = make(map[string]struct{})
			byGroup[r.Mention.GroupID] = group
		}
		group[id] = struct{}{}
	}

	written := 0
	for groupID, set := range byGroup {
		if len(set) < 2 {
			continue
		}
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				weight, err := b.graph.ReinforceRelation(ctx, ids[i], ids[j])
				if err != nil {
					return written, fmt.Errorf("relate %s and %s: %w", ids[i], ids[j], err)
				}
				written++
				b.logger.Debug("relation reinforced",
					"group", groupID, "from", ids[i], "to", ids[j], "weight", weight)
			}
		}
	}
	return written, nil
}
