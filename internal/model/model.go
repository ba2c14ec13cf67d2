// Package model defines the core concept-graph data types.
package model

import "time"

// Partition distinguishes authoritative data from staged (not yet
// synced) data in the graph store and vector index.
type Partition string

const (
	// Authoritative is the partition operators and downstream consumers read.
	Authoritative Partition = "authoritative"
	// Staged holds promoted concepts awaiting the operator sync step.
	Staged Partition = "staged"
)

// RelationRelated is the only relation type produced by ingestion.
const RelationRelated = "related"

// Mention is one occurrence of a candidate concept phrase extracted from a
// source document chunk. Mentions are consumed by resolution, never stored.
type Mention struct {
	Concept    string         `json:"concept"`
	ChunkText  string         `json:"chunk_text"`
	GroupID    string         `json:"group_id"`
	GroupTitle string         `json:"group_title"`
	Source     string         `json:"source"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Candidate is a retrieved concept ranked by similarity to a mention's
// synthesized description.
type Candidate struct {
	ConceptID   string  `json:"concept_id"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
	Staged      bool    `json:"staged,omitempty"`
}

// Concept is a normalized node in the knowledge graph. The ID is the
// canonical phrase. Staged concepts carry the promotion fields.
type Concept struct {
	ID           string    `json:"id"`
	Description  string    `json:"description"`
	ParentID     string    `json:"parent_id,omitempty"`
	Contributors []string  `json:"contributors,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	StagedAt        *time.Time `json:"staged_at,omitempty"`
	SourceMentions  []string   `json:"source_mentions,omitempty"`
	PromotionReason string     `json:"promotion_reason,omitempty"`
}

// Relation is a weighted co-occurrence edge. Edges are written in both
// directions; weight only ever increases.
type Relation struct {
	FromID           string    `json:"from_id"`
	ToID             string    `json:"to_id"`
	Type             string    `json:"type"`
	Weight           int       `json:"weight"`
	LastReinforcedAt time.Time `json:"last_reinforced_at"`
}

// StagedEntry is an unmatched mention held in the staging store until its
// cluster is promoted or it is discarded.
type StagedEntry struct {
	ID              string         `json:"id"`
	ConceptText     string         `json:"concept_text"`
	Description     string         `json:"description"`
	Source          string         `json:"source"`
	CanonicalPhrase string         `json:"canonical_phrase_summary"`
	Reason          string         `json:"resolution_reason,omitempty"`
	Embedding       []float32      `json:"-"`
	Meta            map[string]any `json:"meta,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Cluster is a transient group of staged entries judged to denote the same
// concept. Unvalidated clusters leave their members staged.
type Cluster struct {
	Entries            []StagedEntry `json:"entries"`
	Representative     string        `json:"representative_phrase"`
	UnifiedDescription string        `json:"unified_description"`
	Validated          bool          `json:"validated"`
	Reason             string        `json:"reason,omitempty"`
}

// ManifestEntry is the append-only audit record written when a validated
// cluster is committed to the staged partitions. Sync consumes unsynced
// entries.
type ManifestEntry struct {
	ID             string     `json:"id"`
	ConceptID      string     `json:"concept_id"`
	MemberMentions []string   `json:"member_mentions"`
	ParentID       string     `json:"parent_id"`
	PromotedAt     time.Time  `json:"promoted_at"`
	SyncedAt       *time.Time `json:"synced_at,omitempty"`
}

// Resolution is the terminal decision for one mention: matched into an
// existing concept or genuinely new.
type Resolution struct {
	Mention         Mention `json:"mention"`
	MatchedID       string  `json:"matched_concept_id,omitempty"`
	IsNew           bool    `json:"is_new"`
	CanonicalPhrase string  `json:"canonical_phrase_summary,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	Description     string  `json:"description,omitempty"`
}

// BackupRecord describes one written backup artifact.
type BackupRecord struct {
	Path      string    `json:"path"`
	StoreKind string    `json:"store_kind"`
	CreatedAt time.Time `json:"created_at"`
}
