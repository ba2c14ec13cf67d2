package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	logger := newLogger(cfg.Level())

	st := openStores(cfg, logger)
	defer st.close()

	graphStats, err := st.graph.Stats(cmd.Context())
	if err != nil {
		exitErr("graph stats", err)
	}
	vectors, err := st.index.Count(cmd.Context(), true)
	if err != nil {
		exitErr("index stats", err)
	}
	stagedEntries, err := st.staged.Count(cmd.Context())
	if err != nil {
		exitErr("staging stats", err)
	}

	out := struct {
		AuthoritativeConcepts int `json:"authoritative_concepts"`
		StagedConcepts        int `json:"staged_concepts"`
		Relations             int `json:"relations"`
		PendingSync           int `json:"pending_manifest_entries"`
		IndexedVectors        int `json:"indexed_vectors"`
		StagedEntries         int `json:"staged_entries"`
	}{
		AuthoritativeConcepts: graphStats.Authoritative,
		StagedConcepts:        graphStats.StagedGraph,
		Relations:             graphStats.Relations,
		PendingSync:           graphStats.PendingSync,
		IndexedVectors:        vectors,
		StagedEntries:         stagedEntries,
	}

	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}
