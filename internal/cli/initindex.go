package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/syncer"
)

func init() {
	cmd := &cobra.Command{
		Use:   "init-index",
		Short: "Rebuild the vector index from the graph store",
		Long: "Re-embed every concept description and rewrite the vector index. Use on\n" +
			"first setup against an existing graph or after the index file is lost.",
		Run: runInitIndex,
	}

	RootCmd.AddCommand(cmd)
}

func runInitIndex(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	logger := newLogger(cfg.Level())

	st := openStores(cfg, logger)
	defer st.close()

	emb, err := embedding.NewFromConfig(cfg.Embedding)
	if err != nil {
		exitErr("configure embedder", err)
	}

	sy := syncer.New(st.graph, st.index, st.backups, cfg.Pipeline.LockPath, cfg.Pipeline.LockTTL, logger)
	n, err := sy.InitIndex(cmd.Context(), emb)
	if err != nil {
		exitErr("init index", err)
	}

	fmt.Printf("indexed %d concepts\n", n)
}
