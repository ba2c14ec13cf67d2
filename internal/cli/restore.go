package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore graph contents from a backup export",
		Long: "Read a graph backup JSON and fill gaps in the current graph store. Existing\n" +
			"concepts and relation weights are never overwritten. Run init-index afterwards\n" +
			"to bring the vector index up to date.",
		Run: runRestore,
	}

	cmd.Flags().StringP("input", "i", "", "Graph backup file (graph_*.json)")
	cmd.MarkFlagRequired("input")

	RootCmd.AddCommand(cmd)
}

func runRestore(cmd *cobra.Command, args []string) {
	input, _ := cmd.Flags().GetString("input")

	cfg := loadConfig()
	logger := newLogger(cfg.Level())

	f, err := os.Open(input)
	if err != nil {
		exitErr("open backup", err)
	}
	defer f.Close()

	st := openStores(cfg, logger)
	defer st.close()

	if err := st.graph.Restore(cmd.Context(), f); err != nil {
		exitErr("restore", err)
	}

	fmt.Println("restored; run init-index to refresh the vector index")
}
