package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/syncer"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Merge staged concepts into the authoritative graph",
		Long: "Merge every pending promotion into the authoritative partitions of the graph\n" +
			"store and vector index. Both stores are backed up first; a backup failure\n" +
			"aborts the merge. Safe to re-run after a partial failure.",
		Run: runSync,
	}

	cmd.Flags().Bool("skip-backup", false, "Skip the pre-merge backup")

	RootCmd.AddCommand(cmd)
}

func runSync(cmd *cobra.Command, args []string) {
	skipBackup, _ := cmd.Flags().GetBool("skip-backup")

	cfg := loadConfig()
	logger := newLogger(cfg.Level())

	st := openStores(cfg, logger)
	defer st.close()

	sy := syncer.New(st.graph, st.index, st.backups, cfg.Pipeline.LockPath, cfg.Pipeline.LockTTL, logger)
	report, err := sy.Sync(cmd.Context(), skipBackup)
	if err != nil {
		b, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(b))
		exitErr("sync", err)
	}

	b, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(b))
}
