package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot both stores",
		Long:  "Write timestamped snapshots of the graph store and vector index, pruning old snapshots beyond the retention count.",
		Run:   runBackup,
	}

	cmd.Flags().Bool("list", false, "List existing backups instead of writing one")

	RootCmd.AddCommand(cmd)
}

func runBackup(cmd *cobra.Command, args []string) {
	list, _ := cmd.Flags().GetBool("list")

	cfg := loadConfig()
	logger := newLogger(cfg.Level())

	st := openStores(cfg, logger)
	defer st.close()

	if list {
		records, err := st.backups.List()
		if err != nil {
			exitErr("list backups", err)
		}
		b, _ := json.MarshalIndent(records, "", "  ")
		fmt.Println(string(b))
		return
	}

	records, err := st.backups.BackupAll(cmd.Context())
	if err != nil {
		exitErr("backup", err)
	}

	b, _ := json.MarshalIndent(records, "", "  ")
	fmt.Println(string(b))
}
