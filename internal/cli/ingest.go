package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/cluster"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/committer"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/oracle"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/pipeline"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/relation"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/resolver"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/syncer"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a mention batch into the concept graph",
		Long: "Ingest newline-delimited JSON mention records. Matched mentions reinforce\n" +
			"the existing graph; unmatched ones are staged until a cluster of similar\n" +
			"mentions earns promotion. Runs sync afterwards unless --skip-sync.",
		Run: runIngest,
	}

	cmd.Flags().StringP("input", "i", "", "Mention batch file (NDJSON), - for stdin")
	cmd.Flags().Bool("skip-backup", false, "Skip the pre-run backup")
	cmd.Flags().Bool("skip-sync", false, "Leave promoted concepts staged instead of syncing")
	cmd.MarkFlagRequired("input")

	RootCmd.AddCommand(cmd)
}

func runIngest(cmd *cobra.Command, args []string) {
	input, _ := cmd.Flags().GetString("input")
	skipBackup, _ := cmd.Flags().GetBool("skip-backup")
	skipSync, _ := cmd.Flags().GetBool("skip-sync")

	cfg := loadConfig()
	logger := newLogger(cfg.Level())

	var (
		reader = os.Stdin
		source = "stdin"
	)
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			exitErr("open input", err)
		}
		defer f.Close()
		reader = f
		source = filepath.Base(input)
	}

	mentions, skipped, err := pipeline.ReadMentions(reader, source, logger)
	if err != nil {
		exitErr("parse input", err)
	}

	st := openStores(cfg, logger)
	defer st.close()

	emb, err := embedding.NewFromConfig(cfg.Embedding)
	if err != nil {
		exitErr("configure embedder", err)
	}
	orc := oracle.NewClient(cfg.Oracle)

	p := pipeline.New(
		resolver.NewRetriever(orc, emb, st.index, cfg.Retrieval.TopK, cfg.Graph.RootConcept),
		resolver.New(orc, logger),
		st.staged,
		cluster.NewDetector(cfg.Cluster.SimilarityThreshold, cfg.Cluster.MinSize),
		cluster.NewValidator(orc),
		committer.New(orc, emb, st.graph, st.index, st.staged, logger),
		relation.New(st.graph, logger),
		st.backups,
		logger,
	)

	summary, err := p.Run(cmd.Context(), mentions, pipeline.Options{
		SkipBackup:  skipBackup,
		Parallelism: cfg.Pipeline.Parallelism,
		LockPath:    cfg.Pipeline.LockPath,
		LockTTL:     cfg.Pipeline.LockTTL,
	})
	if err != nil {
		exitErr("ingest", err)
	}

	out := struct {
		Ingest  pipeline.Summary `json:"ingest"`
		Skipped int              `json:"skipped_input_lines,omitempty"`
		Sync    *syncer.Report   `json:"sync,omitempty"`
	}{Ingest: summary, Skipped: skipped}

	if !skipSync && len(summary.Promoted) > 0 {
		sy := syncer.New(st.graph, st.index, st.backups, cfg.Pipeline.LockPath, cfg.Pipeline.LockTTL, logger)
		// The ingest run already backed up both stores.
		report, err := sy.Sync(cmd.Context(), true)
		if err != nil {
			exitErr("sync", err)
		}
		out.Sync = &report
	}

	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}
