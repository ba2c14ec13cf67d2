// Package cli implements the cherry CLI commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/backup"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/config"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/graphstore"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/staging"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/vecindex"
)

var (
	configPath string
	dataDir    string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "cherry",
	Short: "LLM-curated concept graph ingestion",
	Long: "cherry ingests concept mentions extracted from documents, folds them into an\n" +
		"existing concept graph or stages them until enough evidence accumulates, and\n" +
		"syncs staged concepts into the authoritative graph on demand.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $CHERRY_CONFIG or <data-dir>/config.yaml)")
	RootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: $CHERRY_DATA or ~/.cherry)")
}

func getDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if env := os.Getenv("CHERRY_DATA"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cherry")
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("CHERRY_CONFIG"); env != "" {
		return env
	}
	return filepath.Join(getDataDir(), "config.yaml")
}

func loadConfig() *config.Config {
	cfg, err := config.LoadOrDefault(getConfigPath(), getDataDir())
	if err != nil {
		exitErr("load config", err)
	}
	return cfg
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// stores bundles the three opened stores plus the backup manager.
type stores struct {
	graph   *graphstore.Store
	index   *vecindex.Index
	staged  *staging.Store
	backups *backup.Manager
}

func openStores(cfg *config.Config, logger *slog.Logger) *stores {
	g, err := graphstore.New(cfg.Graph.Path, cfg.Graph.RootConcept)
	if err != nil {
		exitErr("open graph store", err)
	}
	ix, err := vecindex.New(cfg.Index.Path)
	if err != nil {
		g.Close()
		exitErr("open vector index", err)
	}
	st, err := staging.New(cfg.Staging.Path)
	if err != nil {
		g.Close()
		ix.Close()
		exitErr("open staging store", err)
	}
	return &stores{
		graph:   g,
		index:   ix,
		staged:  st,
		backups: backup.New(cfg.Backup.Dir, cfg.Backup.Retention, g, ix, logger),
	}
}

func (s *stores) close() {
	s.staged.Close()
	s.index.Close()
	s.graph.Close()
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
