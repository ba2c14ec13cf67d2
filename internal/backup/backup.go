// Package backup snapshots both stores before destructive operations and
// prunes old snapshots down to a retention count.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/apperr"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/graphstore"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/vecindex"
)

// Timestamp layout embedded in backup file names.
const stampLayout = "20060102_150405"

const (
	graphPrefix = "graph_"
	indexPrefix = "vecindex_"
)

// Manager writes and prunes store snapshots.
type Manager struct {
	dir       string
	retention int
	graph     *graphstore.Store
	index     *vecindex.Index
	logger    *slog.Logger
}

// New builds a backup manager. retention is the number of snapshots kept per
// store kind.
func New(dir string, retention int, g *graphstore.Store, ix *vecindex.Index, logger *slog.Logger) *Manager {
	return &Manager{dir: dir, retention: retention, graph: g, index: ix, logger: logger}
}

// BackupAll snapshots the graph store and the vector index, then prunes each
// kind down to the retention count. Errors wrap ErrBackupFailure so callers
// can abort the operation the backup was guarding.
func (m *Manager) BackupAll(ctx context.Context) ([]model.BackupRecord, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create backup dir: %v", apperr.ErrBackupFailure, err)
	}

	now := time.Now().UTC()
	stamp := now.Format(stampLayout)

	graphPath := filepath.Join(m.dir, graphPrefix+stamp+".json")
	if err := m.backupGraph(ctx, graphPath); err != nil {
		return nil, err
	}

	indexPath := filepath.Join(m.dir, indexPrefix+stamp+".tar.gz")
	if err := m.backupIndex(ctx, indexPath); err != nil {
		return nil, err
	}

	records := []model.BackupRecord{
		{Path: graphPath, StoreKind: "graph", CreatedAt: now},
		{Path: indexPath, StoreKind: "vecindex", CreatedAt: now},
	}

	if err := m.prune(graphPrefix); err != nil {
		return records, err
	}
	if err := m.prune(indexPrefix); err != nil {
		return records, err
	}

	m.logger.Info("backup written", "graph", graphPath, "index", indexPath)
	return records, nil
}

func (m *Manager) backupGraph(ctx context.Context, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", apperr.ErrBackupFailure, path, err)
	}
	defer f.Close()

	if err := m.graph.WriteExport(ctx, f); err != nil {
		os.Remove(path)
		return fmt.Errorf("%w: export graph: %v", apperr.ErrBackupFailure, err)
	}
	return f.Close()
}

func (m *Manager) backupIndex(ctx context.Context, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", apperr.ErrBackupFailure, path, err)
	}
	defer f.Close()

	if err := m.index.Snapshot(ctx, f); err != nil {
		os.Remove(path)
		return fmt.Errorf("%w: snapshot index: %v", apperr.ErrBackupFailure, err)
	}
	return f.Close()
}

// prune deletes the oldest snapshots of one kind beyond the retention count.
// The timestamp in the name sorts lexically, so name order is age order.
func (m *Manager) prune(prefix string) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("%w: read backup dir: %v", apperr.ErrBackupFailure, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= m.retention {
		return nil
	}

	sort.Strings(names)
	for _, name := range names[:len(names)-m.retention] {
		path := filepath.Join(m.dir, name)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("%w: prune %s: %v", apperr.ErrBackupFailure, path, err)
		}
		m.logger.Debug("backup pruned", "path", path)
	}
	return nil
}

// List returns existing backup records, newest first.
func (m *Manager) List() ([]model.BackupRecord, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []model.BackupRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		kind := ""
		switch {
		case strings.HasPrefix(e.Name(), graphPrefix):
			kind = "graph"
		case strings.HasPrefix(e.Name(), indexPrefix):
			kind = "vecindex"
		default:
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		records = append(records, model.BackupRecord{
			Path:      filepath.Join(m.dir, e.Name()),
			StoreKind: kind,
			CreatedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}
