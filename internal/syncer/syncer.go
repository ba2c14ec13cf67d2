// Package syncer merges staged concepts into the authoritative partitions.
// Sync is operator-invoked, lock-guarded, and idempotent: a crash mid-run
// leaves unsynced manifest entries that the next run replays.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/apperr"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/backup"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/graphstore"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/vecindex"
)

// Syncer merges the staged partitions into the authoritative ones.
type Syncer struct {
	graph    *graphstore.Store
	index    *vecindex.Index
	backups  *backup.Manager
	lockPath string
	lockTTL  time.Duration
	logger   *slog.Logger
}

// Report summarizes one sync run.
type Report struct {
	Merged    []string             `json:"merged"`
	Skipped   []string             `json:"already_merged,omitempty"`
	Conflicts []string             `json:"conflicts,omitempty"`
	Backups   []model.BackupRecord `json:"backups,omitempty"`
}

// New builds a syncer.
func New(g *graphstore.Store, ix *vecindex.Index, b *backup.Manager, lockPath string, lockTTL time.Duration, logger *slog.Logger) *Syncer {
	return &Syncer{graph: g, index: ix, backups: b, lockPath: lockPath, lockTTL: lockTTL, logger: logger}
}

// Sync takes the store lock, backs up both stores, then merges every
// unsynced manifest entry. A backup failure aborts before any merge. A
// conflict on one concept is recorded and the rest of the batch still
// merges; the run returns ErrSyncConflict when any conflict was found.
func (s *Syncer) Sync(ctx context.Context, skipBackup bool) (Report, error) {
	var report Report

	release, err := graphstore.AcquireLock(s.lockPath, s.lockTTL)
	if err != nil {
		return report, err
	}
	defer release()

	pending, err := s.graph.UnsyncedManifest(ctx)
	if err != nil {
		return report, fmt.Errorf("read manifest: %w", err)
	}
	if len(pending) == 0 {
		s.logger.Info("nothing to sync")
		return report, nil
	}

	if !skipBackup {
		records, err := s.backups.BackupAll(ctx)
		if err != nil {
			return report, fmt.Errorf("sync aborted: %w", err)
		}
		report.Backups = records
	}

	for _, entry := range pending {
		switch err := s.merge(ctx, entry); {
		case err == nil:
			report.Merged = append(report.Merged, entry.ConceptID)
		case errors.Is(err, errAlreadyMerged):
			report.Skipped = append(report.Skipped, entry.ConceptID)
		case errors.Is(err, apperr.ErrSyncConflict):
			s.logger.Error("sync conflict, manual resolution required",
				"concept", entry.ConceptID, "manifest", entry.ID)
			report.Conflicts = append(report.Conflicts, entry.ConceptID)
			continue
		default:
			return report, fmt.Errorf("merge %s: %w", entry.ConceptID, err)
		}
		if err := s.graph.MarkSynced(ctx, entry.ID); err != nil {
			return report, fmt.Errorf("mark synced %s: %w", entry.ID, err)
		}
	}

	if len(report.Conflicts) > 0 {
		return report, fmt.Errorf("%d concept(s) in conflict: %w", len(report.Conflicts), apperr.ErrSyncConflict)
	}
	s.logger.Info("sync complete", "merged", len(report.Merged), "already_merged", len(report.Skipped))
	return report, nil
}

// errAlreadyMerged marks a manifest entry whose concept was merged by an
// earlier partially-failed run.
var errAlreadyMerged = errors.New("already merged")

// merge promotes one manifest entry's concept. The staged row may be gone
// when a prior run promoted it but crashed before marking the manifest; the
// authoritative row then settles whether this is a replay or a collision.
func (s *Syncer) merge(ctx context.Context, entry model.ManifestEntry) error {
	staged, stagedErr := s.graph.GetConcept(ctx, entry.ConceptID, model.Staged)
	auth, authErr := s.graph.GetConcept(ctx, entry.ConceptID, model.Authoritative)

	if stagedErr != nil && !errors.Is(stagedErr, apperr.ErrNotFound) {
		return stagedErr
	}
	if authErr != nil && !errors.Is(authErr, apperr.ErrNotFound) {
		return authErr
	}
	stagedMissing := errors.Is(stagedErr, apperr.ErrNotFound)
	authExists := authErr == nil

	if stagedMissing {
		if authExists {
			// Promoted by an earlier run; the index promote is keyed and
			// safe to replay.
			if err := s.index.Promote(ctx, entry.ConceptID); err != nil {
				return err
			}
			return errAlreadyMerged
		}
		return fmt.Errorf("%w: concept %s vanished from both partitions", apperr.ErrSyncConflict, entry.ConceptID)
	}

	if authExists && auth.Description != staged.Description {
		return fmt.Errorf("%w: %s differs between partitions", apperr.ErrSyncConflict, entry.ConceptID)
	}

	if err := s.graph.PromoteConcept(ctx, entry.ConceptID); err != nil {
		return err
	}
	if err := s.index.Promote(ctx, entry.ConceptID); err != nil {
		return err
	}
	return nil
}

// InitIndex rebuilds the vector index from the graph store by re-embedding
// every concept description. Used on first setup or after index loss.
func (s *Syncer) InitIndex(ctx context.Context, emb embedding.Embedder) (int, error) {
	release, err := graphstore.AcquireLock(s.lockPath, s.lockTTL)
	if err != nil {
		return 0, err
	}
	defer release()

	total := 0
	for _, p := range []model.Partition{model.Authoritative, model.Staged} {
		concepts, err := s.graph.ListConcepts(ctx, p)
		if err != nil {
			return total, err
		}
		if err := s.index.Clear(ctx, p); err != nil {
			return total, err
		}
		for _, c := range concepts {
			vec, err := emb.Embed(ctx, c.Description)
			if err != nil {
				return total, fmt.Errorf("embed %s: %w", c.ID, err)
			}
			if err := s.index.Upsert(ctx, vecindex.Entry{
				ID:          c.ID,
				Description: c.Description,
				Embedding:   vec,
				Partition:   p,
			}); err != nil {
				return total, err
			}
			total++
		}
	}
	s.logger.Info("index rebuilt", "vectors", total)
	return total, nil
}
