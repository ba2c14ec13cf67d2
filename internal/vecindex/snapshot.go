package vecindex

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Snapshot writes a gzipped tar of the index database to w. The WAL is
// checkpointed first so the archived file is self-contained.
func (ix *Index) Snapshot(ctx context.Context, w io.Writer) error {
	if _, err := ix.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint index: %w", err)
	}

	f, err := os.Open(ix.path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	hdr := &tar.Header{
		Name:    filepath.Base(ix.path),
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive index: %w", err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}
