package vecindex

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/embedding"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
)

func TestSnapshotArchivesDatabase(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	put(t, ix, "go", embedding.Vector{1, 0, 0}, model.Authoritative)

	var buf bytes.Buffer
	if err := ix.Snapshot(ctx, &buf); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	gr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gr)

	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if hdr.Name != "vec.db" {
		t.Errorf("expected archived vec.db, got %q", hdr.Name)
	}
	n, err := io.Copy(io.Discard, tr)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if n == 0 {
		t.Error("archived database is empty")
	}
	if _, err := tr.Next(); err != io.EOF {
		t.Errorf("expected single-file archive, got %v", err)
	}
}
