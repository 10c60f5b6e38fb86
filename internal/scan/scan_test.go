package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"recall/internal/assets"
	"recall/internal/blobstore"
	"recall/internal/cas"
	"recall/internal/models"
	"recall/internal/store"
	"recall/internal/writebuffer"
)

type fixture struct {
	importer *Importer
	binder   *assets.Binder
	cas      *cas.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.EnsureIdentity(context.Background()); err != nil {
		t.Fatalf("ensure identity: %v", err)
	}
	blobs, err := blobstore.NewLocalCAS(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("new cas: %v", err)
	}
	buf := writebuffer.New(st, writebuffer.Options{})
	svc := cas.New(blobs, buf, nil)
	binder := assets.NewBinder(buf, nil)
	return fixture{importer: NewImporter(svc, binder, nil), binder: binder, cas: svc}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDirSkipsHiddenAndSidecars(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "alpha")
	writeFile(t, filepath.Join(root, "a.txt"+SidecarSuffix), "role: main\n")
	writeFile(t, filepath.Join(root, "sub", "b.md"), "# beta")
	writeFile(t, filepath.Join(root, ".hidden"), "x")
	writeFile(t, filepath.Join(root, ".git", "config"), "x")

	var got []File
	for f, err := range (Dir{Root: root}).Files(context.Background()) {
		if err != nil {
			t.Fatalf("walk: %v", err)
		}
		got = append(got, f)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 files, got %+v", got)
	}
	if got[0].RelPath != "a.txt" || got[1].RelPath != "sub/b.md" {
		t.Fatalf("unexpected order: %s, %s", got[0].RelPath, got[1].RelPath)
	}
	if got[0].SHA256 != blobstore.Digest([]byte("alpha")) || got[0].SizeBytes != 5 {
		t.Fatalf("bad digest: %+v", got[0])
	}
	if got[0].MimeType != "text/plain" {
		t.Fatalf("expected text/plain, got %q", got[0].MimeType)
	}
	if got[0].Sidecar == nil || got[0].Sidecar.Role != "main" {
		t.Fatalf("sidecar not loaded: %+v", got[0].Sidecar)
	}
}

func TestImportCountsAddedAndExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "one.txt"), "same bytes")
	writeFile(t, filepath.Join(root, "copy.txt"), "same bytes")
	writeFile(t, filepath.Join(root, "two.txt"), "other bytes")

	result, err := f.importer.Import(ctx, Dir{Root: root})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Added != 2 || result.Existing != 1 || len(result.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	again, err := f.importer.Import(ctx, Dir{Root: root})
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if again.Added != 0 || again.Existing != 3 {
		t.Fatalf("unexpected re-import result: %+v", again)
	}
	list, err := f.binder.List(ctx, 0, 0)
	if err != nil || len(list) != 2 {
		t.Fatalf("expected 2 assets, got %d (%v)", len(list), err)
	}
}

func TestImportAppliesSidecar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "paper.pdf"), "%PDF-1.4 fake")
	writeFile(t, filepath.Join(root, "paper.pdf"+SidecarSuffix), `
role: main
purpose: reading
linked_entity_id: work-7
page_count: 9
meta:
  kind: pdf
  title: A Paper
  source: arxiv
`)

	result, err := f.importer.Import(ctx, Dir{Root: root})
	if err != nil || result.Added != 1 {
		t.Fatalf("import: %+v %v", result, err)
	}
	asset, err := f.binder.ByDigest(ctx, blobstore.Digest([]byte("%PDF-1.4 fake")))
	if err != nil {
		t.Fatalf("by digest: %v", err)
	}
	if asset.Role != "main" || asset.Purpose != "reading" || asset.Filename != "paper.pdf" {
		t.Fatalf("sidecar fields missing: %+v", asset)
	}
	if asset.LinkedEntityID == nil || *asset.LinkedEntityID != "work-7" || asset.PageCount == nil || *asset.PageCount != 9 {
		t.Fatalf("link or page count missing: %+v", asset)
	}
	if asset.MimeType != "application/pdf" {
		t.Fatalf("unexpected mime %q", asset.MimeType)
	}
	if asset.Meta.Kind != models.AssetMetaPDF || asset.Meta.PDF == nil || asset.Meta.PDF.Title != "A Paper" {
		t.Fatalf("typed meta missing: %+v", asset.Meta)
	}
	if asset.Meta.Extra["source"] != "arxiv" {
		t.Fatalf("extra meta lost: %+v", asset.Meta.Extra)
	}
}

func TestImportCollectsBadSidecar(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.txt"), "fine")
	writeFile(t, filepath.Join(root, "bad.txt"), "broken")
	writeFile(t, filepath.Join(root, "bad.txt"+SidecarSuffix), "role: [unclosed\n")

	result, err := f.importer.Import(context.Background(), Dir{Root: root})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Added != 1 || len(result.Errors) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWatcherImportsNewFiles(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	w := NewWatcher(f.importer, root, 50*time.Millisecond, nil)
	results := make(chan ScanResult, 16)
	w.OnImport(func(r ScanResult) { results <- r })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		writeFile(t, filepath.Join(root, fmt.Sprintf("note-%d.txt", i)), fmt.Sprintf("note %d", i))
		select {
		case r := <-results:
			if r.Added == 0 {
				t.Fatalf("expected an added file, got %+v", r)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("run: %v", err)
			}
			return
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			cancel()
			t.Fatalf("watcher never imported")
		}
	}
}
