package cas

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"recall/internal/blobstore"
	"recall/internal/fault"
	"recall/internal/models"
	"recall/internal/store"
	"recall/internal/writebuffer"
)

func testService(t *testing.T) (*Service, *blobstore.LocalCAS, *store.Store) {
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
	return New(blobs, writebuffer.New(st, writebuffer.Options{}), nil), blobs, st
}

func pendingTypes(t *testing.T, st *store.Store) []models.EntityType {
	t.Helper()
	entries, err := st.ListEntries(context.Background(), "", 0, 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	out := make([]models.EntityType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EntityType)
	}
	return out
}

func TestPutIsIdempotent(t *testing.T) {
	svc, _, st := testService(t)
	ctx := context.Background()

	first, err := svc.Put(ctx, []byte("abc"), BlobMeta{MimeType: "text/plain", Filename: "a.txt"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if first.SHA256 != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected digest %s", first.SHA256)
	}
	if first.SizeBytes != 3 || first.Filename != "a.txt" {
		t.Fatalf("unexpected blob: %+v", first)
	}

	second, err := svc.Put(ctx, []byte("abc"), BlobMeta{MimeType: "application/octet-stream", Filename: "b.bin"})
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if second.Filename != "a.txt" || second.MimeType != "text/plain" {
		t.Fatalf("metadata changed on second put: %+v", second)
	}

	types := pendingTypes(t, st)
	if len(types) != 2 || types[0] != models.EntityBlobsMeta || types[1] != models.EntityDeviceBlobs {
		t.Fatalf("expected one blobs_meta and one device_blobs entry, got %v", types)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	svc, _, _ := testService(t)
	_, err := svc.Get(context.Background(), blobstore.Digest([]byte("nope")))
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	ok, err := svc.Has(context.Background(), "not-a-digest")
	if err != nil || ok {
		t.Fatalf("invalid digest should not be held: %v %v", ok, err)
	}
}

func TestGetReturnsStoredBytes(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	blob, err := svc.Put(ctx, []byte("hello"), BlobMeta{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := svc.Get(ctx, blob.SHA256)
	if err != nil || string(data) != "hello" {
		t.Fatalf("get: %q %v", data, err)
	}
	ok, err := svc.Has(ctx, blob.SHA256)
	if err != nil || !ok {
		t.Fatalf("has: %v %v", ok, err)
	}
}

func TestRenameUpdatesCatalogAndReplicates(t *testing.T) {
	svc, _, st := testService(t)
	ctx := context.Background()
	blob, err := svc.Put(ctx, []byte("paper"), BlobMeta{Filename: "scan001.pdf"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	renamed, err := svc.Rename(ctx, blob.SHA256, "  Dune.pdf ")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Filename != "Dune.pdf" || renamed.SHA256 != blob.SHA256 || renamed.SizeBytes != blob.SizeBytes {
		t.Fatalf("unexpected renamed blob: %+v", renamed)
	}
	entries, err := st.ListEntries(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	last := entries[len(entries)-1]
	if last.EntityType != models.EntityBlobsMeta || last.Operation != models.OpUpdate || last.Payload["filename"] != "Dune.pdf" {
		t.Fatalf("unexpected rename entry: %+v", last)
	}

	if _, err := svc.Rename(ctx, blobstore.Digest([]byte("unknown")), "x.pdf"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("rename unknown digest: %v", err)
	}
	if _, err := svc.Rename(ctx, blob.SHA256, " "); err == nil {
		t.Fatalf("expected empty filename to fail")
	}
}

func TestListPagesAllLocalBlobs(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	want := map[string]bool{}
	for i := 0; i < listPageSize+5; i++ {
		blob, err := svc.Put(ctx, []byte{byte(i), byte(i >> 8)}, BlobMeta{})
		if err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		want[blob.SHA256] = true
	}
	seen := 0
	prev := ""
	for blob, err := range svc.List(ctx) {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if blob.SHA256 <= prev {
			t.Fatalf("list not ordered: %s after %s", blob.SHA256, prev)
		}
		prev = blob.SHA256
		if !want[blob.SHA256] {
			t.Fatalf("unexpected blob %s", blob.SHA256)
		}
		seen++
	}
	if seen != len(want) {
		t.Fatalf("expected %d blobs, got %d", len(want), seen)
	}
}

func TestCheckDetectsMissingAndModified(t *testing.T) {
	svc, blobs, st := testService(t)
	ctx := context.Background()

	good, _ := svc.Put(ctx, []byte("good"), BlobMeta{})
	gone, _ := svc.Put(ctx, []byte("gone"), BlobMeta{})
	bad, err := svc.Put(ctx, []byte("bad"), BlobMeta{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := os.Remove(filepath.Join(blobs.Root(), filepath.FromSlash(blobs.KeyForDigest(gone.SHA256)))); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(filepath.Join(blobs.Root(), filepath.FromSlash(blobs.KeyForDigest(bad.SHA256))), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, err := svc.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Checked != 3 || report.Healthy != 1 || report.Missing != 1 || report.Modified != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	for _, c := range []struct {
		digest string
		health models.BlobHealth
		held   bool
	}{
		{good.SHA256, models.BlobHealthy, true},
		{gone.SHA256, models.BlobMissing, false},
		{bad.SHA256, models.BlobModified, false},
	} {
		blob, err := st.GetBlob(ctx, c.digest)
		if err != nil || blob == nil || blob.Health != c.health {
			t.Fatalf("%s: expected health %s, got %+v %v", c.digest, c.health, blob, err)
		}
		held, err := svc.Has(ctx, c.digest)
		if err != nil || held != c.held {
			t.Fatalf("%s: expected held=%v, got %v %v", c.digest, c.held, held, err)
		}
	}

	deletes := 0
	entries, _ := st.ListEntries(ctx, "", 0, 0)
	for _, e := range entries {
		if e.EntityType == models.EntityDeviceBlobs && e.Operation == models.OpDelete {
			deletes++
		}
	}
	if deletes != 2 {
		t.Fatalf("expected 2 device_blobs deletes, got %d", deletes)
	}
}

func TestCheckRecoversOrphanedFile(t *testing.T) {
	svc, blobs, st := testService(t)
	ctx := context.Background()
	blob, err := svc.Put(ctx, []byte("orphan"), BlobMeta{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	identity, _ := st.Identity(ctx)
	if err := st.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.DeletePresence(ctx, blob.SHA256, identity.DeviceID)
	}); err != nil {
		t.Fatalf("delete presence: %v", err)
	}

	report, err := svc.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Orphaned != 1 || report.Recovered != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if ok, _ := svc.Has(ctx, blob.SHA256); !ok {
		t.Fatalf("orphan not re-adopted")
	}

	n, err := svc.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge: %d %v", n, err)
	}
	if ok, _ := blobs.Has(ctx, blobs.KeyForDigest(blob.SHA256)); ok {
		t.Fatalf("purge left bytes behind")
	}
}
