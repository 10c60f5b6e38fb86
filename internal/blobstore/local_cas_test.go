package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"recall/internal/fault"
)

func TestLocalCASPutOpenDelete(t *testing.T) {
	cas, err := NewLocalCAS(t.TempDir())
	if err != nil {
		t.Fatalf("new local cas: %v", err)
	}
	ctx := context.Background()

	first, err := cas.Put(ctx, bytes.NewBufferString("hello"))
	if err != nil {
		t.Fatalf("put first: %v", err)
	}
	if first.SHA256 != Digest([]byte("hello")) || first.Existed {
		t.Fatalf("unexpected put result: %#v", first)
	}

	second, err := cas.Put(ctx, bytes.NewBufferString("hello"))
	if err != nil {
		t.Fatalf("put second: %v", err)
	}
	if first.BlobKey != second.BlobKey || !second.Existed {
		t.Fatalf("expected dedupe: first=%#v second=%#v", first, second)
	}

	rc, err := cas.Open(ctx, first.BlobKey)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", string(data))
	}

	if err := cas.Delete(ctx, first.BlobKey); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := cas.Delete(ctx, first.BlobKey); err != nil {
		t.Fatalf("delete missing should be noop: %v", err)
	}
	if _, err := cas.Open(ctx, first.BlobKey); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestLocalCASSingleCopyAndNoTempLeftovers(t *testing.T) {
	root := t.TempDir()
	cas, err := NewLocalCAS(root)
	if err != nil {
		t.Fatalf("new local cas: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := cas.Put(ctx, bytes.NewBufferString("same bytes")); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	var files []string
	if err := cas.Walk(ctx, func(digest string) error {
		files = append(files, digest)
		return nil
	}); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(files) != 1 || files[0] != Digest([]byte("same bytes")) {
		t.Fatalf("expected one stored copy, got %v", files)
	}

	tmpEntries, err := os.ReadDir(filepath.Join(root, "tmp"))
	if err != nil {
		t.Fatalf("read tmp: %v", err)
	}
	if len(tmpEntries) != 0 {
		t.Fatalf("expected empty tmp dir, got %d entries", len(tmpEntries))
	}
}

func TestLocalCASHasAndWalk(t *testing.T) {
	cas, err := NewLocalCAS(t.TempDir())
	if err != nil {
		t.Fatalf("new local cas: %v", err)
	}
	ctx := context.Background()

	a, _ := cas.Put(ctx, bytes.NewBufferString("a"))
	b, _ := cas.Put(ctx, bytes.NewBufferString("b"))

	ok, err := cas.Has(ctx, cas.KeyForDigest(a.SHA256))
	if err != nil || !ok {
		t.Fatalf("expected has a, got %v %v", ok, err)
	}
	ok, err = cas.Has(ctx, cas.KeyForDigest(Digest([]byte("c"))))
	if err != nil || ok {
		t.Fatalf("expected missing c, got %v %v", ok, err)
	}

	var got []string
	if err := cas.Walk(ctx, func(digest string) error {
		got = append(got, digest)
		return nil
	}); err != nil {
		t.Fatalf("walk: %v", err)
	}
	want := []string{a.SHA256, b.SHA256}
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("walk = %v, want %v", got, want)
	}
}

func TestLocalCASRejectsEscapingKeys(t *testing.T) {
	cas, err := NewLocalCAS(t.TempDir())
	if err != nil {
		t.Fatalf("new local cas: %v", err)
	}
	for _, key := range []string{"", "/etc/passwd", "../outside", "sha256/../../x"} {
		if _, err := cas.Open(context.Background(), key); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestDigestHelpers(t *testing.T) {
	d := Digest([]byte("abc"))
	if d != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected digest %s", d)
	}
	fromReader, n, err := DigestReader(bytes.NewBufferString("abc"))
	if err != nil || fromReader != d || n != 3 {
		t.Fatalf("DigestReader = %s %d %v", fromReader, n, err)
	}
	if !ValidDigest(d) || ValidDigest("ABC") || ValidDigest(NormalizeDigest(" "+d[:10])) {
		t.Fatal("ValidDigest misclassified input")
	}
	if NormalizeDigest("  "+"BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD ") != d {
		t.Fatal("NormalizeDigest did not lowercase")
	}
}
