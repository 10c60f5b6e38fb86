package blobstore

import (
	"context"
	"io"
)

// BlobPutResult describes one persisted blob payload.
type BlobPutResult struct {
	SHA256    string
	SizeBytes int64
	BlobKey   string
	// Existed is true when identical bytes were already stored.
	Existed bool
}

// BlobStore is the byte-storage abstraction used by the content store.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader) (BlobPutResult, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Walk(ctx context.Context, fn func(digest string) error) error
	KeyForDigest(digest string) string
}
