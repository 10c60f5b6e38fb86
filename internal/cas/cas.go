// Package cas is the content-addressed store: blob bytes on disk plus their
// metadata and per-device presence in the local database.
package cas

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"recall/internal/blobstore"
	"recall/internal/fault"
	"recall/internal/models"
	"recall/internal/store"
	"recall/internal/writebuffer"
)

const listPageSize = 200

// BlobMeta is optional descriptive metadata recorded the first time a digest
// is stored.
type BlobMeta struct {
	MimeType  string
	PageCount *int
	Filename  string
}

// Service stores and retrieves blobs for this device.
type Service struct {
	blobs  blobstore.BlobStore
	buffer *writebuffer.Buffer
	store  *store.Store
	log    *slog.Logger
}

// New creates a content store over the byte store and write buffer.
func New(blobs blobstore.BlobStore, buffer *writebuffer.Buffer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		blobs:  blobs,
		buffer: buffer,
		store:  buffer.Store(),
		log:    logger.With("component", "cas"),
	}
}

// Put stores data and returns its metadata. Storing identical bytes again
// is a no-op apart from refreshing the presence timestamp.
func (s *Service) Put(ctx context.Context, data []byte, meta BlobMeta) (models.Blob, error) {
	return s.PutReader(ctx, bytes.NewReader(data), meta)
}

// PutReader is Put for a stream.
func (s *Service) PutReader(ctx context.Context, r io.Reader, meta BlobMeta) (models.Blob, error) {
	var zero models.Blob
	res, err := s.blobs.Put(ctx, r)
	if err != nil {
		return zero, err
	}
	ok, err := s.blobs.Has(ctx, res.BlobKey)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, fault.Storage("verify blob", fmt.Errorf("%s missing after write", res.SHA256))
	}

	var stored *models.Blob
	_, err = s.buffer.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
		identity := q.Identity()
		blob := &models.Blob{
			SHA256:    res.SHA256,
			SizeBytes: res.SizeBytes,
			MimeType:  meta.MimeType,
			PageCount: meta.PageCount,
			Filename:  meta.Filename,
			OwnerID:   identity.OwnerID(),
			CreatedAt: q.Now(),
		}
		created, err := tx.InsertBlob(ctx, blob)
		if err != nil {
			return err
		}
		if created {
			if err := appendCreate(ctx, q, models.EntityBlobsMeta, blob.SHA256, blobPayload(*blob)); err != nil {
				return err
			}
		} else if err := tx.SetBlobHealth(ctx, blob.SHA256, models.BlobHealthy); err != nil {
			return err
		}

		presence := &models.Presence{
			SHA256:     res.SHA256,
			DeviceID:   identity.DeviceID,
			Path:       res.BlobKey,
			OwnerID:    identity.OwnerID(),
			VerifiedAt: q.Now(),
		}
		newPresence, err := tx.UpsertPresence(ctx, presence)
		if err != nil {
			return err
		}
		if newPresence {
			if err := appendCreate(ctx, q, models.EntityDeviceBlobs, models.DeviceBlobID(identity.DeviceID, res.SHA256), presence); err != nil {
				return err
			}
		}
		stored, err = tx.GetBlob(ctx, res.SHA256)
		return err
	})
	if err != nil {
		return zero, err
	}
	if stored == nil {
		return zero, fault.Storage("put blob", fmt.Errorf("%s not recorded", res.SHA256))
	}
	if !res.Existed {
		s.log.Debug("stored blob", "sha256", res.SHA256, "size_bytes", res.SizeBytes)
	}
	return *stored, nil
}

// Rename changes the catalog filename of a known blob and replicates it.
// The bytes and digest are untouched.
func (s *Service) Rename(ctx context.Context, digest, filename string) (models.Blob, error) {
	var zero models.Blob
	digest = blobstore.NormalizeDigest(digest)
	if !blobstore.ValidDigest(digest) {
		return zero, fmt.Errorf("invalid digest %q", digest)
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return zero, fmt.Errorf("filename is required")
	}

	var renamed *models.Blob
	_, err := s.buffer.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
		ok, err := tx.SetBlobFilename(ctx, digest, filename)
		if err != nil {
			return err
		}
		if !ok {
			return fault.ErrNotFound
		}
		if _, err := q.Append(ctx, models.Mutation{
			EntityType: models.EntityBlobsMeta,
			EntityID:   digest,
			Operation:  models.OpUpdate,
			Payload:    map[string]any{"filename": filename},
		}); err != nil {
			return err
		}
		renamed, err = tx.GetBlob(ctx, digest)
		return err
	})
	if err != nil {
		return zero, err
	}
	return *renamed, nil
}

// Open returns a reader for locally stored bytes.
func (s *Service) Open(ctx context.Context, digest string) (io.ReadCloser, error) {
	digest = blobstore.NormalizeDigest(digest)
	if !blobstore.ValidDigest(digest) {
		return nil, fmt.Errorf("invalid digest %q", digest)
	}
	return s.blobs.Open(ctx, s.blobs.KeyForDigest(digest))
}

// Get returns the bytes for digest, or fault.ErrNotFound when this device
// does not hold them.
func (s *Service) Get(ctx context.Context, digest string) ([]byte, error) {
	rc, err := s.Open(ctx, digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fault.Storage("read blob", err)
	}
	return data, nil
}

// Has reports whether this device holds verified bytes for digest.
func (s *Service) Has(ctx context.Context, digest string) (bool, error) {
	digest = blobstore.NormalizeDigest(digest)
	if !blobstore.ValidDigest(digest) {
		return false, nil
	}
	identity, err := s.store.Identity(ctx)
	if err != nil {
		return false, err
	}
	p, err := s.store.GetPresence(ctx, digest, identity.DeviceID)
	if err != nil || p == nil {
		return false, err
	}
	return s.blobs.Has(ctx, s.blobs.KeyForDigest(digest))
}

// Lookup returns metadata for any known digest, local or not.
func (s *Service) Lookup(ctx context.Context, digest string) (*models.Blob, error) {
	return s.store.GetBlob(ctx, blobstore.NormalizeDigest(digest))
}

// List lazily enumerates blobs held on this device, ordered by digest. Each
// page is read in its own query, so the sequence may be consumed slowly and
// iterated again from the start.
func (s *Service) List(ctx context.Context) iter.Seq2[models.Blob, error] {
	return func(yield func(models.Blob, error) bool) {
		identity, err := s.store.Identity(ctx)
		if err != nil {
			yield(models.Blob{}, err)
			return
		}
		after := ""
		for {
			page, err := s.store.ListLocalBlobsAfter(ctx, identity.DeviceID, after, listPageSize)
			if err != nil {
				yield(models.Blob{}, err)
				return
			}
			for _, blob := range page {
				if !yield(blob, nil) {
					return
				}
			}
			if len(page) < listPageSize {
				return
			}
			after = page[len(page)-1].SHA256
		}
	}
}

// Stats summarizes stored blobs.
func (s *Service) Stats(ctx context.Context) (store.BlobStats, error) {
	identity, err := s.store.Identity(ctx)
	if err != nil {
		return store.BlobStats{}, err
	}
	return s.store.BlobStats(ctx, identity.DeviceID)
}

// Purge deletes every stored byte file. Metadata is left to the caller.
func (s *Service) Purge(ctx context.Context) (int, error) {
	var digests []string
	if err := s.blobs.Walk(ctx, func(digest string) error {
		digests = append(digests, digest)
		return nil
	}); err != nil {
		return 0, err
	}
	for _, d := range digests {
		if err := s.blobs.Delete(ctx, s.blobs.KeyForDigest(d)); err != nil {
			return 0, err
		}
	}
	return len(digests), nil
}

func appendCreate(ctx context.Context, q *writebuffer.Queue, entityType models.EntityType, id string, v any) error {
	payload, err := models.ToFields(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", entityType, err)
	}
	_, err = q.Append(ctx, models.Mutation{EntityType: entityType, EntityID: id, Operation: models.OpCreate, Payload: payload})
	return err
}

func blobPayload(b models.Blob) models.Blob {
	b.Health = ""
	return b
}
