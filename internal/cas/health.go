package cas

import (
	"context"
	"errors"
	"fmt"

	"recall/internal/blobstore"
	"recall/internal/fault"
	"recall/internal/models"
	"recall/internal/store"
	"recall/internal/writebuffer"
)

// HealthReport summarizes a Check pass.
type HealthReport struct {
	Checked   int      `json:"checked"`
	Healthy   int      `json:"healthy"`
	Missing   int      `json:"missing"`
	Modified  int      `json:"modified"`
	Recovered int      `json:"recovered"`
	Orphaned  int      `json:"orphaned"`
	Errors    []string `json:"errors,omitempty"`
}

// Check re-hashes every blob this device claims to hold. Missing or
// altered files lose their presence row so other devices stop relying on
// this copy. Files on disk with metadata but no presence row are re-adopted.
func (s *Service) Check(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	identity, err := s.store.Identity(ctx)
	if err != nil {
		return report, err
	}

	var held []models.Presence
	after := ""
	for {
		page, err := s.store.ListDevicePresenceAfter(ctx, identity.DeviceID, after, listPageSize)
		if err != nil {
			return report, err
		}
		held = append(held, page...)
		if len(page) < listPageSize {
			break
		}
		after = page[len(page)-1].SHA256
	}

	claimed := make(map[string]bool, len(held))
	for _, p := range held {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		claimed[p.SHA256] = true
		report.Checked++
		health, err := s.verify(ctx, p.SHA256)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", p.SHA256, err))
			continue
		}
		switch health {
		case models.BlobHealthy:
			report.Healthy++
			err = s.markHealthy(ctx, p)
		case models.BlobModified:
			report.Modified++
			if derr := s.blobs.Delete(ctx, s.blobs.KeyForDigest(p.SHA256)); derr != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", p.SHA256, derr))
			}
			err = s.dropPresence(ctx, p.SHA256, health)
		case models.BlobMissing:
			report.Missing++
			err = s.dropPresence(ctx, p.SHA256, health)
		}
		if err != nil {
			return report, err
		}
		if health != models.BlobHealthy {
			s.log.Warn("blob failed health check", "sha256", p.SHA256, "health", health)
		}
	}

	var orphans []string
	err = s.blobs.Walk(ctx, func(digest string) error {
		if !claimed[digest] {
			orphans = append(orphans, digest)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	for _, digest := range orphans {
		report.Orphaned++
		blob, err := s.store.GetBlob(ctx, digest)
		if err != nil {
			return report, err
		}
		if blob == nil {
			continue
		}
		health, err := s.verify(ctx, digest)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", digest, err))
			continue
		}
		if health != models.BlobHealthy {
			continue
		}
		if err := s.recover(ctx, digest); err != nil {
			return report, err
		}
		report.Recovered++
	}
	return report, nil
}

func (s *Service) verify(ctx context.Context, digest string) (models.BlobHealth, error) {
	rc, err := s.blobs.Open(ctx, s.blobs.KeyForDigest(digest))
	if errors.Is(err, fault.ErrNotFound) {
		return models.BlobMissing, nil
	}
	if err != nil {
		return "", err
	}
	defer rc.Close()
	actual, _, err := blobstore.DigestReader(rc)
	if err != nil {
		return "", fault.Storage("hash blob", err)
	}
	if actual != digest {
		return models.BlobModified, nil
	}
	return models.BlobHealthy, nil
}

func (s *Service) markHealthy(ctx context.Context, p models.Presence) error {
	_, err := s.buffer.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
		if err := tx.SetBlobHealth(ctx, p.SHA256, models.BlobHealthy); err != nil {
			return err
		}
		p.VerifiedAt = q.Now()
		_, err := tx.UpsertPresence(ctx, &p)
		return err
	})
	return err
}

func (s *Service) dropPresence(ctx context.Context, digest string, health models.BlobHealth) error {
	_, err := s.buffer.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
		if err := tx.SetBlobHealth(ctx, digest, health); err != nil {
			return err
		}
		if err := tx.DeletePresence(ctx, digest, q.Identity().DeviceID); err != nil {
			return err
		}
		_, err := q.Append(ctx, models.Mutation{
			EntityType: models.EntityDeviceBlobs,
			EntityID:   models.DeviceBlobID(q.Identity().DeviceID, digest),
			Operation:  models.OpDelete,
		})
		return err
	})
	return err
}

func (s *Service) recover(ctx context.Context, digest string) error {
	_, err := s.buffer.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
		identity := q.Identity()
		if err := tx.SetBlobHealth(ctx, digest, models.BlobHealthy); err != nil {
			return err
		}
		p := &models.Presence{
			SHA256:     digest,
			DeviceID:   identity.DeviceID,
			Path:       s.blobs.KeyForDigest(digest),
			OwnerID:    identity.OwnerID(),
			VerifiedAt: q.Now(),
		}
		created, err := tx.UpsertPresence(ctx, p)
		if err != nil || !created {
			return err
		}
		return appendCreate(ctx, q, models.EntityDeviceBlobs, models.DeviceBlobID(identity.DeviceID, digest), p)
	})
	return err
}
