// Package assets binds stored blobs to logical asset records, one asset per
// digest.
package assets

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"recall/internal/blobstore"
	"recall/internal/fault"
	"recall/internal/models"
	"recall/internal/store"
	"recall/internal/writebuffer"
)

// AssetInput is the metadata offered when binding a digest. Empty fields are
// filled from the blob record on create and left untouched on update.
type AssetInput struct {
	Filename       string
	MimeType       string
	PageCount      *int
	Role           string
	Purpose        string
	LinkedEntityID *string
	Meta           models.AssetMeta
}

// Result reports what EnsureAsset did.
type Result struct {
	AssetID string `json:"asset_id"`
	Created bool   `json:"created"`
	Updated bool   `json:"updated"`
}

// Binder creates and looks up assets.
type Binder struct {
	buffer *writebuffer.Buffer
	store  *store.Store
	log    *slog.Logger
	group  singleflight.Group
	newID  func() string
}

// NewBinder creates a binder writing through buffer.
func NewBinder(buffer *writebuffer.Buffer, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		buffer: buffer,
		store:  buffer.Store(),
		log:    logger.With("component", "assets"),
		newID:  uuid.NewString,
	}
}

// EnsureAsset returns the asset bound to digest, creating it if needed. With
// updateIfExists the non-empty fields of in are merged into an existing
// asset. The blob must already be stored.
func (b *Binder) EnsureAsset(ctx context.Context, digest string, in AssetInput, updateIfExists bool) (Result, error) {
	digest = blobstore.NormalizeDigest(digest)
	if !blobstore.ValidDigest(digest) {
		return Result{}, fmt.Errorf("invalid digest %q", digest)
	}
	if updateIfExists {
		return b.ensure(ctx, digest, in, true)
	}
	// Lookups without an update are interchangeable, so concurrent callers
	// for one digest share a single transaction.
	v, err, _ := b.group.Do(digest, func() (any, error) {
		return b.ensure(ctx, digest, in, false)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (b *Binder) ensure(ctx context.Context, digest string, in AssetInput, update bool) (Result, error) {
	var res Result
	_, err := b.buffer.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
		res = Result{}
		existing, err := tx.AssetsByDigest(ctx, digest)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			canonical := b.canonical(digest, existing)
			res.AssetID = canonical.ID
			if !update {
				return nil
			}
			changed, ok := applyInput(&canonical, in)
			if !ok {
				return nil
			}
			canonical.UpdatedAt = q.Now()
			if err := tx.UpdateAsset(ctx, &canonical); err != nil {
				return err
			}
			changed["updated_at"] = canonical.UpdatedAt
			if _, err := q.Append(ctx, models.Mutation{
				EntityType: models.EntityAssets,
				EntityID:   canonical.ID,
				Operation:  models.OpUpdate,
				Payload:    changed,
			}); err != nil {
				return err
			}
			res.Updated = true
			return nil
		}

		blob, err := tx.GetBlob(ctx, digest)
		if err != nil {
			return err
		}
		if blob == nil {
			return fmt.Errorf("blob %s is not stored: %w", digest, fault.ErrNotFound)
		}
		asset := &models.Asset{
			ID:        b.newID(),
			SHA256:    digest,
			Filename:  blob.Filename,
			MimeType:  blob.MimeType,
			SizeBytes: blob.SizeBytes,
			PageCount: blob.PageCount,
			OwnerID:   q.Identity().OwnerID(),
			CreatedAt: q.Now(),
			UpdatedAt: q.Now(),
		}
		applyInput(asset, in)
		if err := tx.InsertAsset(ctx, asset); err != nil {
			return err
		}
		payload, err := models.ToFields(asset)
		if err != nil {
			return fmt.Errorf("encode asset payload: %w", err)
		}
		if _, err := q.Append(ctx, models.Mutation{
			EntityType: models.EntityAssets,
			EntityID:   asset.ID,
			Operation:  models.OpCreate,
			Payload:    payload,
		}); err != nil {
			return err
		}
		res.AssetID = asset.ID
		res.Created = true
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Created {
		b.log.Debug("created asset", "asset_id", res.AssetID, "sha256", digest)
	}
	return res, nil
}

// canonical picks the oldest asset and reports any others.
func (b *Binder) canonical(digest string, existing []models.Asset) models.Asset {
	if len(existing) > 1 {
		ids := make([]string, 0, len(existing))
		for _, a := range existing {
			ids = append(ids, a.ID)
		}
		violation := &fault.InvariantError{
			Kind:   "duplicate_asset",
			Detail: fmt.Sprintf("%d assets bound to %s", len(existing), digest),
			IDs:    ids,
		}
		b.log.Warn("multiple assets share a digest",
			"sha256", digest, "asset_ids", ids, "canonical", existing[0].ID, "err", violation)
	}
	return existing[0]
}

// applyInput overlays non-empty input fields and returns the changed fields
// in wire form.
func applyInput(a *models.Asset, in AssetInput) (map[string]any, bool) {
	changed := map[string]any{}
	setString := func(key string, dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed[key] = v
		}
	}
	setString("filename", &a.Filename, in.Filename)
	setString("mime_type", &a.MimeType, in.MimeType)
	setString("role", &a.Role, in.Role)
	setString("purpose", &a.Purpose, in.Purpose)
	if in.PageCount != nil && (a.PageCount == nil || *a.PageCount != *in.PageCount) {
		n := *in.PageCount
		a.PageCount = &n
		changed["page_count"] = n
	}
	if in.LinkedEntityID != nil && (a.LinkedEntityID == nil || *a.LinkedEntityID != *in.LinkedEntityID) {
		id := *in.LinkedEntityID
		a.LinkedEntityID = &id
		changed["linked_entity_id"] = id
	}
	if !in.Meta.IsZero() && !reflect.DeepEqual(in.Meta, a.Meta) {
		a.Meta = in.Meta
		changed["meta"] = in.Meta
	}
	return changed, len(changed) > 0
}

// Get returns one asset.
func (b *Binder) Get(ctx context.Context, id string) (models.Asset, error) {
	a, err := b.store.GetAsset(ctx, id)
	if err != nil {
		return models.Asset{}, err
	}
	if a == nil {
		return models.Asset{}, fault.ErrNotFound
	}
	return *a, nil
}

// ByDigest returns the canonical asset for digest.
func (b *Binder) ByDigest(ctx context.Context, digest string) (models.Asset, error) {
	digest = blobstore.NormalizeDigest(digest)
	existing, err := b.store.AssetsByDigest(ctx, digest)
	if err != nil {
		return models.Asset{}, err
	}
	if len(existing) == 0 {
		return models.Asset{}, fault.ErrNotFound
	}
	return b.canonical(digest, existing), nil
}

// ListByLinkedEntity returns the assets belonging to a work or other entity.
func (b *Binder) ListByLinkedEntity(ctx context.Context, entityID string) ([]models.Asset, error) {
	return b.store.ListAssetsByLinkedEntity(ctx, entityID)
}

// ListUnlinked returns assets that belong to no entity.
func (b *Binder) ListUnlinked(ctx context.Context, limit int) ([]models.Asset, error) {
	return b.store.ListUnlinkedAssets(ctx, limit)
}

// List pages through all assets.
func (b *Binder) List(ctx context.Context, limit, offset int) ([]models.Asset, error) {
	return b.store.ListAssets(ctx, limit, offset)
}

// Link sets or clears the entity an asset belongs to.
func (b *Binder) Link(ctx context.Context, assetID string, entityID *string) error {
	var value any
	if entityID != nil {
		value = *entityID
	}
	_, err := b.buffer.Enqueue(ctx, models.Mutation{
		EntityType: models.EntityAssets,
		EntityID:   assetID,
		Operation:  models.OpUpdate,
		Payload:    map[string]any{"linked_entity_id": value},
	})
	return err
}

// Duplicates lists digests that violate the one-asset-per-digest rule,
// with the offending asset ids oldest first.
func (b *Binder) Duplicates(ctx context.Context) (map[string][]string, error) {
	digests, err := b.store.DuplicateDigests(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(digests))
	for _, d := range digests {
		existing, err := b.store.AssetsByDigest(ctx, d)
		if err != nil {
			return nil, err
		}
		for _, a := range existing {
			out[d] = append(out[d], a.ID)
		}
	}
	return out, nil
}
