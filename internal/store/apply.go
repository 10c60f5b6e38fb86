package store

import (
	"context"
	"fmt"
	"time"

	"recall/internal/fault"
	"recall/internal/models"
)

// ApplyMutation applies a locally originated mutation to local state.
// Blob metadata and presence are written only by the content store, and
// assets are created only by the binder.
func (t *Tx) ApplyMutation(ctx context.Context, ownerID string, m models.Mutation, at time.Time) error {
	if err := m.Validate(); err != nil {
		return err
	}
	switch {
	case models.IsRecordType(m.EntityType):
		if m.Operation == models.OpDelete {
			return t.DeleteRecord(ctx, m.EntityType, m.EntityID)
		}
		return t.MergeRecord(ctx, m.EntityType, m.EntityID, ownerID, m.Payload, at)
	case m.EntityType == models.EntityAssets:
		switch m.Operation {
		case models.OpDelete:
			return t.DeleteAsset(ctx, m.EntityID)
		case models.OpUpdate:
			existing, err := t.GetAsset(ctx, m.EntityID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("asset %s not found", m.EntityID)
			}
			merged, err := mergeAsset(existing, m.Payload)
			if err != nil {
				return err
			}
			merged.UpdatedAt = at
			return t.UpdateAsset(ctx, merged)
		default:
			return fmt.Errorf("assets are created through the asset binder")
		}
	default:
		return fmt.Errorf("%s is managed by the content store", m.EntityType)
	}
}

// ApplyChange applies one inbound change when its revision is newer than the
// last one seen for the entity. It reports whether state changed.
func (t *Tx) ApplyChange(ctx context.Context, entityType models.EntityType, ch models.Change, ownerID, localDeviceID string) (bool, error) {
	rev, _, found, err := t.Revision(ctx, entityType, ch.EntityID)
	if err != nil {
		return false, err
	}
	if found && ch.Revision <= rev {
		return false, nil
	}

	at := ch.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	deleted := ch.Operation == models.OpDelete
	if deleted {
		err = t.deleteEntity(ctx, entityType, ch.EntityID, localDeviceID)
	} else {
		err = t.upsertEntity(ctx, entityType, ch.EntityID, ownerID, ch.Fields, at, localDeviceID)
	}
	if err != nil {
		return false, err
	}
	if err := t.SetRevision(ctx, entityType, ch.EntityID, ch.Revision, deleted); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyRemoteFields overwrites local fields with the values the remote kept
// when a local write lost to a newer one. A nil value clears the field.
// Missing entities and insert-once types are left alone.
func (t *Tx) ApplyRemoteFields(ctx context.Context, entityType models.EntityType, id string, fields map[string]any, at time.Time) error {
	if len(fields) == 0 {
		return nil
	}
	switch {
	case models.IsRecordType(entityType):
		rec, err := t.GetRecord(ctx, entityType, id)
		if err != nil || rec == nil {
			return err
		}
		return t.MergeRecord(ctx, entityType, id, rec.OwnerID, fields, at)
	case entityType == models.EntityAssets:
		existing, err := t.GetAsset(ctx, id)
		if err != nil || existing == nil {
			return err
		}
		merged, err := mergeAsset(existing, fields)
		if err != nil {
			return err
		}
		merged.UpdatedAt = at
		return t.UpdateAsset(ctx, merged)
	case entityType == models.EntityBlobsMeta:
		if name, ok := fields["filename"].(string); ok {
			_, err := t.SetBlobFilename(ctx, id, name)
			return err
		}
	}
	return nil
}

func (t *Tx) upsertEntity(ctx context.Context, entityType models.EntityType, id, ownerID string, fields map[string]any, at time.Time, localDeviceID string) error {
	switch entityType {
	case models.EntityBlobsMeta:
		var blob models.Blob
		if err := models.FromFields(fields, &blob); err != nil {
			return fmt.Errorf("decode blob %s: %w", id, err)
		}
		blob.SHA256 = id
		blob.OwnerID = ownerID
		blob.Health = models.BlobHealthy
		created, err := t.InsertBlob(ctx, &blob)
		if err != nil || created {
			return err
		}
		// The filename is the only blob field that changes after creation.
		if name, ok := fields["filename"].(string); ok {
			_, err = t.SetBlobFilename(ctx, id, name)
		}
		return err
	case models.EntityDeviceBlobs:
		deviceID, digest, ok := models.SplitDeviceBlobID(id)
		if !ok {
			return fmt.Errorf("invalid device blob id %q", id)
		}
		if deviceID == localDeviceID {
			// Local presence only follows verified bytes on disk.
			return nil
		}
		var p models.Presence
		if err := models.FromFields(fields, &p); err != nil {
			return fmt.Errorf("decode presence %s: %w", id, err)
		}
		p.SHA256, p.DeviceID, p.OwnerID = digest, deviceID, ownerID
		_, err := t.UpsertPresence(ctx, &p)
		return err
	case models.EntityAssets:
		existing, err := t.GetAsset(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			var asset models.Asset
			if err := models.FromFields(fields, &asset); err != nil {
				return fmt.Errorf("decode asset %s: %w", id, err)
			}
			asset.ID = id
			asset.OwnerID = ownerID
			if asset.UpdatedAt.IsZero() {
				asset.UpdatedAt = at
			}
			return t.InsertAsset(ctx, &asset)
		}
		merged, err := mergeAsset(existing, fields)
		if err != nil {
			return err
		}
		merged.UpdatedAt = at
		return t.UpdateAsset(ctx, merged)
	default:
		if !models.IsRecordType(entityType) {
			return fmt.Errorf("invalid entity type: %q", entityType)
		}
		return t.MergeRecord(ctx, entityType, id, ownerID, fields, at)
	}
}

func (t *Tx) deleteEntity(ctx context.Context, entityType models.EntityType, id, localDeviceID string) error {
	switch entityType {
	case models.EntityBlobsMeta:
		local, err := t.GetPresence(ctx, id, localDeviceID)
		if err != nil || local != nil {
			// Metadata stays while this device holds the bytes.
			return err
		}
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM blobs WHERE sha256 = ?`, id); err != nil {
			return fault.Storage("delete blob", err)
		}
		return nil
	case models.EntityDeviceBlobs:
		deviceID, digest, ok := models.SplitDeviceBlobID(id)
		if !ok {
			return fmt.Errorf("invalid device blob id %q", id)
		}
		if deviceID == localDeviceID {
			return nil
		}
		return t.DeletePresence(ctx, digest, deviceID)
	case models.EntityAssets:
		return t.DeleteAsset(ctx, id)
	default:
		return t.DeleteRecord(ctx, entityType, id)
	}
}

// EntityExists reports whether an entity is present locally.
func (r Reader) EntityExists(ctx context.Context, entityType models.EntityType, id string) (bool, error) {
	switch entityType {
	case models.EntityBlobsMeta:
		blob, err := r.GetBlob(ctx, id)
		return blob != nil, err
	case models.EntityDeviceBlobs:
		deviceID, digest, ok := models.SplitDeviceBlobID(id)
		if !ok {
			return false, nil
		}
		p, err := r.GetPresence(ctx, digest, deviceID)
		return p != nil, err
	case models.EntityAssets:
		asset, err := r.GetAsset(ctx, id)
		return asset != nil, err
	default:
		rec, err := r.GetRecord(ctx, entityType, id)
		return rec != nil, err
	}
}

// EntityFields returns the full replicated state of an entity, or nil when
// it does not exist.
func (r Reader) EntityFields(ctx context.Context, entityType models.EntityType, id string) (map[string]any, error) {
	var v any
	switch entityType {
	case models.EntityBlobsMeta:
		blob, err := r.GetBlob(ctx, id)
		if err != nil || blob == nil {
			return nil, err
		}
		blob.Health = ""
		v = blob
	case models.EntityDeviceBlobs:
		deviceID, digest, ok := models.SplitDeviceBlobID(id)
		if !ok {
			return nil, nil
		}
		p, err := r.GetPresence(ctx, digest, deviceID)
		if err != nil || p == nil {
			return nil, err
		}
		v = p
	case models.EntityAssets:
		asset, err := r.GetAsset(ctx, id)
		if err != nil || asset == nil {
			return nil, err
		}
		v = asset
	default:
		rec, err := r.GetRecord(ctx, entityType, id)
		if err != nil || rec == nil {
			return nil, err
		}
		return rec.Fields, nil
	}
	return models.ToFields(v)
}

// mergeAsset overlays fields onto an asset. Identity, digest and creation
// time are immutable.
func mergeAsset(existing *models.Asset, fields map[string]any) (*models.Asset, error) {
	base, err := models.ToFields(existing)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		switch k {
		case "id", "sha256", "created_at":
			continue
		}
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	var merged models.Asset
	if err := models.FromFields(base, &merged); err != nil {
		return nil, fmt.Errorf("merge asset %s: %w", existing.ID, err)
	}
	merged.ID = existing.ID
	merged.SHA256 = existing.SHA256
	merged.CreatedAt = existing.CreatedAt
	merged.OwnerID = existing.OwnerID
	return &merged, nil
}
