package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"recall/internal/fault"
	"recall/internal/models"
)

const assetColumns = `id, sha256, filename, mime_type, size_bytes, page_count, role, purpose,
	linked_entity_id, meta_json, owner_id, created_at, updated_at`

// InsertAsset writes a new asset row. Callers are responsible for the
// one-asset-per-digest rule; the schema does not enforce it.
func (t *Tx) InsertAsset(ctx context.Context, asset *models.Asset) error {
	if asset == nil {
		return fmt.Errorf("asset is required")
	}
	asset.ID = strings.TrimSpace(asset.ID)
	asset.SHA256 = strings.ToLower(strings.TrimSpace(asset.SHA256))
	if asset.ID == "" || asset.SHA256 == "" {
		return fmt.Errorf("asset id and sha256 are required")
	}
	now := time.Now().UTC()
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	if asset.UpdatedAt.IsZero() {
		asset.UpdatedAt = asset.CreatedAt
	}
	metaJSON, err := assetMetaToJSON(asset.Meta)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO assets (`+assetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, asset.ID, asset.SHA256, asset.Filename, asset.MimeType, asset.SizeBytes, nullInt(asset.PageCount),
		asset.Role, asset.Purpose, asset.LinkedEntityID, metaJSON, asset.OwnerID,
		formatTime(asset.CreatedAt), formatTime(asset.UpdatedAt))
	if err != nil {
		return fault.Storage("insert asset", err)
	}
	return nil
}

// UpdateAsset rewrites the mutable columns of an asset. The digest and
// creation time never change.
func (t *Tx) UpdateAsset(ctx context.Context, asset *models.Asset) error {
	if asset == nil {
		return fmt.Errorf("asset is required")
	}
	if asset.UpdatedAt.IsZero() {
		asset.UpdatedAt = time.Now().UTC()
	}
	metaJSON, err := assetMetaToJSON(asset.Meta)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE assets SET filename = ?, mime_type = ?, size_bytes = ?, page_count = ?, role = ?,
			purpose = ?, linked_entity_id = ?, meta_json = ?, updated_at = ?
		WHERE id = ?
	`, asset.Filename, asset.MimeType, asset.SizeBytes, nullInt(asset.PageCount), asset.Role,
		asset.Purpose, asset.LinkedEntityID, metaJSON, formatTime(asset.UpdatedAt), asset.ID)
	if err != nil {
		return fault.Storage("update asset", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.ErrNotFound
	}
	return nil
}

// DeleteAsset removes an asset row. Missing rows are ignored.
func (t *Tx) DeleteAsset(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id); err != nil {
		return fault.Storage("delete asset", err)
	}
	return nil
}

// GetAsset returns an asset by id, or nil when absent.
func (r Reader) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	asset, err := scanAsset(row)
	if err != nil {
		return nil, fault.Storage("get asset", err)
	}
	return asset, nil
}

// AssetsByDigest returns every asset bound to digest, oldest first. More than
// one result means the one-asset-per-digest invariant is broken.
func (r Reader) AssetsByDigest(ctx context.Context, digest string) ([]models.Asset, error) {
	return r.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets WHERE sha256 = ? ORDER BY created_at, id`, digest)
}

// ListAssetsByLinkedEntity returns assets linked to entityID.
func (r Reader) ListAssetsByLinkedEntity(ctx context.Context, entityID string) ([]models.Asset, error) {
	return r.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets WHERE linked_entity_id = ? ORDER BY created_at, id`, entityID)
}

// ListUnlinkedAssets returns assets without a linked entity.
func (r Reader) ListUnlinkedAssets(ctx context.Context, limit int) ([]models.Asset, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets WHERE linked_entity_id IS NULL ORDER BY created_at, id LIMIT ?`, limit)
}

// ListAssets returns assets ordered by creation time.
func (r Reader) ListAssets(ctx context.Context, limit, offset int) ([]models.Asset, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, offset)
}

// DuplicateDigests lists digests bound to more than one asset.
func (r Reader) DuplicateDigests(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT sha256 FROM assets GROUP BY sha256 HAVING COUNT(*) > 1 ORDER BY sha256`)
	if err != nil {
		return nil, fault.Storage("duplicate digests", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var digest string
		if err := rows.Scan(&digest); err != nil {
			return nil, fault.Storage("duplicate digests", err)
		}
		out = append(out, digest)
	}
	return out, rows.Err()
}

func (r Reader) queryAssets(ctx context.Context, query string, args ...any) ([]models.Asset, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Storage("list assets", err)
	}
	defer rows.Close()

	var out []models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fault.Storage("scan asset", err)
		}
		out = append(out, *asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage("list assets", err)
	}
	return out, nil
}

func scanAsset(scanner interface {
	Scan(dest ...any) error
}) (*models.Asset, error) {
	asset := models.Asset{}
	var pageCount sql.NullInt64
	var linked, metaJSON sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(&asset.ID, &asset.SHA256, &asset.Filename, &asset.MimeType, &asset.SizeBytes,
		&pageCount, &asset.Role, &asset.Purpose, &linked, &metaJSON, &asset.OwnerID, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	asset.PageCount = intPtr(pageCount)
	if linked.Valid {
		value := linked.String
		asset.LinkedEntityID = &value
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &asset.Meta); err != nil {
			return nil, fmt.Errorf("parse asset meta_json: %w", err)
		}
	}
	if asset.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if asset.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &asset, nil
}

func assetMetaToJSON(meta models.AssetMeta) (any, error) {
	if meta.IsZero() {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode asset meta: %w", err)
	}
	return string(data), nil
}
