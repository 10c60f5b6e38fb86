package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"recall/internal/fault"
	"recall/internal/models"
)

const blobColumns = `sha256, size_bytes, mime_type, page_count, filename, health, owner_id, created_at`

const presenceColumns = `sha256, device_id, path, owner_id, verified_at`

// InsertBlob inserts blob metadata if absent. Blob rows are immutable, so an
// existing row wins. It reports whether a new row was written.
func (t *Tx) InsertBlob(ctx context.Context, blob *models.Blob) (bool, error) {
	if blob == nil {
		return false, fmt.Errorf("blob is required")
	}
	blob.SHA256 = strings.ToLower(strings.TrimSpace(blob.SHA256))
	if blob.SHA256 == "" {
		return false, fmt.Errorf("sha256 is required")
	}
	if blob.SizeBytes < 0 {
		return false, fmt.Errorf("size_bytes must be >= 0")
	}
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = time.Now().UTC()
	}
	if blob.Health == "" {
		blob.Health = models.BlobHealthy
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO blobs (`+blobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, blob.SHA256, blob.SizeBytes, blob.MimeType, nullInt(blob.PageCount), blob.Filename,
		string(blob.Health), blob.OwnerID, formatTime(blob.CreatedAt))
	if err != nil {
		return false, fault.Storage("insert blob", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetBlobHealth records the latest health check result.
func (t *Tx) SetBlobHealth(ctx context.Context, digest string, health models.BlobHealth) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE blobs SET health = ? WHERE sha256 = ?`, string(health), digest)
	if err != nil {
		return fault.Storage("set blob health", err)
	}
	return nil
}

// SetBlobFilename renames a blob in the catalog. It reports false when the
// digest is unknown.
func (t *Tx) SetBlobFilename(ctx context.Context, digest, filename string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE blobs SET filename = ? WHERE sha256 = ?`, filename, digest)
	if err != nil {
		return false, fault.Storage("rename blob", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault.Storage("rename blob", err)
	}
	return n > 0, nil
}

// GetBlob returns blob metadata, or nil when the digest is unknown.
func (r Reader) GetBlob(ctx context.Context, digest string) (*models.Blob, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE sha256 = ?`, digest)
	blob, err := scanBlob(row)
	if err != nil {
		return nil, fault.Storage("get blob", err)
	}
	return blob, nil
}

// ListBlobsAfter returns up to limit blobs ordered by digest, strictly after
// the given digest. It backs keyset pagination.
func (r Reader) ListBlobsAfter(ctx context.Context, after string, limit int) ([]models.Blob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+blobColumns+` FROM blobs WHERE sha256 > ? ORDER BY sha256 LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fault.Storage("list blobs", err)
	}
	defer rows.Close()

	var out []models.Blob
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, fault.Storage("scan blob", err)
		}
		out = append(out, *blob)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage("list blobs", err)
	}
	return out, nil
}

// BlobStats summarizes stored blob metadata.
type BlobStats struct {
	TotalBlobs int64            `json:"total_blobs"`
	TotalBytes int64            `json:"total_bytes"`
	LocalBlobs int64            `json:"local_blobs"`
	ByMime     []MimeStat       `json:"by_mime"`
	ByHealth   map[string]int64 `json:"by_health"`
}

// MimeStat is one row of the per-MIME breakdown.
type MimeStat struct {
	MimeType string `json:"mime_type"`
	Count    int64  `json:"count"`
	Bytes    int64  `json:"bytes"`
}

// BlobStats computes totals for blobs known to this database.
func (r Reader) BlobStats(ctx context.Context, deviceID string) (BlobStats, error) {
	stats := BlobStats{ByHealth: map[string]int64{}}
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM blobs`).
		Scan(&stats.TotalBlobs, &stats.TotalBytes)
	if err != nil {
		return stats, fault.Storage("blob stats", err)
	}
	err = r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM blob_presence WHERE device_id = ?`, deviceID).
		Scan(&stats.LocalBlobs)
	if err != nil {
		return stats, fault.Storage("blob stats", err)
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT CASE WHEN mime_type = '' THEN 'unknown' ELSE mime_type END AS mt, COUNT(*), SUM(size_bytes)
		FROM blobs GROUP BY mt ORDER BY COUNT(*) DESC, mt
	`)
	if err != nil {
		return stats, fault.Storage("blob stats", err)
	}
	for rows.Next() {
		var m MimeStat
		if err := rows.Scan(&m.MimeType, &m.Count, &m.Bytes); err != nil {
			rows.Close()
			return stats, fault.Storage("blob stats", err)
		}
		stats.ByMime = append(stats.ByMime, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fault.Storage("blob stats", err)
	}

	rows, err = r.q.QueryContext(ctx, `SELECT health, COUNT(*) FROM blobs GROUP BY health`)
	if err != nil {
		return stats, fault.Storage("blob stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var health string
		var n int64
		if err := rows.Scan(&health, &n); err != nil {
			return stats, fault.Storage("blob stats", err)
		}
		stats.ByHealth[health] = n
	}
	return stats, rows.Err()
}

// UpsertPresence records verified bytes for (digest, device). It reports
// whether the row is new.
func (t *Tx) UpsertPresence(ctx context.Context, p *models.Presence) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("presence is required")
	}
	if p.SHA256 == "" || p.DeviceID == "" {
		return false, fmt.Errorf("sha256 and device_id are required")
	}
	if p.VerifiedAt.IsZero() {
		p.VerifiedAt = time.Now().UTC()
	}
	existing, err := t.GetPresence(ctx, p.SHA256, p.DeviceID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		_, err := t.tx.ExecContext(ctx, `
			UPDATE blob_presence SET path = ?, verified_at = ? WHERE sha256 = ? AND device_id = ?
		`, p.Path, formatTime(p.VerifiedAt), p.SHA256, p.DeviceID)
		if err != nil {
			return false, fault.Storage("update presence", err)
		}
		return false, nil
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO blob_presence (`+presenceColumns+`) VALUES (?, ?, ?, ?, ?)
	`, p.SHA256, p.DeviceID, p.Path, p.OwnerID, formatTime(p.VerifiedAt))
	if err != nil {
		return false, fault.Storage("insert presence", err)
	}
	return true, nil
}

// DeletePresence removes a presence row. Missing rows are ignored.
func (t *Tx) DeletePresence(ctx context.Context, digest, deviceID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM blob_presence WHERE sha256 = ? AND device_id = ?`, digest, deviceID)
	if err != nil {
		return fault.Storage("delete presence", err)
	}
	return nil
}

// GetPresence returns the presence row, or nil when absent.
func (r Reader) GetPresence(ctx context.Context, digest, deviceID string) (*models.Presence, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+presenceColumns+` FROM blob_presence WHERE sha256 = ? AND device_id = ?
	`, digest, deviceID)
	p, err := scanPresence(row)
	if err != nil {
		return nil, fault.Storage("get presence", err)
	}
	return p, nil
}

// ListPresence returns every device known to hold digest.
func (r Reader) ListPresence(ctx context.Context, digest string) ([]models.Presence, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+presenceColumns+` FROM blob_presence WHERE sha256 = ? ORDER BY device_id
	`, digest)
	if err != nil {
		return nil, fault.Storage("list presence", err)
	}
	defer rows.Close()
	var out []models.Presence
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, fault.Storage("scan presence", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListDevicePresenceAfter pages through one device's presence rows by digest.
func (r Reader) ListDevicePresenceAfter(ctx context.Context, deviceID, after string, limit int) ([]models.Presence, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+presenceColumns+` FROM blob_presence
		WHERE device_id = ? AND sha256 > ? ORDER BY sha256 LIMIT ?
	`, deviceID, after, limit)
	if err != nil {
		return nil, fault.Storage("list presence", err)
	}
	defer rows.Close()
	var out []models.Presence
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, fault.Storage("scan presence", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanBlob(scanner interface {
	Scan(dest ...any) error
}) (*models.Blob, error) {
	blob := models.Blob{}
	var pageCount sql.NullInt64
	var health, createdAt string

	err := scanner.Scan(&blob.SHA256, &blob.SizeBytes, &blob.MimeType, &pageCount, &blob.Filename,
		&health, &blob.OwnerID, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	blob.PageCount = intPtr(pageCount)
	blob.Health = models.BlobHealth(health)

	parsedCreated, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	blob.CreatedAt = parsedCreated
	return &blob, nil
}

func scanPresence(scanner interface {
	Scan(dest ...any) error
}) (*models.Presence, error) {
	p := models.Presence{}
	var verifiedAt string
	err := scanner.Scan(&p.SHA256, &p.DeviceID, &p.Path, &p.OwnerID, &verifiedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	parsed, err := parseTime(verifiedAt)
	if err != nil {
		return nil, err
	}
	p.VerifiedAt = parsed
	return &p, nil
}

// ListLocalBlobsAfter pages through blobs a device holds, ordered by digest.
func (r Reader) ListLocalBlobsAfter(ctx context.Context, deviceID, after string, limit int) ([]models.Blob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT b.sha256, b.size_bytes, b.mime_type, b.page_count, b.filename, b.health, b.owner_id, b.created_at
		FROM blobs b JOIN blob_presence p ON p.sha256 = b.sha256
		WHERE p.device_id = ? AND b.sha256 > ?
		ORDER BY b.sha256 LIMIT ?
	`, deviceID, after, limit)
	if err != nil {
		return nil, fault.Storage("list local blobs", err)
	}
	defer rows.Close()

	var out []models.Blob
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, fault.Storage("scan blob", err)
		}
		out = append(out, *blob)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage("list local blobs", err)
	}
	return out, nil
}
