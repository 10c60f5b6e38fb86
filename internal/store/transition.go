package store

import (
	"context"
	"fmt"

	"recall/internal/fault"
	"recall/internal/models"
)

// ownedTables maps each entity type to the table and id expression that
// carry its owner column.
var ownedTables = map[models.EntityType]struct {
	table string
	idExp string
	where string
}{
	models.EntityBlobsMeta:   {table: "blobs", idExp: "sha256"},
	models.EntityDeviceBlobs: {table: "blob_presence", idExp: "device_id || ':' || sha256"},
	models.EntityAssets:      {table: "assets", idExp: "id"},
	models.EntityWorks:       {table: "records", idExp: "id", where: "entity_type = 'works'"},
	models.EntityVersions:    {table: "records", idExp: "id", where: "entity_type = 'versions'"},
	models.EntityAnnotations: {table: "records", idExp: "id", where: "entity_type = 'annotations'"},
	models.EntityCards:       {table: "records", idExp: "id", where: "entity_type = 'cards'"},
}

// HasLocalData reports whether any replicated entity exists locally.
func (r Reader) HasLocalData(ctx context.Context) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM blobs) + (SELECT COUNT(*) FROM blob_presence)
			+ (SELECT COUNT(*) FROM assets) + (SELECT COUNT(*) FROM records)
	`).Scan(&n)
	if err != nil {
		return false, fault.Storage("count local data", err)
	}
	return n > 0, nil
}

// ForeignOwned lists entities owned by neither the guest scope nor
// accountID, as "type/id". Any result is an invariant violation.
func (r Reader) ForeignOwned(ctx context.Context, accountID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []string
	for _, et := range models.EntityTypes() {
		src := ownedTables[et]
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE owner_id <> '' AND owner_id <> ?`, src.idExp, src.table)
		if src.where != "" {
			query += " AND " + src.where
		}
		query += " LIMIT ?"
		ids, err := r.queryStrings(ctx, query, accountID, limit-len(out))
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			out = append(out, string(et)+"/"+id)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GuestEntityIDs returns guest-owned ids of one type that have not yet been
// recorded in the transition progress table.
func (r Reader) GuestEntityIDs(ctx context.Context, entityType models.EntityType, limit int) ([]string, error) {
	src, ok := ownedTables[entityType]
	if !ok {
		return nil, fmt.Errorf("invalid entity type: %q", entityType)
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %[1]s FROM %[2]s WHERE owner_id = ''
		AND NOT EXISTS (SELECT 1 FROM transition_progress tp WHERE tp.entity_type = ? AND tp.entity_id = %[1]s)`,
		src.idExp, src.table)
	if src.where != "" {
		query += " AND " + src.where
	}
	query += fmt.Sprintf(" ORDER BY %s LIMIT ?", src.idExp)
	return r.queryStrings(ctx, query, string(entityType), limit)
}

// ReownEntity stamps a new owner on one entity.
func (t *Tx) ReownEntity(ctx context.Context, entityType models.EntityType, id, ownerID string) error {
	src, ok := ownedTables[entityType]
	if !ok {
		return fmt.Errorf("invalid entity type: %q", entityType)
	}
	query := fmt.Sprintf(`UPDATE %s SET owner_id = ? WHERE %s = ?`, src.table, src.idExp)
	if src.where != "" {
		query += " AND " + src.where
	}
	if _, err := t.tx.ExecContext(ctx, query, ownerID, id); err != nil {
		return fault.Storage("reown entity", err)
	}
	return nil
}

// MarkTransitioned records that an entity has been migrated by the running
// account transition.
func (t *Tx) MarkTransitioned(ctx context.Context, entityType models.EntityType, id string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO transition_progress (entity_type, entity_id) VALUES (?, ?)
	`, string(entityType), id)
	if err != nil {
		return fault.Storage("mark transitioned", err)
	}
	return nil
}

// ClearTransitionProgress drops the progress table contents.
func (t *Tx) ClearTransitionProgress(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM transition_progress`); err != nil {
		return fault.Storage("clear transition progress", err)
	}
	return nil
}

// CountTransitioned returns the number of entities already migrated.
func (r Reader) CountTransitioned(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM transition_progress`).Scan(&n); err != nil {
		return 0, fault.Storage("count transition progress", err)
	}
	return n, nil
}

// DeleteGuestEntries drops buffered mutations stamped with the guest owner.
func (t *Tx) DeleteGuestEntries(ctx context.Context) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM write_buffer WHERE owner_id = ''`)
	if err != nil {
		return 0, fault.Storage("delete guest entries", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeLocalData deletes every replicated entity and all sync state. The
// identity row is kept.
func (t *Tx) PurgeLocalData(ctx context.Context) error {
	for _, table := range []string{
		"records", "assets", "blob_presence", "blobs",
		"write_buffer", "entity_revisions", "sync_cursors", "transition_progress",
	} {
		if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fault.Storage("purge "+table, err)
		}
	}
	return nil
}

func (r Reader) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Storage("query ids", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fault.Storage("scan id", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
