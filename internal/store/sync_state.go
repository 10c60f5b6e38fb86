package store

import (
	"context"
	"database/sql"
	"time"

	"recall/internal/fault"
	"recall/internal/models"
)

// Revision returns the last server revision applied for an entity.
func (r Reader) Revision(ctx context.Context, entityType models.EntityType, id string) (rev int64, deleted, found bool, err error) {
	var del int
	err = r.q.QueryRowContext(ctx, `
		SELECT revision, deleted FROM entity_revisions WHERE entity_type = ? AND entity_id = ?
	`, string(entityType), id).Scan(&rev, &del)
	if err == sql.ErrNoRows {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fault.Storage("read revision", err)
	}
	return rev, del != 0, true, nil
}

// SetRevision records the server revision of an entity. Revisions never move
// backwards.
func (t *Tx) SetRevision(ctx context.Context, entityType models.EntityType, id string, rev int64, deleted bool) error {
	del := 0
	if deleted {
		del = 1
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO entity_revisions (entity_type, entity_id, revision, deleted) VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			revision = excluded.revision,
			deleted = excluded.deleted
		WHERE excluded.revision > entity_revisions.revision
	`, string(entityType), id, rev, del)
	if err != nil {
		return fault.Storage("set revision", err)
	}
	return nil
}

// Cursor returns the last applied inbound position for an entity type.
func (r Reader) Cursor(ctx context.Context, entityType models.EntityType) (int64, error) {
	var pos int64
	err := r.q.QueryRowContext(ctx, `SELECT position FROM sync_cursors WHERE entity_type = ?`, string(entityType)).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fault.Storage("read cursor", err)
	}
	return pos, nil
}

// SetCursor advances the inbound cursor. It never moves backwards.
func (t *Tx) SetCursor(ctx context.Context, entityType models.EntityType, pos int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (entity_type, position, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (entity_type) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at
		WHERE excluded.position > sync_cursors.position
	`, string(entityType), pos, formatTime(time.Now()))
	if err != nil {
		return fault.Storage("set cursor", err)
	}
	return nil
}
