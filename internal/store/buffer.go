package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"recall/internal/fault"
	"recall/internal/models"
)

const entryColumns = `sequence, device_id, owner_id, entity_type, entity_id, operation, payload_json,
	enqueued_at, attempts, last_error, next_attempt_at, status, dead_reason`

// AppendEntry durably appends a mutation to the write buffer and assigns its
// sequence.
func (t *Tx) AppendEntry(ctx context.Context, e *models.Entry) (int64, error) {
	if e == nil {
		return 0, fmt.Errorf("entry is required")
	}
	if err := e.Mutation().Validate(); err != nil {
		return 0, err
	}
	if e.DeviceID == "" {
		return 0, fmt.Errorf("device id is required")
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	e.Status = models.EntryPending

	var payload any
	if len(e.Payload) > 0 {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("encode payload: %w", err)
		}
		payload = string(data)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO write_buffer (device_id, owner_id, entity_type, entity_id, operation, payload_json, enqueued_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.DeviceID, e.OwnerID, string(e.EntityType), e.EntityID, string(e.Operation), payload,
		formatTime(e.EnqueuedAt), string(e.Status))
	if err != nil {
		return 0, fault.Storage("append entry", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fault.Storage("append entry", err)
	}
	e.Sequence = seq
	return seq, nil
}

// DeleteEntry removes an entry. It is used for acknowledgements and for
// discarding dead letters.
func (t *Tx) DeleteEntry(ctx context.Context, seq int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM write_buffer WHERE sequence = ?`, seq); err != nil {
		return fault.Storage("delete entry", err)
	}
	return nil
}

// MarkEntryRetry records a failed attempt and when the next may happen.
func (t *Tx) MarkEntryRetry(ctx context.Context, seq int64, attempts int, lastErr string, next time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE write_buffer SET attempts = ?, last_error = ?, next_attempt_at = ? WHERE sequence = ?
	`, attempts, lastErr, formatTime(next), seq)
	if err != nil {
		return fault.Storage("mark entry retry", err)
	}
	return nil
}

// MarkEntryDead moves an entry to the dead-letter state.
func (t *Tx) MarkEntryDead(ctx context.Context, seq int64, attempts int, reason string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE write_buffer SET status = ?, attempts = ?, dead_reason = ?, last_error = ?, next_attempt_at = NULL
		WHERE sequence = ?
	`, string(models.EntryDead), attempts, reason, reason, seq)
	if err != nil {
		return fault.Storage("mark entry dead", err)
	}
	return nil
}

// ReviveEntry moves a dead entry back to pending with a fresh attempt count.
func (t *Tx) ReviveEntry(ctx context.Context, seq int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE write_buffer SET status = ?, attempts = 0, last_error = '', dead_reason = '', next_attempt_at = NULL
		WHERE sequence = ? AND status = ?
	`, string(models.EntryPending), seq, string(models.EntryDead))
	if err != nil {
		return fault.Storage("revive entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.ErrNotFound
	}
	return nil
}

// DeleteAllEntries clears the write buffer.
func (t *Tx) DeleteAllEntries(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM write_buffer`); err != nil {
		return fault.Storage("clear write buffer", err)
	}
	return nil
}

// GetEntry returns one entry, or nil when absent.
func (r Reader) GetEntry(ctx context.Context, seq int64) (*models.Entry, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM write_buffer WHERE sequence = ?`, seq)
	e, err := scanEntry(row)
	if err != nil {
		return nil, fault.Storage("get entry", err)
	}
	return e, nil
}

// ListEntries returns entries after the given sequence in sequence order.
// An empty status returns every entry.
func (r Reader) ListEntries(ctx context.Context, status models.EntryStatus, afterSeq int64, limit int) ([]models.Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + entryColumns + ` FROM write_buffer WHERE sequence > ?`
	args := []any{afterSeq}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY sequence LIMIT ?`
	args = append(args, limit)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Storage("list entries", err)
	}
	defer rows.Close()
	var out []models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fault.Storage("scan entry", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage("list entries", err)
	}
	return out, nil
}

// CountEntries counts entries in the given status, or all when empty.
func (r Reader) CountEntries(ctx context.Context, status models.EntryStatus) (int, error) {
	var n int
	var err error
	if status == "" {
		err = r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM write_buffer`).Scan(&n)
	} else {
		err = r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM write_buffer WHERE status = ?`, string(status)).Scan(&n)
	}
	if err != nil {
		return 0, fault.Storage("count entries", err)
	}
	return n, nil
}

// HasPendingEntry reports whether an unacknowledged, non-dead entry exists
// for the entity.
func (r Reader) HasPendingEntry(ctx context.Context, entityType models.EntityType, id string) (bool, error) {
	var exists int
	err := r.q.QueryRowContext(ctx, `
		SELECT 1 FROM write_buffer WHERE entity_type = ? AND entity_id = ? AND status = ? LIMIT 1
	`, string(entityType), id, string(models.EntryPending)).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fault.Storage("pending entry lookup", err)
	}
	return true, nil
}

func scanEntry(scanner interface {
	Scan(dest ...any) error
}) (*models.Entry, error) {
	e := models.Entry{}
	var entityType, operation, enqueuedAt, status string
	var payload, nextAttempt sql.NullString

	err := scanner.Scan(&e.Sequence, &e.DeviceID, &e.OwnerID, &entityType, &e.EntityID, &operation, &payload,
		&enqueuedAt, &e.Attempts, &e.LastError, &nextAttempt, &status, &e.DeadReason)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	e.EntityType = models.EntityType(entityType)
	e.Operation = models.Operation(operation)
	e.Status = models.EntryStatus(status)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
			return nil, fmt.Errorf("parse payload_json: %w", err)
		}
	}
	if e.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, err
	}
	if nextAttempt.Valid && nextAttempt.String != "" {
		next, err := parseTime(nextAttempt.String)
		if err != nil {
			return nil, err
		}
		e.NextAttemptAt = &next
	}
	return &e, nil
}
