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

const recordColumns = `entity_type, id, owner_id, fields_json, created_at, updated_at`

// MergeRecord creates the record or merges fields into it. Fields absent from
// the map are left unchanged; a nil value clears a field.
func (t *Tx) MergeRecord(ctx context.Context, entityType models.EntityType, id, ownerID string, fields map[string]any, at time.Time) error {
	if id == "" {
		return fmt.Errorf("record id is required")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	existing, err := t.GetRecord(ctx, entityType, id)
	if err != nil {
		return err
	}
	if existing == nil {
		data, err := json.Marshal(nonNilFields(fields))
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		`, string(entityType), id, ownerID, string(data), formatTime(at), formatTime(at))
		if err != nil {
			return fault.Storage("insert record", err)
		}
		return nil
	}

	merged := existing.Fields
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range fields {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE records SET fields_json = ?, updated_at = ? WHERE entity_type = ? AND id = ?
	`, string(data), formatTime(at), string(entityType), id)
	if err != nil {
		return fault.Storage("update record", err)
	}
	return nil
}

// DeleteRecord removes a record. Missing rows are ignored.
func (t *Tx) DeleteRecord(ctx context.Context, entityType models.EntityType, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM records WHERE entity_type = ? AND id = ?`, string(entityType), id)
	if err != nil {
		return fault.Storage("delete record", err)
	}
	return nil
}

// GetRecord returns a record, or nil when absent.
func (r Reader) GetRecord(ctx context.Context, entityType models.EntityType, id string) (*models.Record, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND id = ?
	`, string(entityType), id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fault.Storage("get record", err)
	}
	return rec, nil
}

// ListRecords returns records of one type ordered by id.
func (r Reader) ListRecords(ctx context.Context, entityType models.EntityType, limit int) ([]models.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE entity_type = ? ORDER BY id LIMIT ?
	`, string(entityType), limit)
	if err != nil {
		return nil, fault.Storage("list records", err)
	}
	defer rows.Close()
	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fault.Storage("scan record", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(scanner interface {
	Scan(dest ...any) error
}) (*models.Record, error) {
	rec := models.Record{}
	var entityType, fieldsJSON, createdAt, updatedAt string
	err := scanner.Scan(&entityType, &rec.ID, &rec.OwnerID, &fieldsJSON, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.EntityType = models.EntityType(entityType)
	if fieldsJSON != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return nil, fmt.Errorf("parse record fields_json: %w", err)
		}
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func nonNilFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
