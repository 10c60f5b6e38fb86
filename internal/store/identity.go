package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"recall/internal/fault"
	"recall/internal/models"
)

// EnsureIdentity returns the identity row, creating a guest identity with a
// fresh device id on first use.
func (s *Store) EnsureIdentity(ctx context.Context) (models.Identity, error) {
	var out models.Identity
	err := s.WriteTx(ctx, func(tx *Tx) error {
		id, err := tx.Identity(ctx)
		if err == nil {
			out = id
			return nil
		}
		if !errors.Is(err, fault.ErrNotFound) {
			return err
		}
		out = models.Identity{State: models.StateGuest, DeviceID: uuid.NewString()}
		_, err = tx.tx.ExecContext(ctx, `
			INSERT INTO identity (id, device_id, state, account_id, updated_at)
			VALUES (1, ?, ?, '', ?)
		`, out.DeviceID, string(out.State), formatTime(time.Now()))
		if err != nil {
			return fault.Storage("create identity", err)
		}
		return nil
	})
	return out, err
}

// Identity loads the singleton identity row.
func (r Reader) Identity(ctx context.Context) (models.Identity, error) {
	var id models.Identity
	var state string
	err := r.q.QueryRowContext(ctx, `SELECT device_id, state, account_id FROM identity WHERE id = 1`).
		Scan(&id.DeviceID, &state, &id.AccountID)
	if err == sql.ErrNoRows {
		return id, fault.ErrNotFound
	}
	if err != nil {
		return id, fault.Storage("read identity", err)
	}
	id.State = models.AccountState(state)
	return id, nil
}

// SetAccountState persists a new state and account id. The device id is
// never changed.
func (t *Tx) SetAccountState(ctx context.Context, state models.AccountState, accountID string) error {
	switch state {
	case models.StateGuest, models.StateAuthenticated, models.StateTransitioningUpgrade, models.StateTransitioningWipe:
	default:
		return fmt.Errorf("invalid account state: %q", state)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE identity SET state = ?, account_id = ?, updated_at = ? WHERE id = 1
	`, string(state), accountID, formatTime(time.Now()))
	if err != nil {
		return fault.Storage("update identity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.ErrNotFound
	}
	return nil
}
