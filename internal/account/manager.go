// Package account owns the device's account identity and the guest to
// authenticated transitions.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"recall/internal/fault"
	"recall/internal/models"
	"recall/internal/remote"
	"recall/internal/store"
	"recall/internal/writebuffer"
)

const (
	reownPageSize = 100
	foreignLimit  = 20
)

// BlobPurger removes every locally stored blob file.
type BlobPurger interface {
	Purge(ctx context.Context) (int, error)
}

// Outcome describes what a sign-in did with local guest data.
type Outcome string

const (
	OutcomeDirect  Outcome = "direct"
	OutcomeUpgrade Outcome = "upgrade"
	OutcomeWipe    Outcome = "wipe"
	OutcomeResumed Outcome = "resumed"
)

// SignInReport summarizes a completed sign-in.
type SignInReport struct {
	Identity models.Identity `json:"identity"`
	Outcome  Outcome         `json:"outcome"`
	// Reowned counts entities moved to the account by this call.
	Reowned int `json:"reowned"`
}

// Manager is the account transition state machine. Only the manager
// changes the persisted identity.
type Manager struct {
	buffer   *writebuffer.Buffer
	store    *store.Store
	accounts remote.AccountService
	blobs    BlobPurger
	log      *slog.Logger

	mu sync.Mutex
	// reowned is called after each entity is moved during an upgrade.
	reowned func(count int) error
}

// NewManager creates a manager.
func NewManager(buffer *writebuffer.Buffer, accounts remote.AccountService, blobs BlobPurger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		buffer:   buffer,
		store:    buffer.Store(),
		accounts: accounts,
		blobs:    blobs,
		log:      logger.With("component", "account"),
	}
}

// Identity returns the persisted identity.
func (m *Manager) Identity(ctx context.Context) (models.Identity, error) {
	return m.store.Identity(ctx)
}

// SignIn authenticates with the account service and moves local guest data
// according to whether the account is new. An interrupted transition is
// resumed instead.
func (m *Manager) SignIn(ctx context.Context) (SignInReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, err := m.store.Identity(ctx)
	if err != nil {
		return SignInReport{}, err
	}
	switch {
	case identity.State == models.StateAuthenticated:
		return SignInReport{Identity: identity}, fault.ErrAlreadyAuthenticated
	case identity.State.Transitioning():
		return m.resume(ctx, identity)
	}

	res, err := m.accounts.SignIn(ctx)
	if err != nil {
		return SignInReport{}, fmt.Errorf("sign in: %w", err)
	}
	if res.AccountID == "" {
		return SignInReport{}, fmt.Errorf("sign in: account service returned no account id")
	}
	log := m.log.With("account_id", res.AccountID)

	hold, err := m.buffer.Hold()
	if err != nil {
		return SignInReport{}, err
	}
	defer hold.Release()

	foreign, err := m.store.ForeignOwned(ctx, res.AccountID, foreignLimit)
	if err != nil {
		return SignInReport{}, err
	}
	if len(foreign) > 0 {
		violation := &fault.InvariantError{
			Kind:   "foreign_owner",
			Detail: "local records belong to another account",
			IDs:    foreign,
		}
		log.Error("sign-in aborted", "err", violation)
		return SignInReport{}, violation
	}

	hasData, err := m.store.HasLocalData(ctx)
	if err != nil {
		return SignInReport{}, err
	}

	switch {
	case !hasData:
		if _, err := hold.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
			return tx.SetAccountState(ctx, models.StateAuthenticated, res.AccountID)
		}); err != nil {
			return SignInReport{}, err
		}
		log.Info("signed in")
		return m.report(ctx, OutcomeDirect, 0)

	case res.IsNewAccount:
		_, err := hold.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
			if err := tx.SetAccountState(ctx, models.StateTransitioningUpgrade, res.AccountID); err != nil {
				return err
			}
			// The full-state creates enqueued by the upgrade supersede them.
			dropped, err := tx.DeleteGuestEntries(ctx)
			if err != nil {
				return err
			}
			log.Info("upgrading guest data", "dropped_entries", dropped)
			return nil
		})
		if err != nil {
			return SignInReport{}, err
		}
		n, err := m.upgrade(ctx, hold, res.AccountID)
		if err != nil {
			return SignInReport{}, err
		}
		return m.report(ctx, OutcomeUpgrade, n)

	default:
		if _, err := hold.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
			return tx.SetAccountState(ctx, models.StateTransitioningWipe, res.AccountID)
		}); err != nil {
			return SignInReport{}, err
		}
		log.Info("wiping guest data for existing account")
		if err := m.wipe(ctx, hold, res.AccountID); err != nil {
			return SignInReport{}, err
		}
		return m.report(ctx, OutcomeWipe, 0)
	}
}

// Resume finishes a transition interrupted by a crash or cancellation. It
// is a no-op outside a transitioning state.
func (m *Manager) Resume(ctx context.Context) (SignInReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, err := m.store.Identity(ctx)
	if err != nil {
		return SignInReport{}, err
	}
	if !identity.State.Transitioning() {
		return SignInReport{Identity: identity}, nil
	}
	return m.resume(ctx, identity)
}

func (m *Manager) resume(ctx context.Context, identity models.Identity) (SignInReport, error) {
	hold, err := m.buffer.Hold()
	if err != nil {
		return SignInReport{}, err
	}
	defer hold.Release()

	done, err := m.store.CountTransitioned(ctx)
	if err != nil {
		return SignInReport{}, err
	}
	m.log.Info("resuming account transition", "state", identity.State,
		"account_id", identity.AccountID, "already_moved", done)

	n := 0
	switch identity.State {
	case models.StateTransitioningUpgrade:
		n, err = m.upgrade(ctx, hold, identity.AccountID)
	case models.StateTransitioningWipe:
		err = m.wipe(ctx, hold, identity.AccountID)
	}
	if err != nil {
		return SignInReport{}, err
	}
	return m.report(ctx, OutcomeResumed, n)
}

// upgrade re-owns every guest entity in dependency order. Each entity is
// moved, enqueued and marked in one transaction, so a restart picks up
// exactly the entities not yet marked.
func (m *Manager) upgrade(ctx context.Context, hold *writebuffer.Hold, accountID string) (int, error) {
	moved := 0
	for _, et := range models.EntityTypes() {
		for {
			ids, err := m.store.GuestEntityIDs(ctx, et, reownPageSize)
			if err != nil {
				return moved, err
			}
			if len(ids) == 0 {
				break
			}
			for _, id := range ids {
				if err := ctx.Err(); err != nil {
					return moved, err
				}
				if err := m.reown(ctx, hold, et, id, accountID); err != nil {
					return moved, fmt.Errorf("reown %s/%s: %w", et, id, err)
				}
				moved++
				if m.reowned != nil {
					if err := m.reowned(moved); err != nil {
						return moved, err
					}
				}
			}
		}
	}

	_, err := hold.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
		if err := tx.ClearTransitionProgress(ctx); err != nil {
			return err
		}
		return tx.SetAccountState(ctx, models.StateAuthenticated, accountID)
	})
	if err != nil {
		return moved, err
	}
	m.log.Info("upgrade complete", "account_id", accountID, "moved", moved)
	return moved, nil
}

func (m *Manager) reown(ctx context.Context, hold *writebuffer.Hold, et models.EntityType, id, accountID string) error {
	_, err := hold.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
		fields, err := tx.EntityFields(ctx, et, id)
		if err != nil {
			return err
		}
		if fields != nil {
			if err := tx.ReownEntity(ctx, et, id, accountID); err != nil {
				return err
			}
			if _, err := q.Append(ctx, models.Mutation{
				EntityType: et,
				EntityID:   id,
				Operation:  models.OpCreate,
				Payload:    fields,
			}); err != nil {
				return err
			}
		}
		return tx.MarkTransitioned(ctx, et, id)
	})
	return err
}

func (m *Manager) wipe(ctx context.Context, hold *writebuffer.Hold, accountID string) error {
	if err := m.purge(ctx, hold); err != nil {
		return err
	}
	_, err := hold.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
		return tx.SetAccountState(ctx, models.StateAuthenticated, accountID)
	})
	if err != nil {
		return err
	}
	m.log.Info("wipe complete", "account_id", accountID)
	return nil
}

func (m *Manager) purge(ctx context.Context, hold *writebuffer.Hold) error {
	_, err := hold.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
		for _, et := range models.EntityTypes() {
			q.Touch(et)
		}
		return tx.PurgeLocalData(ctx)
	})
	if err != nil {
		return err
	}
	if m.blobs == nil {
		return nil
	}
	n, err := m.blobs.Purge(ctx)
	if err != nil {
		return err
	}
	m.log.Debug("purged blob files", "count", n)
	return nil
}

// SignOut signs out and returns the device to an empty guest scope with the
// same device id. Unflushed writes make it fail unless force is set.
func (m *Manager) SignOut(ctx context.Context, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, err := m.store.Identity(ctx)
	if err != nil {
		return err
	}
	if identity.State == models.StateGuest {
		return fault.ErrNotAuthenticated
	}
	if identity.State.Transitioning() && !force {
		return fault.ErrTransitionPending
	}
	unflushed, err := m.store.CountEntries(ctx, "")
	if err != nil {
		return err
	}
	if unflushed > 0 && !force {
		return fmt.Errorf("%d entries not yet synced: %w", unflushed, fault.ErrUnflushedWrites)
	}

	hold, err := m.buffer.Hold()
	if err != nil {
		return err
	}
	defer hold.Release()

	if err := m.accounts.SignOut(ctx); err != nil {
		if !force {
			return fmt.Errorf("sign out: %w", err)
		}
		m.log.Warn("remote sign-out failed, continuing", "err", err)
	}
	if err := m.purge(ctx, hold); err != nil {
		return err
	}
	if _, err := hold.Update(ctx, func(tx *store.Tx, q *writebuffer.Queue) error {
		return tx.SetAccountState(ctx, models.StateGuest, "")
	}); err != nil {
		return err
	}
	m.log.Info("signed out", "account_id", identity.AccountID, "discarded_entries", unflushed)
	return nil
}

func (m *Manager) report(ctx context.Context, outcome Outcome, reowned int) (SignInReport, error) {
	identity, err := m.store.Identity(ctx)
	if err != nil {
		return SignInReport{}, err
	}
	return SignInReport{Identity: identity, Outcome: outcome, Reowned: reowned}, nil
}
