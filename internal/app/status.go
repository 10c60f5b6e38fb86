package app

import (
	"context"

	"recall/internal/models"
)

// Status is a snapshot of the device's sync state.
type Status struct {
	Identity    models.Identity             `json:"identity"`
	RemoteURL   string                      `json:"remote_url"`
	Pending     int                         `json:"pending"`
	DeadLetters int                         `json:"dead_letters"`
	Cursors     map[models.EntityType]int64 `json:"cursors"`
}

// Status reads identity, buffer depth and per-type stream cursors.
func (a *App) Status(ctx context.Context) (Status, error) {
	identity, err := a.Store.Identity(ctx)
	if err != nil {
		return Status{}, err
	}
	pending, err := a.Store.CountEntries(ctx, models.EntryPending)
	if err != nil {
		return Status{}, err
	}
	dead, err := a.Store.CountEntries(ctx, models.EntryDead)
	if err != nil {
		return Status{}, err
	}
	types, err := a.Config.SyncEntityTypes()
	if err != nil {
		return Status{}, err
	}
	cursors := make(map[models.EntityType]int64, len(types))
	for _, et := range types {
		pos, err := a.Store.Cursor(ctx, et)
		if err != nil {
			return Status{}, err
		}
		cursors[et] = pos
	}
	return Status{
		Identity:    identity,
		RemoteURL:   a.Config.RemoteURL,
		Pending:     pending,
		DeadLetters: dead,
		Cursors:     cursors,
	}, nil
}
