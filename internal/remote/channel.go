// Package remote defines the replication channel and account service the
// sync engine talks to. The HTTP client lives in package api.
package remote

import (
	"context"

	"recall/internal/models"
)

// Ack is the remote's acknowledgement of one mutation.
type Ack struct {
	Revision int64 `json:"revision"`
	Position int64 `json:"position"`
	// Duplicate means the remote had already applied this (device, sequence).
	Duplicate bool `json:"duplicate"`
	// Superseded carries the remote's value for each field of the mutation
	// that lost to a newer write; nil means the field is unset remotely.
	Superseded map[string]any `json:"superseded,omitempty"`
}

// Sender delivers buffered mutations.
type Sender interface {
	SendMutation(ctx context.Context, e models.Entry) (Ack, error)
}

// Subscription is a live stream of change batches for one entity type.
type Subscription interface {
	Batches() <-chan models.Batch
	// Err reports why the stream ended once Batches is closed.
	Err() error
	Close() error
}

// Channel is the replication channel to the remote.
type Channel interface {
	Sender
	SubscribeChanges(ctx context.Context, entityType models.EntityType, from int64) (Subscription, error)
}

// Puller fetches backlogged change batches without holding a stream open.
type Puller interface {
	PullChanges(ctx context.Context, entityType models.EntityType, from int64, limit int) ([]models.Batch, error)
}

// SignInResult reports the account a device signed in to.
type SignInResult struct {
	AccountID    string `json:"account_id"`
	IsNewAccount bool   `json:"is_new_account"`
}

// AccountService authenticates the device against the remote.
type AccountService interface {
	SignIn(ctx context.Context) (SignInResult, error)
	SignOut(ctx context.Context) error
}
