package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"recall/internal/fault"
	"recall/internal/metrics"
	"recall/internal/models"
	"recall/internal/remote"
	"recall/internal/store"
)

var errStreamClosed = errors.New("change stream closed")

// Ingest applies one inbound batch. Batches at or behind the stored cursor
// are skipped. A batch is deferred, and retried later in arrival order,
// while its type already has deferred batches, while it references an
// entity not yet present locally, or while one of its entities has an
// unflushed local write.
func (r *Reconciler) Ingest(ctx context.Context, batch models.Batch) (Outcome, error) {
	if !models.IsValidEntityType(batch.EntityType) {
		return "", fmt.Errorf("invalid entity type: %q", batch.EntityType)
	}
	r.mu.Lock()
	queued := len(r.deferred[batch.EntityType]) > 0
	if queued {
		r.pushDeferred(batch)
	}
	r.mu.Unlock()
	if queued {
		metrics.IngestedBatches.WithLabelValues(string(batch.EntityType), string(Deferred)).Inc()
		return Deferred, nil
	}

	outcome, err := r.apply(ctx, batch)
	if err != nil {
		return "", err
	}
	if outcome == Deferred {
		r.mu.Lock()
		r.pushDeferred(batch)
		r.mu.Unlock()
	}
	metrics.IngestedBatches.WithLabelValues(string(batch.EntityType), string(outcome)).Inc()
	return outcome, nil
}

// RetryDeferred re-attempts deferred batches, oldest first per type, and
// returns how many left the queue.
func (r *Reconciler) RetryDeferred(ctx context.Context) (int, error) {
	done := 0
	for _, et := range models.EntityTypes() {
		for {
			if err := ctx.Err(); err != nil {
				return done, err
			}
			r.mu.Lock()
			queue := r.deferred[et]
			if len(queue) == 0 {
				r.mu.Unlock()
				break
			}
			head := queue[0]
			r.mu.Unlock()

			outcome, err := r.apply(ctx, head)
			if err != nil {
				return done, err
			}
			if outcome == Deferred {
				break
			}
			r.mu.Lock()
			r.deferred[et] = r.deferred[et][1:]
			r.setDeferredGauge()
			r.mu.Unlock()
			metrics.IngestedBatches.WithLabelValues(string(et), string(outcome)).Inc()
			done++
		}
	}
	return done, nil
}

// Deferred returns the number of deferred batches per entity type.
func (r *Reconciler) Deferred() map[models.EntityType]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[models.EntityType]int{}
	for et, q := range r.deferred {
		if len(q) > 0 {
			out[et] = len(q)
		}
	}
	return out
}

// pushDeferred queues batch. Callers hold r.mu.
func (r *Reconciler) pushDeferred(batch models.Batch) {
	r.deferred[batch.EntityType] = append(r.deferred[batch.EntityType], batch)
	r.setDeferredGauge()
}

func (r *Reconciler) setDeferredGauge() {
	n := 0
	for _, q := range r.deferred {
		n += len(q)
	}
	metrics.DeferredBatches.Set(float64(n))
}

// lastDeferred is the newest position held in memory for entityType.
func (r *Reconciler) lastDeferred(entityType models.EntityType) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.deferred[entityType]
	if len(q) == 0 {
		return 0
	}
	return q[len(q)-1].Position
}

func (r *Reconciler) apply(ctx context.Context, batch models.Batch) (Outcome, error) {
	et := batch.EntityType
	outcome := Skipped
	changed := false
	var boundDigests []string

	err := r.store.WriteTx(ctx, func(tx *store.Tx) error {
		cursor, err := tx.Cursor(ctx, et)
		if err != nil {
			return err
		}
		if batch.Position <= cursor {
			return nil
		}
		identity, err := tx.Identity(ctx)
		if err != nil {
			return err
		}
		if identity.State.Transitioning() {
			outcome = Deferred
			return nil
		}
		if identity.State != models.StateAuthenticated {
			return fault.ErrNotAuthenticated
		}

		for _, ch := range batch.Changes {
			wait, err := r.mustWait(ctx, tx, et, ch)
			if err != nil {
				return err
			}
			if wait != "" {
				r.log.Debug("deferring batch", "entity_type", et, "position", batch.Position,
					"entity_id", ch.EntityID, "reason", wait)
				outcome = Deferred
				return nil
			}
		}

		for _, ch := range batch.Changes {
			applied, err := tx.ApplyChange(ctx, et, ch, identity.OwnerID(), identity.DeviceID)
			if err != nil {
				return fmt.Errorf("apply %s/%s: %w", et, ch.EntityID, err)
			}
			changed = changed || applied
			if applied && et == models.EntityAssets && ch.Operation != models.OpDelete {
				if digest, ok := ch.Fields["sha256"].(string); ok {
					boundDigests = append(boundDigests, digest)
				}
			}
		}
		if err := tx.SetCursor(ctx, et, batch.Position); err != nil {
			return err
		}
		outcome = Applied
		return nil
	})
	if err != nil {
		return "", err
	}
	if changed {
		r.checkAssetDigests(ctx, boundDigests)
		if r.opts.Sink != nil {
			r.opts.Sink.Notify(et)
		}
	}
	return outcome, nil
}

// mustWait returns why ch cannot be applied yet, or "" when it can.
func (r *Reconciler) mustWait(ctx context.Context, tx *store.Tx, et models.EntityType, ch models.Change) (string, error) {
	pending, err := tx.HasPendingEntry(ctx, et, ch.EntityID)
	if err != nil {
		return "", err
	}
	if pending {
		return "local write pending", nil
	}
	if ch.Operation == models.OpDelete {
		return "", nil
	}
	for _, ref := range r.opts.References[et] {
		id, _ := ch.Fields[ref.Field].(string)
		if id == "" {
			continue
		}
		exists, err := tx.EntityExists(ctx, ref.Target, id)
		if err != nil {
			return "", err
		}
		if exists {
			continue
		}
		// A reference to a deleted entity will never resolve.
		_, deleted, _, err := tx.Revision(ctx, ref.Target, id)
		if err != nil {
			return "", err
		}
		if !deleted {
			return fmt.Sprintf("missing %s %s", ref.Target, id), nil
		}
	}
	return "", nil
}

// checkAssetDigests reports digests that inbound changes bound to a second
// asset, e.g. when two devices imported the same file while offline.
func (r *Reconciler) checkAssetDigests(ctx context.Context, digests []string) {
	for _, d := range digests {
		existing, err := r.store.AssetsByDigest(ctx, d)
		if err != nil || len(existing) < 2 {
			continue
		}
		ids := make([]string, 0, len(existing))
		for _, a := range existing {
			ids = append(ids, a.ID)
		}
		violation := &fault.InvariantError{Kind: "duplicate_asset", Detail: "inbound asset shares a digest", IDs: ids}
		r.log.Warn("multiple assets share a digest", "sha256", d, "asset_ids", ids, "canonical", ids[0], "err", violation)
	}
}

// follow keeps a subscription open for one entity type, resubscribing from
// the last applied position after transient failures.
func (r *Reconciler) follow(ctx context.Context, et models.EntityType) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.ResubscribeBase
	bo.MaxInterval = r.opts.ResubscribeMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	for {
		cursor, err := r.store.Cursor(ctx, et)
		if err != nil {
			return err
		}
		from := max(cursor, r.lastDeferred(et))
		sub, err := r.channel.SubscribeChanges(ctx, et, from)
		if err == nil {
			var delivered bool
			delivered, err = r.consume(ctx, sub)
			if delivered {
				bo.Reset()
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fault.IsStorage(err) || errors.Is(err, fault.ErrNotAuthenticated) {
			return err
		}
		wait := bo.NextBackOff()
		r.log.Info("change stream interrupted", "entity_type", et, "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *Reconciler) consume(ctx context.Context, sub remote.Subscription) (delivered bool, err error) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case batch, ok := <-sub.Batches():
			if !ok {
				if err := sub.Err(); err != nil {
					return delivered, err
				}
				return delivered, errStreamClosed
			}
			delivered = true
			if _, err := r.Ingest(ctx, batch); err != nil {
				return delivered, err
			}
		}
	}
}
