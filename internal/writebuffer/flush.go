package writebuffer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"recall/internal/fault"
	"recall/internal/metrics"
	"recall/internal/models"
	"recall/internal/remote"
	"recall/internal/store"
)

// FlushReport summarizes one flush pass.
type FlushReport struct {
	Sent         int `json:"sent"`
	Acked        int `json:"acked"`
	Duplicates   int `json:"duplicates"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Blocked      int `json:"blocked"`
	Remaining    int `json:"remaining"`
}

type entityKey struct {
	entityType models.EntityType
	id         string
}

// Flush sends pending entries in sequence order. A transient failure, or an
// entry still backing off, blocks its entity type and every type depending
// on it for the rest of the pass. A rejected entry is dead-lettered and
// holds back later entries for the same entity. Cancellation is observed
// between entries.
func (b *Buffer) Flush(ctx context.Context, sender remote.Sender) (FlushReport, error) {
	var report FlushReport
	if sender == nil {
		return report, fault.ErrNotAuthenticated
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	metrics.FlushRuns.Inc()

	blocked := map[models.EntityType]bool{}
	dead := map[entityKey]bool{}
	var after int64

	for {
		entries, err := b.store.ListEntries(ctx, "", after, b.opts.BatchSize)
		if err != nil {
			return report, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			after = e.Sequence
			if err := ctx.Err(); err != nil {
				return report, err
			}
			key := entityKey{e.EntityType, e.EntityID}
			if e.Status == models.EntryDead {
				dead[key] = true
				continue
			}
			if dead[key] || b.partitionBlocked(e.EntityType, blocked, nil) {
				report.Blocked++
				continue
			}
			if e.NextAttemptAt != nil && b.opts.Now().Before(*e.NextAttemptAt) {
				blocked[e.EntityType] = true
				report.Blocked++
				continue
			}
			if err := b.send(ctx, sender, e, &report, blocked, dead); err != nil {
				return report, err
			}
		}
	}

	remaining, err := b.store.CountEntries(ctx, models.EntryPending)
	if err != nil {
		return report, err
	}
	report.Remaining = remaining
	metrics.BufferDepth.Set(float64(remaining))
	return report, nil
}

func (b *Buffer) send(ctx context.Context, sender remote.Sender, e models.Entry, report *FlushReport, blocked map[models.EntityType]bool, dead map[entityKey]bool) error {
	if b.opts.Limiter != nil {
		if err := b.opts.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	log := b.log.With("sequence", e.Sequence, "entity_type", e.EntityType, "entity_id", e.EntityID)

	ack, sendErr := sender.SendMutation(ctx, e)
	report.Sent++
	if sendErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	switch {
	case sendErr == nil:
		err := b.store.WriteTx(ctx, func(tx *store.Tx) error {
			// The revision marker only advances through inbound changes;
			// earlier revisions may still be in flight.
			if err := tx.DeleteEntry(ctx, e.Sequence); err != nil {
				return err
			}
			return tx.ApplyRemoteFields(ctx, e.EntityType, e.EntityID, ack.Superseded, b.opts.Now().UTC())
		})
		if err != nil {
			return err
		}
		if len(ack.Superseded) > 0 {
			log.Info("remote kept newer values", "fields", len(ack.Superseded))
			if b.opts.Sink != nil {
				b.opts.Sink.Notify(e.EntityType)
			}
		}
		if ack.Duplicate {
			report.Duplicates++
			metrics.FlushedEntries.WithLabelValues(metrics.ResultDuplicate).Inc()
			log.Debug("remote already had entry")
		} else {
			metrics.FlushedEntries.WithLabelValues(metrics.ResultAcked).Inc()
		}
		report.Acked++
		return nil

	case fault.IsRejection(sendErr):
		attempts := e.Attempts + 1
		if err := b.store.WriteTx(ctx, func(tx *store.Tx) error {
			return tx.MarkEntryDead(ctx, e.Sequence, attempts, sendErr.Error())
		}); err != nil {
			return err
		}
		dead[entityKey{e.EntityType, e.EntityID}] = true
		report.DeadLettered++
		metrics.FlushedEntries.WithLabelValues(metrics.ResultDead).Inc()
		log.Warn("entry dead-lettered", "error", sendErr)
		return nil

	default:
		if fault.IsStorage(sendErr) {
			return sendErr
		}
		attempts := e.Attempts + 1
		next := b.opts.Now().Add(b.backoff(attempts))
		if err := b.store.WriteTx(ctx, func(tx *store.Tx) error {
			return tx.MarkEntryRetry(ctx, e.Sequence, attempts, sendErr.Error(), next)
		}); err != nil {
			return err
		}
		blocked[e.EntityType] = true
		report.Retried++
		metrics.FlushedEntries.WithLabelValues(metrics.ResultRetried).Inc()
		if !fault.IsTransient(sendErr) {
			log.Warn("unclassified send failure, retrying", "error", sendErr, "attempts", attempts)
		} else {
			log.Info("send failed, backing off", "error", sendErr, "attempts", attempts, "next_attempt_at", next)
		}
		return nil
	}
}

// backoff returns the delay before attempt number attempts+1: base doubling
// per attempt, capped at BackoffMax, without jitter so that the persisted
// next_attempt_at is reproducible.
func (b *Buffer) backoff(attempts int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.opts.BackoffBase
	eb.MaxInterval = b.opts.BackoffMax
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	d := eb.NextBackOff()
	for i := 1; i < attempts && d < b.opts.BackoffMax; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// partitionBlocked reports whether t or any type it depends on, directly or
// transitively, is blocked.
func (b *Buffer) partitionBlocked(t models.EntityType, blocked map[models.EntityType]bool, seen map[models.EntityType]bool) bool {
	if blocked[t] {
		return true
	}
	if seen == nil {
		seen = map[models.EntityType]bool{}
	}
	if seen[t] {
		return false
	}
	seen[t] = true
	for _, parent := range b.opts.Dependencies[t] {
		if b.partitionBlocked(parent, blocked, seen) {
			return true
		}
	}
	return false
}

// IsRetriable reports whether a flush error should be retried on the next
// tick rather than surfaced.
func IsRetriable(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !fault.IsStorage(err)
}
