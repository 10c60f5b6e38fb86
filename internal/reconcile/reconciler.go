// Package reconcile drives the write buffer against the remote channel and
// applies inbound change batches to the local store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"recall/internal/fault"
	"recall/internal/invalidate"
	"recall/internal/metrics"
	"recall/internal/models"
	"recall/internal/remote"
	"recall/internal/store"
	"recall/internal/writebuffer"
)

const (
	defaultFlushInterval   = 30 * time.Second
	defaultDeferRetry      = 2 * time.Second
	defaultResubscribeBase = time.Second
	defaultResubscribeMax  = time.Minute
)

// Reference names a field holding the id of an entity of another type.
type Reference struct {
	Field  string
	Target models.EntityType
}

// DefaultReferences lists the foreign references checked before an inbound
// change is applied.
var DefaultReferences = map[models.EntityType][]Reference{
	models.EntityAssets:      {{Field: "sha256", Target: models.EntityBlobsMeta}},
	models.EntityDeviceBlobs: {{Field: "sha256", Target: models.EntityBlobsMeta}},
	models.EntityVersions:    {{Field: "work_id", Target: models.EntityWorks}},
	models.EntityAnnotations: {{Field: "asset_id", Target: models.EntityAssets}},
	models.EntityCards:       {{Field: "annotation_id", Target: models.EntityAnnotations}},
}

// Outcome is the result of ingesting one batch.
type Outcome string

const (
	Applied  Outcome = metrics.OutcomeApplied
	Skipped  Outcome = metrics.OutcomeSkipped
	Deferred Outcome = metrics.OutcomeDeferred
)

// Options configures a Reconciler. Zero values take defaults.
type Options struct {
	EntityTypes     []models.EntityType
	References      map[models.EntityType][]Reference
	FlushInterval   time.Duration
	DeferRetry      time.Duration
	ResubscribeBase time.Duration
	ResubscribeMax  time.Duration
	Sink            invalidate.Sink
	Logger          *slog.Logger
}

// Reconciler runs the outbound and inbound sync pipelines.
type Reconciler struct {
	buffer  *writebuffer.Buffer
	store   *store.Store
	channel remote.Channel
	opts    Options
	log     *slog.Logger
	kick    chan struct{}

	mu       sync.Mutex
	deferred map[models.EntityType][]models.Batch
}

// New creates a reconciler over buffer and channel.
func New(buffer *writebuffer.Buffer, channel remote.Channel, opts Options) *Reconciler {
	if len(opts.EntityTypes) == 0 {
		opts.EntityTypes = models.EntityTypes()
	}
	if opts.References == nil {
		opts.References = DefaultReferences
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.DeferRetry <= 0 {
		opts.DeferRetry = defaultDeferRetry
	}
	if opts.ResubscribeBase <= 0 {
		opts.ResubscribeBase = defaultResubscribeBase
	}
	if opts.ResubscribeMax < opts.ResubscribeBase {
		opts.ResubscribeMax = max(defaultResubscribeMax, opts.ResubscribeBase)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		buffer:   buffer,
		store:    buffer.Store(),
		channel:  channel,
		opts:     opts,
		log:      logger.With("component", "reconcile"),
		kick:     make(chan struct{}, 1),
		deferred: map[models.EntityType][]models.Batch{},
	}
}

// Kick requests an immediate flush, e.g. when connectivity returns.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run flushes on every tick or kick, follows the change stream for each
// entity type, and retries deferred batches until ctx is cancelled. The
// device must be signed in.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.requireAuthenticated(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.flushLoop(ctx) })
	g.Go(func() error { return r.deferLoop(ctx) })
	for _, et := range r.opts.EntityTypes {
		g.Go(func() error { return r.follow(ctx, et) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Flush sends buffered writes once, then retries deferred batches that may
// have been waiting on them.
func (r *Reconciler) Flush(ctx context.Context) (writebuffer.FlushReport, error) {
	if err := r.requireAuthenticated(ctx); err != nil {
		return writebuffer.FlushReport{}, err
	}
	report, err := r.buffer.Flush(ctx, r.channel)
	if err != nil {
		return report, err
	}
	if _, err := r.RetryDeferred(ctx); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Reconciler) requireAuthenticated(ctx context.Context) error {
	identity, err := r.store.Identity(ctx)
	if err != nil {
		return err
	}
	if identity.State != models.StateAuthenticated {
		return fault.ErrNotAuthenticated
	}
	return nil
}

func (r *Reconciler) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()
	for {
		report, err := r.Flush(ctx)
		switch {
		case err == nil:
			if report.Sent > 0 || report.Remaining > 0 {
				r.log.Info("flushed write buffer", "sent", report.Sent, "acked", report.Acked,
					"retried", report.Retried, "dead_lettered", report.DeadLettered, "remaining", report.Remaining)
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case writebuffer.IsRetriable(err):
			r.log.Warn("flush failed", "err", err)
		default:
			return fmt.Errorf("flush: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.kick:
		}
	}
}

func (r *Reconciler) deferLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.DeferRetry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := r.RetryDeferred(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if fault.IsStorage(err) {
				return err
			}
			r.log.Warn("retry deferred batches failed", "err", err)
		}
	}
}

const pullPageSize = 100

// Pull fetches and ingests the backlog for every entity type once. It needs
// a channel that also implements remote.Puller.
func (r *Reconciler) Pull(ctx context.Context) (map[Outcome]int, error) {
	counts := map[Outcome]int{}
	puller, ok := r.channel.(remote.Puller)
	if !ok {
		return counts, fmt.Errorf("remote channel does not support pulling changes")
	}
	if err := r.requireAuthenticated(ctx); err != nil {
		return counts, err
	}
	for _, et := range r.opts.EntityTypes {
		cursor, err := r.store.Cursor(ctx, et)
		if err != nil {
			return counts, err
		}
		from := max(cursor, r.lastDeferred(et))
		for {
			batches, err := puller.PullChanges(ctx, et, from, pullPageSize)
			if err != nil {
				return counts, fmt.Errorf("pull %s: %w", et, err)
			}
			for _, b := range batches {
				outcome, err := r.Ingest(ctx, b)
				if err != nil {
					return counts, err
				}
				counts[outcome]++
				from = max(from, b.Position)
			}
			if len(batches) < pullPageSize {
				break
			}
		}
	}
	return counts, nil
}
