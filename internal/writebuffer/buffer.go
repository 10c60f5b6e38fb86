// Package writebuffer applies local mutations and keeps them in a durable,
// ordered outbox until the remote acknowledges them.
package writebuffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"recall/internal/fault"
	"recall/internal/invalidate"
	"recall/internal/models"
	"recall/internal/store"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 5 * time.Minute
	defaultBatchSize   = 200
)

// DefaultDependencies maps an entity type to the types it references. A
// blocked parent partition blocks its children for the rest of a flush.
var DefaultDependencies = map[models.EntityType][]models.EntityType{
	models.EntityAssets:      {models.EntityBlobsMeta},
	models.EntityDeviceBlobs: {models.EntityBlobsMeta},
	models.EntityVersions:    {models.EntityWorks, models.EntityAssets},
	models.EntityAnnotations: {models.EntityAssets, models.EntityVersions},
	models.EntityCards:       {models.EntityAnnotations},
}

// Options configures a Buffer. Zero values take defaults.
type Options struct {
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	BatchSize    int
	Dependencies map[models.EntityType][]models.EntityType
	// Limiter paces outbound sends. Nil means unpaced.
	Limiter *rate.Limiter
	Sink    invalidate.Sink
	Logger  *slog.Logger
	Now     func() time.Time
}

// Buffer is the write buffer. Every local mutation goes through Update or
// Enqueue so that the local apply and the durable outbox entry commit
// together.
type Buffer struct {
	store *store.Store
	opts  Options
	log   *slog.Logger

	mu      sync.Mutex
	hold    *Hold
	holds   uint64
	waiters []*waiter

	flushMu sync.Mutex
}

// New creates a Buffer over st.
func New(st *store.Store, opts Options) *Buffer {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Dependencies == nil {
		opts.Dependencies = DefaultDependencies
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{store: st, opts: opts, log: logger.With("component", "writebuffer")}
}

// Store returns the underlying store.
func (b *Buffer) Store() *store.Store {
	return b.store
}

// Queue appends outbox entries inside an Update transaction.
type Queue struct {
	tx       *store.Tx
	identity models.Identity
	now      time.Time
	seqs     []int64
	touched  map[models.EntityType]struct{}
}

// Identity is the account identity the transaction runs under.
func (q *Queue) Identity() models.Identity {
	return q.identity
}

// Now is the timestamp shared by every write in the transaction.
func (q *Queue) Now() time.Time {
	return q.now
}

// Append durably enqueues m, stamped with this device and the current owner.
// It does not touch local state; callers apply their own writes through the
// transaction.
func (q *Queue) Append(ctx context.Context, m models.Mutation) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	seq, err := q.tx.AppendEntry(ctx, &models.Entry{
		DeviceID:   q.identity.DeviceID,
		OwnerID:    q.identity.OwnerID(),
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Operation:  m.Operation,
		Payload:    m.Payload,
		EnqueuedAt: q.now,
	})
	if err != nil {
		return 0, err
	}
	q.seqs = append(q.seqs, seq)
	q.Touch(m.EntityType)
	return seq, nil
}

// Touch marks an entity type as changed so readers are notified on commit.
func (q *Queue) Touch(entityType models.EntityType) {
	if q.touched == nil {
		q.touched = map[models.EntityType]struct{}{}
	}
	q.touched[entityType] = struct{}{}
}

// UpdateFunc composes local reads and writes with outbox appends.
type UpdateFunc func(tx *store.Tx, q *Queue) error

// Update runs fn in one write transaction and returns the sequences it
// enqueued. While an account transition holds the buffer, the call waits
// and is replayed in arrival order when the hold is released.
func (b *Buffer) Update(ctx context.Context, fn UpdateFunc) ([]int64, error) {
	if fn == nil {
		return nil, fmt.Errorf("update func is required")
	}
	for {
		w, gen := b.park(ctx, fn)
		if w != nil {
			return w.wait()
		}
		seqs, err := b.run(ctx, fn, false)
		if errors.Is(err, fault.ErrTransitionPending) && b.heldSince(gen) {
			// A transition took the hold after the check above; fn never ran.
			continue
		}
		return seqs, err
	}
}

// park queues fn for replay when a hold is active and returns its waiter.
// Otherwise it returns nil and the current hold generation.
func (b *Buffer) park(ctx context.Context, fn UpdateFunc) (*waiter, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hold == nil {
		return nil, b.holds
	}
	w := &waiter{ctx: ctx, fn: fn, done: make(chan result, 1)}
	b.waiters = append(b.waiters, w)
	return w, b.holds
}

// heldSince reports whether a hold is active or has been taken since gen.
func (b *Buffer) heldSince(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hold != nil || b.holds != gen
}

// Enqueue applies m locally and appends it to the outbox atomically.
func (b *Buffer) Enqueue(ctx context.Context, m models.Mutation) (int64, error) {
	seqs, err := b.Update(ctx, func(tx *store.Tx, q *Queue) error {
		if err := tx.ApplyMutation(ctx, q.Identity().OwnerID(), m, q.Now()); err != nil {
			return err
		}
		_, err := q.Append(ctx, m)
		return err
	})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

func (b *Buffer) run(ctx context.Context, fn UpdateFunc, transition bool) ([]int64, error) {
	var q *Queue
	err := b.store.WriteTx(ctx, func(tx *store.Tx) error {
		identity, err := tx.Identity(ctx)
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}
		if identity.State.Transitioning() && !transition {
			return fault.ErrTransitionPending
		}
		q = &Queue{tx: tx, identity: identity, now: b.opts.Now().UTC()}
		return fn(tx, q)
	})
	if err != nil {
		return nil, err
	}
	if b.opts.Sink != nil {
		for et := range q.touched {
			b.opts.Sink.Notify(et)
		}
	}
	return q.seqs, nil
}

// Pending lists every unacknowledged entry, dead letters included, in
// sequence order.
func (b *Buffer) Pending(ctx context.Context, limit int) ([]models.Entry, error) {
	return b.store.ListEntries(ctx, "", 0, limit)
}

// DeadLetters lists entries the remote rejected.
func (b *Buffer) DeadLetters(ctx context.Context) ([]models.Entry, error) {
	return b.store.ListEntries(ctx, models.EntryDead, 0, 0)
}

// Retry returns a dead-lettered entry to the pending queue.
func (b *Buffer) Retry(ctx context.Context, seq int64) error {
	return b.store.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.ReviveEntry(ctx, seq)
	})
}

// Discard drops a dead-lettered entry. The local change it carried stays
// applied but will never reach the remote.
func (b *Buffer) Discard(ctx context.Context, seq int64) error {
	return b.store.WriteTx(ctx, func(tx *store.Tx) error {
		e, err := tx.GetEntry(ctx, seq)
		if err != nil {
			return err
		}
		if e == nil {
			return fault.ErrNotFound
		}
		if e.Status != models.EntryDead {
			return fmt.Errorf("entry %d is not dead-lettered", seq)
		}
		return tx.DeleteEntry(ctx, seq)
	})
}

// Hold blocks ordinary writes for the duration of an account transition.
type Hold struct {
	b        *Buffer
	released bool
}

// ErrHeld is returned when a second hold is requested.
var ErrHeld = errors.New("write buffer is already held")

// Hold acquires the buffer for an account transition.
func (b *Buffer) Hold() (*Hold, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hold != nil {
		return nil, ErrHeld
	}
	b.hold = &Hold{b: b}
	b.holds++
	return b.hold, nil
}

// Update runs fn on behalf of the transition holding the buffer. It is
// allowed while the identity is in a transitioning state.
func (h *Hold) Update(ctx context.Context, fn UpdateFunc) ([]int64, error) {
	if h.released {
		return nil, fmt.Errorf("hold already released")
	}
	return h.b.run(ctx, fn, true)
}

// Release replays writes that arrived during the hold, in order, then
// reopens the buffer.
func (h *Hold) Release() {
	if h.released {
		return
	}
	h.released = true
	b := h.b
	for {
		b.mu.Lock()
		if len(b.waiters) == 0 {
			b.hold = nil
			b.mu.Unlock()
			return
		}
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		b.mu.Unlock()

		if !w.start() {
			continue
		}
		seqs, err := b.run(w.ctx, w.fn, false)
		w.done <- result{seqs: seqs, err: err}
	}
}

type result struct {
	seqs []int64
	err  error
}

type waiter struct {
	ctx  context.Context
	fn   UpdateFunc
	done chan result

	mu        sync.Mutex
	started   bool
	cancelled bool
}

// start claims the waiter for replay; false means the caller gave up.
func (w *waiter) start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return false
	}
	w.started = true
	return true
}

func (w *waiter) wait() ([]int64, error) {
	select {
	case r := <-w.done:
		return r.seqs, r.err
	case <-w.ctx.Done():
		w.mu.Lock()
		if w.started {
			w.mu.Unlock()
			r := <-w.done
			return r.seqs, r.err
		}
		w.cancelled = true
		w.mu.Unlock()
		return nil, w.ctx.Err()
	}
}
