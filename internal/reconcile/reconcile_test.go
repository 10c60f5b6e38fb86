package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"recall/internal/fault"
	"recall/internal/invalidate"
	"recall/internal/models"
	"recall/internal/remote"
	"recall/internal/store"
	"recall/internal/writebuffer"
)

type fakeSub struct {
	ch <-chan models.Batch
}

func (s fakeSub) Batches() <-chan models.Batch { return s.ch }
func (s fakeSub) Err() error                   { return nil }
func (s fakeSub) Close() error                 { return nil }

type fakeChannel struct {
	mu      sync.Mutex
	sent    []models.Entry
	rev     int64
	streams map[models.EntityType]chan models.Batch
	backlog map[models.EntityType][]models.Batch
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		streams: map[models.EntityType]chan models.Batch{},
		backlog: map[models.EntityType][]models.Batch{},
	}
}

func (f *fakeChannel) SendMutation(ctx context.Context, e models.Entry) (remote.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, e)
	f.rev++
	return remote.Ack{Revision: f.rev, Position: f.rev}, nil
}

func (f *fakeChannel) stream(et models.EntityType) chan models.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.streams[et]
	if !ok {
		ch = make(chan models.Batch, 16)
		f.streams[et] = ch
	}
	return ch
}

func (f *fakeChannel) SubscribeChanges(ctx context.Context, et models.EntityType, from int64) (remote.Subscription, error) {
	return fakeSub{ch: f.stream(et)}, nil
}

func (f *fakeChannel) PullChanges(ctx context.Context, et models.EntityType, from int64, limit int) ([]models.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Batch
	for _, b := range f.backlog[et] {
		if b.Position > from && len(out) < limit {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type notified struct {
	mu    sync.Mutex
	types []models.EntityType
}

func (n *notified) Notify(et models.EntityType) {
	n.mu.Lock()
	n.types = append(n.types, et)
	n.mu.Unlock()
}

func (n *notified) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.types)
}

type fixture struct {
	rec    *Reconciler
	buf    *writebuffer.Buffer
	store  *store.Store
	remote *fakeChannel
	sink   *notified
}

func newFixture(t *testing.T, state models.AccountState) fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if _, err := st.EnsureIdentity(ctx); err != nil {
		t.Fatalf("ensure identity: %v", err)
	}
	if state != models.StateGuest {
		if err := st.WriteTx(ctx, func(tx *store.Tx) error {
			return tx.SetAccountState(ctx, state, "acct-1")
		}); err != nil {
			t.Fatalf("set state: %v", err)
		}
	}
	sink := &notified{}
	buf := writebuffer.New(st, writebuffer.Options{})
	ch := newFakeChannel()
	rec := New(buf, ch, Options{
		Sink:            sink,
		FlushInterval:   time.Hour,
		DeferRetry:      10 * time.Millisecond,
		ResubscribeBase: 10 * time.Millisecond,
	})
	return fixture{rec: rec, buf: buf, store: st, remote: ch, sink: sink}
}

func workBatch(pos, rev int64, id, title string) models.Batch {
	return models.Batch{
		EntityType: models.EntityWorks,
		Position:   pos,
		Changes: []models.Change{{
			EntityID:  id,
			Operation: models.OpCreate,
			Revision:  rev,
			Fields:    map[string]any{"title": title},
			UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		}},
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(t, models.StateAuthenticated)
	ctx := context.Background()
	batch := workBatch(5, 3, "w1", "Dune")

	outcome, err := f.rec.Ingest(ctx, batch)
	if err != nil || outcome != Applied {
		t.Fatalf("first ingest: %s %v", outcome, err)
	}
	before, _ := f.store.GetRecord(ctx, models.EntityWorks, "w1")

	outcome, err = f.rec.Ingest(ctx, batch)
	if err != nil || outcome != Skipped {
		t.Fatalf("replay: %s %v", outcome, err)
	}
	after, _ := f.store.GetRecord(ctx, models.EntityWorks, "w1")
	if before == nil || after == nil || after.Fields["title"] != before.Fields["title"] || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("replay changed state: %+v -> %+v", before, after)
	}
	records, _ := f.store.ListRecords(ctx, models.EntityWorks, 0)
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if f.sink.count() != 1 {
		t.Fatalf("expected one notification, got %d", f.sink.count())
	}

	// A newer position carrying an old revision moves the cursor but not state.
	outcome, err = f.rec.Ingest(ctx, workBatch(6, 2, "w1", "stale"))
	if err != nil || outcome != Applied {
		t.Fatalf("stale revision: %s %v", outcome, err)
	}
	rec, _ := f.store.GetRecord(ctx, models.EntityWorks, "w1")
	if rec.Fields["title"] != "Dune" {
		t.Fatalf("stale revision applied: %v", rec.Fields)
	}
}

func TestIngestDefersMissingReference(t *testing.T) {
	f := newFixture(t, models.StateAuthenticated)
	ctx := context.Background()
	version := models.Batch{
		EntityType: models.EntityVersions,
		Position:   2,
		Changes: []models.Change{{
			EntityID: "v1", Operation: models.OpCreate, Revision: 1,
			Fields: map[string]any{"work_id": "w1", "label": "2nd edition"},
		}},
	}
	later := models.Batch{
		EntityType: models.EntityVersions,
		Position:   3,
		Changes: []models.Change{{
			EntityID: "v2", Operation: models.OpCreate, Revision: 1,
			Fields: map[string]any{"label": "no work"},
		}},
	}

	if outcome, err := f.rec.Ingest(ctx, version); err != nil || outcome != Deferred {
		t.Fatalf("expected deferral, got %s %v", outcome, err)
	}
	if outcome, err := f.rec.Ingest(ctx, later); err != nil || outcome != Deferred {
		t.Fatalf("later batch must queue behind deferred one, got %s %v", outcome, err)
	}
	if n, err := f.rec.RetryDeferred(ctx); err != nil || n != 0 {
		t.Fatalf("retry before parent: %d %v", n, err)
	}

	if _, err := f.rec.Ingest(ctx, workBatch(1, 1, "w1", "Dune")); err != nil {
		t.Fatalf("ingest work: %v", err)
	}
	n, err := f.rec.RetryDeferred(ctx)
	if err != nil || n != 2 {
		t.Fatalf("retry after parent: %d %v", n, err)
	}
	for _, id := range []string{"v1", "v2"} {
		if rec, _ := f.store.GetRecord(ctx, models.EntityVersions, id); rec == nil {
			t.Fatalf("%s not applied", id)
		}
	}
	if cursor, _ := f.store.Cursor(ctx, models.EntityVersions); cursor != 3 {
		t.Fatalf("expected cursor 3, got %d", cursor)
	}
	if len(f.rec.Deferred()) != 0 {
		t.Fatalf("deferred queue not drained: %v", f.rec.Deferred())
	}
}

func TestIngestHoldsWhileLocalWritePending(t *testing.T) {
	f := newFixture(t, models.StateAuthenticated)
	ctx := context.Background()
	if _, err := f.buf.Enqueue(ctx, models.Mutation{
		EntityType: models.EntityWorks, EntityID: "w1", Operation: models.OpUpdate,
		Payload: map[string]any{"title": "local"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if outcome, err := f.rec.Ingest(ctx, workBatch(1, 1, "w1", "remote")); err != nil || outcome != Deferred {
		t.Fatalf("expected hold, got %s %v", outcome, err)
	}
	rec, _ := f.store.GetRecord(ctx, models.EntityWorks, "w1")
	if rec.Fields["title"] != "local" {
		t.Fatalf("inbound overwrote pending local edit: %v", rec.Fields)
	}

	// After the flush the held batch applies; the echo of the local write
	// follows it on the stream and restores the local value.
	report, err := f.rec.Flush(ctx)
	if err != nil || report.Acked != 1 {
		t.Fatalf("flush: %+v %v", report, err)
	}
	if len(f.rec.Deferred()) != 0 {
		t.Fatalf("held batch not retried after flush: %v", f.rec.Deferred())
	}
	rec, _ = f.store.GetRecord(ctx, models.EntityWorks, "w1")
	if rec.Fields["title"] != "remote" {
		t.Fatalf("held revision not applied: %v", rec.Fields)
	}
	if outcome, err := f.rec.Ingest(ctx, workBatch(2, 2, "w1", "local")); err != nil || outcome != Applied {
		t.Fatalf("echo: %s %v", outcome, err)
	}
	rec, _ = f.store.GetRecord(ctx, models.EntityWorks, "w1")
	if rec.Fields["title"] != "local" {
		t.Fatalf("echo not applied: %v", rec.Fields)
	}
}

func TestIngestRequiresSignIn(t *testing.T) {
	f := newFixture(t, models.StateGuest)
	_, err := f.rec.Ingest(context.Background(), workBatch(1, 1, "w1", "x"))
	if !errors.Is(err, fault.ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
	if err := f.rec.Run(context.Background()); !errors.Is(err, fault.ErrNotAuthenticated) {
		t.Fatalf("run as guest: %v", err)
	}
}

func TestIngestDefersDuringTransition(t *testing.T) {
	f := newFixture(t, models.StateTransitioningWipe)
	outcome, err := f.rec.Ingest(context.Background(), workBatch(1, 1, "w1", "x"))
	if err != nil || outcome != Deferred {
		t.Fatalf("expected deferral, got %s %v", outcome, err)
	}
}

func TestPullIngestsBacklog(t *testing.T) {
	f := newFixture(t, models.StateAuthenticated)
	ctx := context.Background()
	f.remote.backlog[models.EntityWorks] = []models.Batch{
		workBatch(1, 1, "w1", "one"),
		workBatch(2, 1, "w2", "two"),
	}
	counts, err := f.rec.Pull(ctx)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if counts[Applied] != 2 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	counts, err = f.rec.Pull(ctx)
	if err != nil || counts[Applied] != 0 {
		t.Fatalf("second pull should be empty: %v %v", counts, err)
	}
}

func TestRunFlushesAndFollowsStream(t *testing.T) {
	f := newFixture(t, models.StateAuthenticated)
	hub := invalidate.NewHub()
	seen := make(chan models.EntityType, 4)
	unsubscribe := hub.SubscribeEntities(func(et models.EntityType) { seen <- et })
	defer unsubscribe()
	f.rec.opts.Sink = hub

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := f.buf.Enqueue(ctx, models.Mutation{
		EntityType: models.EntityWorks, EntityID: "mine", Operation: models.OpCreate,
		Payload: map[string]any{"title": "local"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.rec.Run(ctx) }()
	f.remote.stream(models.EntityWorks) <- workBatch(1, 1, "theirs", "remote")

	select {
	case et := <-seen:
		if et != models.EntityWorks {
			t.Fatalf("unexpected notification %s", et)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no invalidation for streamed batch")
	}
	deadline := time.Now().Add(5 * time.Second)
	for f.remote.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.remote.sentCount() != 1 {
		t.Fatalf("expected one flushed entry, got %d", f.remote.sentCount())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	if rec, _ := f.store.GetRecord(context.Background(), models.EntityWorks, "theirs"); rec == nil {
		t.Fatalf("streamed record missing")
	}
}
