package account

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"recall/internal/blobstore"
	"recall/internal/cas"
	"recall/internal/fault"
	"recall/internal/models"
	"recall/internal/remote"
	"recall/internal/store"
	"recall/internal/writebuffer"
)

type fakeAccounts struct {
	result   remote.SignInResult
	signOuts int
	err      error
}

func (f *fakeAccounts) SignIn(ctx context.Context) (remote.SignInResult, error) {
	return f.result, f.err
}

func (f *fakeAccounts) SignOut(ctx context.Context) error {
	f.signOuts++
	return nil
}

type fixture struct {
	mgr      *Manager
	buf      *writebuffer.Buffer
	store    *store.Store
	cas      *cas.Service
	blobs    *blobstore.LocalCAS
	accounts *fakeAccounts
}

func newFixture(t *testing.T, isNew bool) fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.EnsureIdentity(context.Background()); err != nil {
		t.Fatalf("ensure identity: %v", err)
	}
	blobs, err := blobstore.NewLocalCAS(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("new cas: %v", err)
	}
	buf := writebuffer.New(st, writebuffer.Options{})
	svc := cas.New(blobs, buf, nil)
	accounts := &fakeAccounts{result: remote.SignInResult{AccountID: "acct-1", IsNewAccount: isNew}}
	return fixture{
		mgr:      NewManager(buf, accounts, svc, nil),
		buf:      buf,
		store:    st,
		cas:      svc,
		blobs:    blobs,
		accounts: accounts,
	}
}

// seedGuest writes n works plus one blob, which adds a blob and a presence
// entity.
func (f fixture) seedGuest(t *testing.T, n int) int {
	t.Helper()
	ctx := context.Background()
	for i := range n {
		if _, err := f.buf.Enqueue(ctx, models.Mutation{
			EntityType: models.EntityWorks,
			EntityID:   fmt.Sprintf("w%d", i),
			Operation:  models.OpCreate,
			Payload:    map[string]any{"title": fmt.Sprintf("work %d", i)},
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := f.cas.Put(ctx, []byte("guest pdf"), cas.BlobMeta{MimeType: "application/pdf"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	return n + 2
}

func (f fixture) guestIDs(t *testing.T) int {
	t.Helper()
	total := 0
	for _, et := range models.EntityTypes() {
		ids, err := f.store.GuestEntityIDs(context.Background(), et, 1000)
		if err != nil {
			t.Fatalf("guest ids: %v", err)
		}
		total += len(ids)
	}
	return total
}

func TestSignInWithoutDataIsDirect(t *testing.T) {
	f := newFixture(t, false)
	report, err := f.mgr.SignIn(context.Background())
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if report.Outcome != OutcomeDirect || report.Identity.State != models.StateAuthenticated || report.Identity.AccountID != "acct-1" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if _, err := f.mgr.SignIn(context.Background()); !errors.Is(err, fault.ErrAlreadyAuthenticated) {
		t.Fatalf("expected already authenticated, got %v", err)
	}
}

func TestUpgradeReownsAndEnqueuesEveryGuestEntity(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	n := f.seedGuest(t, 5)

	report, err := f.mgr.SignIn(ctx)
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if report.Outcome != OutcomeUpgrade || report.Reowned != n {
		t.Fatalf("unexpected report: %+v (want %d reowned)", report, n)
	}
	if left := f.guestIDs(t); left != 0 {
		t.Fatalf("%d guest entities left", left)
	}

	entries, err := f.store.ListEntries(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d entries, got %d", n, len(entries))
	}
	for _, e := range entries {
		if e.OwnerID != "acct-1" || e.Operation != models.OpCreate {
			t.Fatalf("unexpected entry: %+v", e)
		}
	}
	if entries[0].EntityType != models.EntityBlobsMeta {
		t.Fatalf("blob metadata must be enqueued first, got %s", entries[0].EntityType)
	}
	if done, _ := f.store.CountTransitioned(ctx); done != 0 {
		t.Fatalf("progress rows left behind: %d", done)
	}
}

func TestUpgradeResumesAfterInterruption(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	n := f.seedGuest(t, 6)
	const k = 3

	crash := errors.New("power loss")
	f.mgr.reowned = func(count int) error {
		if count == k {
			return crash
		}
		return nil
	}
	if _, err := f.mgr.SignIn(ctx); !errors.Is(err, crash) {
		t.Fatalf("expected interruption, got %v", err)
	}
	identity, _ := f.store.Identity(ctx)
	if identity.State != models.StateTransitioningUpgrade {
		t.Fatalf("expected transitioning state, got %s", identity.State)
	}
	if done, _ := f.store.CountTransitioned(ctx); done != k {
		t.Fatalf("expected %d progress rows, got %d", k, done)
	}
	_, err := f.buf.Enqueue(ctx, models.Mutation{
		EntityType: models.EntityWorks, EntityID: "late", Operation: models.OpCreate,
		Payload: map[string]any{"title": "late"},
	})
	if !errors.Is(err, fault.ErrTransitionPending) {
		t.Fatalf("writes must be refused mid-transition, got %v", err)
	}

	f.mgr.reowned = nil
	report, err := f.mgr.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if report.Outcome != OutcomeResumed || report.Reowned != n-k {
		t.Fatalf("expected %d moved on resume, got %+v", n-k, report)
	}

	entries, _ := f.store.ListEntries(ctx, "", 0, 0)
	seen := map[string]bool{}
	for _, e := range entries {
		key := string(e.EntityType) + "/" + e.EntityID
		if seen[key] {
			t.Fatalf("entity enqueued twice: %s", key)
		}
		seen[key] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d enqueued entities, got %d", n, len(seen))
	}
	if left := f.guestIDs(t); left != 0 {
		t.Fatalf("%d guest entities left", left)
	}
}

func TestExistingAccountWipesGuestData(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.seedGuest(t, 4)

	report, err := f.mgr.SignIn(ctx)
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if report.Outcome != OutcomeWipe || report.Identity.State != models.StateAuthenticated {
		t.Fatalf("unexpected report: %+v", report)
	}
	if has, _ := f.store.HasLocalData(ctx); has {
		t.Fatalf("guest data survived wipe")
	}
	if n, _ := f.store.CountEntries(ctx, ""); n != 0 {
		t.Fatalf("guest entries survived wipe: %d", n)
	}
	files := 0
	_ = f.blobs.Walk(ctx, func(string) error { files++; return nil })
	if files != 0 {
		t.Fatalf("blob files survived wipe: %d", files)
	}
}

func TestForeignOwnedDataAbortsSignIn(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if err := f.store.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.MergeRecord(ctx, models.EntityWorks, "w-other", "acct-2", map[string]any{"title": "x"}, time.Now().UTC())
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := f.mgr.SignIn(ctx)
	if !fault.IsInvariant(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	identity, _ := f.store.Identity(ctx)
	if identity.State != models.StateGuest {
		t.Fatalf("expected to stay guest, got %s", identity.State)
	}
}

func TestSignOutRefusesUnflushedWrites(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if _, err := f.mgr.SignIn(ctx); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	before, _ := f.store.Identity(ctx)
	if _, err := f.buf.Enqueue(ctx, models.Mutation{
		EntityType: models.EntityWorks, EntityID: "w1", Operation: models.OpCreate,
		Payload: map[string]any{"title": "unsynced"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := f.mgr.SignOut(ctx, false); !errors.Is(err, fault.ErrUnflushedWrites) {
		t.Fatalf("expected unflushed writes error, got %v", err)
	}
	if err := f.mgr.SignOut(ctx, true); err != nil {
		t.Fatalf("forced sign out: %v", err)
	}
	after, _ := f.store.Identity(ctx)
	if after.State != models.StateGuest || after.AccountID != "" || after.DeviceID != before.DeviceID {
		t.Fatalf("unexpected identity after sign out: %+v", after)
	}
	if has, _ := f.store.HasLocalData(ctx); has {
		t.Fatalf("account data survived sign out")
	}
	if f.accounts.signOuts != 1 {
		t.Fatalf("expected one remote sign out, got %d", f.accounts.signOuts)
	}
	if err := f.mgr.SignOut(ctx, false); !errors.Is(err, fault.ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
}
