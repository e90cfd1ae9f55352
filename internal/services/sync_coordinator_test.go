package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"finsync/internal/core"
	"finsync/internal/remote"
	"finsync/internal/session"
	"finsync/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

const testUser = "user-1"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*storage.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	s, err := storage.Open(filepath.Join(t.TempDir(), "finsync.db"), storage.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

type gateFunc func(userID string) error

func (f gateFunc) CheckSync(userID string) error { return f(userID) }

var allowAll = gateFunc(func(string) error { return nil })

// fakeRemote records calls and hands out sequential ids per kind.
type fakeRemote struct {
	mu       sync.Mutex
	seq      map[string]int
	attempts int // create calls, including failed ones
	creates  map[core.EntityKind]int
	updates  map[core.EntityKind]int
	deletes  []string

	// pushErr, when set, is returned by every create/update/delete.
	pushErr error
	// onCreate runs inside a create call, before it returns.
	onCreate func(ctx context.Context) error

	transactions []core.Transaction
	wallets      []core.Wallet
	profile      core.UserProfile
	bulk         func([]core.Wallet) ([]remote.BulkResult, error)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		seq:     make(map[string]int),
		creates: make(map[core.EntityKind]int),
		updates: make(map[core.EntityKind]int),
	}
}

func (f *fakeRemote) create(ctx context.Context, kind core.EntityKind, prefix string) (string, error) {
	if f.onCreate != nil {
		if err := f.onCreate(ctx); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.pushErr != nil {
		return "", f.pushErr
	}
	f.creates[kind]++
	f.seq[prefix]++
	return fmt.Sprintf("%s%d", prefix, f.seq[prefix]), nil
}

func (f *fakeRemote) update(kind core.EntityKind, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return "", f.pushErr
	}
	f.updates[kind]++
	return id, nil
}

func (f *fakeRemote) delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeRemote) createCount(kind core.EntityKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[kind]
}

func (f *fakeRemote) CreateTransaction(ctx context.Context, t core.Transaction) (string, error) {
	return f.create(ctx, core.KindTransaction, "t")
}

func (f *fakeRemote) UpdateTransaction(ctx context.Context, t core.Transaction) (string, error) {
	return f.update(core.KindTransaction, t.RemoteID)
}

func (f *fakeRemote) DeleteTransaction(ctx context.Context, id string) error { return f.delete(id) }

func (f *fakeRemote) ListTransactions(ctx context.Context, userID string) ([]core.Transaction, error) {
	return f.transactions, nil
}

func (f *fakeRemote) CreateWallet(ctx context.Context, w core.Wallet) (string, error) {
	return f.create(ctx, core.KindWallet, "w")
}

func (f *fakeRemote) UpdateWallet(ctx context.Context, w core.Wallet) (string, error) {
	return f.update(core.KindWallet, w.RemoteID)
}

func (f *fakeRemote) DeleteWallet(ctx context.Context, id string) error { return f.delete(id) }

func (f *fakeRemote) ListWallets(ctx context.Context, userID string) ([]core.Wallet, error) {
	return f.wallets, nil
}

func (f *fakeRemote) SyncWallets(ctx context.Context, wallets []core.Wallet) ([]remote.BulkResult, error) {
	return f.bulk(wallets)
}

func (f *fakeRemote) CreateReceipt(ctx context.Context, rt core.ReceiptTransaction) (string, error) {
	return f.create(ctx, core.KindReceipt, "rc")
}

func (f *fakeRemote) UpdateReceipt(ctx context.Context, rt core.ReceiptTransaction) (string, error) {
	return f.update(core.KindReceipt, rt.RemoteID)
}

func (f *fakeRemote) DeleteReceipt(ctx context.Context, id string) error { return f.delete(id) }

func (f *fakeRemote) GetProfile(ctx context.Context) (core.UserProfile, error) {
	return f.profile, nil
}

func (f *fakeRemote) UpdateProfile(ctx context.Context, p core.UserProfile) (string, error) {
	return f.update(core.KindProfile, p.UserID)
}

func putTxn(t *testing.T, s *storage.Store, category string) core.Transaction {
	t.Helper()
	txn, err := s.PutTransaction(context.Background(), core.Transaction{
		Envelope: core.Envelope{UserID: testUser},
		Amount:   decimal.RequireFromString("-20.00"),
		Type:     core.Expense,
		Category: category,
		Date:     time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("PutTransaction: %v", err)
	}
	return txn
}

func TestDefaultCoordinatorConfig(t *testing.T) {
	config := DefaultCoordinatorConfig()

	if config.BaseBackoff != 1*time.Second {
		t.Errorf("expected BaseBackoff 1s, got %v", config.BaseBackoff)
	}
	if config.MaxBackoff != 5*time.Minute {
		t.Errorf("expected MaxBackoff 5m, got %v", config.MaxBackoff)
	}
	if config.BulkWallets {
		t.Error("expected BulkWallets off by default")
	}
}

func TestCoordinator_Backoff(t *testing.T) {
	c := NewCoordinator(nil, nil, allowAll, CoordinatorConfig{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := c.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSyncAll_WalletCreated(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()
	c := NewCoordinator(s, rem, allowAll, DefaultCoordinatorConfig(), nil)

	w, err := s.PutWallet(ctx, core.Wallet{
		Envelope: core.Envelope{UserID: testUser},
		Name:     "Cash",
		Type:     core.WalletCash,
		Balance:  decimal.NewFromInt(100000),
	})
	if err != nil {
		t.Fatalf("PutWallet: %v", err)
	}
	if w.SyncState != core.SyncPending {
		t.Fatalf("expected PENDING, got %s", w.SyncState)
	}

	report, err := c.SyncAll(ctx, testUser)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if got := report.Totals().Synced; got != 1 {
		t.Errorf("expected 1 synced, got %d", got)
	}

	w, _ = s.GetWallet(ctx, w.LocalID)
	if w.RemoteID != "w1" || w.SyncState != core.SyncSynced {
		t.Errorf("expected {w1 SYNCED}, got {%s %s}", w.RemoteID, w.SyncState)
	}
}

func TestSyncAll_GateBlocksBeforeAnyCall(t *testing.T) {
	s, _ := newTestStore(t)
	rem := newFakeRemote()
	putTxn(t, s, "food")

	for _, gateErr := range []error{core.ErrGuestMode, fmt.Errorf("expired: %w", core.ErrAuth)} {
		c := NewCoordinator(s, rem, gateFunc(func(string) error { return gateErr }), DefaultCoordinatorConfig(), nil)
		if _, err := c.SyncAll(context.Background(), testUser); !errors.Is(err, gateErr) {
			t.Errorf("expected %v, got %v", gateErr, err)
		}
		if _, err := c.RefreshFromRemote(context.Background(), testUser, core.KindTransaction); !errors.Is(err, gateErr) {
			t.Errorf("refresh: expected %v, got %v", gateErr, err)
		}
	}
	if n := rem.createCount(core.KindTransaction); n != 0 {
		t.Errorf("expected no remote calls, got %d", n)
	}
}

func TestSyncKind_ConcurrentCallsCreateOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()

	started := make(chan struct{}, 16)
	release := make(chan struct{})
	rem.onCreate = func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
	c := NewCoordinator(s, rem, allowAll, DefaultCoordinatorConfig(), nil)

	for _, cat := range []string{"a", "b", "c"} {
		putTxn(t, s, cat)
	}

	var wg sync.WaitGroup
	reports := make([]KindReport, 4)
	errs := make([]error, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], errs[0] = c.SyncKind(ctx, testUser, core.KindTransaction)
	}()
	<-started

	for i := 1; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = c.SyncKind(ctx, testUser, core.KindTransaction)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
	if n := rem.createCount(core.KindTransaction); n != 3 {
		t.Errorf("expected exactly 3 remote creates, got %d", n)
	}
	pending, _ := s.QueryPendingSync(ctx, testUser, core.KindTransaction)
	if len(pending) != 0 {
		t.Errorf("expected nothing pending, got %d", len(pending))
	}
}

func TestSyncAll_ConcurrentSyncAllNoDuplicates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()
	c := NewCoordinator(s, rem, allowAll, DefaultCoordinatorConfig(), nil)

	for i := 0; i < 10; i++ {
		putTxn(t, s, fmt.Sprintf("cat-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.SyncAll(ctx, testUser); err != nil {
				t.Errorf("SyncAll: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := rem.createCount(core.KindTransaction); n != 10 {
		t.Errorf("expected 10 remote creates, got %d", n)
	}
}

func TestSyncAll_NetworkFailureBacksOff(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()
	rem.pushErr = &remote.Error{Op: "create transaction", Kind: core.ErrNetwork, Err: errors.New("connection refused")}
	c := NewCoordinator(s, rem, allowAll, DefaultCoordinatorConfig(), nil)

	txn := putTxn(t, s, "food")

	report, err := c.SyncKind(ctx, testUser, core.KindTransaction)
	if err != nil {
		t.Fatalf("SyncKind: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", report)
	}
	env, _ := s.GetEnvelope(ctx, core.KindTransaction, txn.LocalID)
	if env.SyncState != core.SyncFailed || env.Attempts != 1 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if want := clock.Now().Add(time.Second); !env.NextAttemptAt.Equal(want) {
		t.Errorf("expected retry at %v, got %v", want, env.NextAttemptAt)
	}

	report, _ = c.SyncKind(ctx, testUser, core.KindTransaction)
	if report.Skipped != 1 || report.Failed != 0 {
		t.Errorf("expected the row skipped during backoff, got %+v", report)
	}

	rem.mu.Lock()
	rem.pushErr = nil
	rem.mu.Unlock()
	clock.Advance(2 * time.Second)

	report, err = c.SyncKind(ctx, testUser, core.KindTransaction)
	if err != nil {
		t.Fatalf("SyncKind: %v", err)
	}
	if report.Synced != 1 {
		t.Errorf("expected retry to sync, got %+v", report)
	}
	env, _ = s.GetEnvelope(ctx, core.KindTransaction, txn.LocalID)
	if env.SyncState != core.SyncSynced || env.RemoteID != "t1" || env.Attempts != 0 {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestSyncAll_ValidationErrorIsConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()
	rem.pushErr = &remote.Error{Op: "create transaction", StatusCode: 422, Message: "category unknown", Kind: core.ErrValidation}
	c := NewCoordinator(s, rem, allowAll, DefaultCoordinatorConfig(), nil)

	txn := putTxn(t, s, "food")

	report, err := c.SyncAll(ctx, testUser)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if report.Totals().Conflicted != 1 {
		t.Errorf("expected 1 conflict, got %+v", report.Totals())
	}
	env, _ := s.GetEnvelope(ctx, core.KindTransaction, txn.LocalID)
	if env.SyncState != core.SyncConflict {
		t.Fatalf("expected CONFLICT, got %s", env.SyncState)
	}

	rem.mu.Lock()
	rem.pushErr = nil
	rem.mu.Unlock()
	if _, err := c.SyncAll(ctx, testUser); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if rem.attempts != 1 {
		t.Errorf("CONFLICT row was retried automatically: %d create attempts", rem.attempts)
	}
}

func TestSyncKind_AuthErrorStopsPass(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()
	rem.pushErr = &remote.Error{Op: "create transaction", StatusCode: 401, Kind: core.ErrAuth}
	c := NewCoordinator(s, rem, allowAll, DefaultCoordinatorConfig(), nil)

	first := putTxn(t, s, "a")
	second := putTxn(t, s, "b")

	report, err := c.SyncKind(ctx, testUser, core.KindTransaction)
	if !errors.Is(err, core.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", report)
	}
	env, _ := s.GetEnvelope(ctx, core.KindTransaction, first.LocalID)
	if env.SyncState != core.SyncFailed {
		t.Errorf("expected first row FAILED, got %s", env.SyncState)
	}
	env, _ = s.GetEnvelope(ctx, core.KindTransaction, second.LocalID)
	if env.SyncState != core.SyncPending {
		t.Errorf("expected second row untouched, got %s", env.SyncState)
	}
	if rem.attempts != 1 {
		t.Errorf("expected the pass to stop after one call, got %d", rem.attempts)
	}
}

func TestSyncKind_SignOutResetsInFlightRows(t *testing.T) {
	s, _ := newTestStore(t)
	rem := newFakeRemote()

	sess := session.NewManager(s)
	if err := sess.Begin(context.Background(), session.Callback{Token: "opaque", UserID: testUser}); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	started := make(chan struct{})
	rem.onCreate = func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return &remote.Error{Op: "create transaction", Kind: core.ErrNetwork, Err: ctx.Err()}
	}
	c := NewCoordinator(s, rem, sess, DefaultCoordinatorConfig(), nil)
	txn := putTxn(t, s, "food")

	done := make(chan error, 1)
	go func() {
		_, err := c.SyncKind(sess.Context(), testUser, core.KindTransaction)
		done <- err
	}()

	<-started
	sess.SignOut()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pass did not stop after sign-out")
	}

	env, err := s.GetEnvelope(context.Background(), core.KindTransaction, txn.LocalID)
	if err != nil {
		t.Fatalf("GetEnvelope: %v", err)
	}
	if env.SyncState != core.SyncFailed || env.LastError != "interrupted" {
		t.Errorf("expected FAILED/interrupted, got %s/%q", env.SyncState, env.LastError)
	}
	if !env.NextAttemptAt.IsZero() {
		t.Errorf("interrupted row should be retryable at once, got %v", env.NextAttemptAt)
	}
}

func TestSyncAll_EditDuringPushIsRequeued(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()
	c := NewCoordinator(s, rem, allowAll, DefaultCoordinatorConfig(), nil)

	txn := putTxn(t, s, "food")
	rem.onCreate = func(context.Context) error {
		edit, err := s.GetTransaction(ctx, txn.LocalID)
		if err != nil {
			return err
		}
		edit.UpdatedAt = 0
		edit.Category = "edited mid-push"
		_, err = s.PutTransaction(ctx, edit)
		return err
	}

	report, err := c.SyncKind(ctx, testUser, core.KindTransaction)
	if err != nil {
		t.Fatalf("SyncKind: %v", err)
	}
	if report.Requeued != 1 {
		t.Fatalf("expected 1 requeued, got %+v", report)
	}
	got, _ := s.GetTransaction(ctx, txn.LocalID)
	if got.SyncState != core.SyncPending || got.RemoteID != "t1" || got.Category != "edited mid-push" {
		t.Fatalf("unexpected row after requeue: %+v", got.Envelope)
	}

	rem.onCreate = nil
	report, err = c.SyncKind(ctx, testUser, core.KindTransaction)
	if err != nil {
		t.Fatalf("SyncKind: %v", err)
	}
	if report.Synced != 1 {
		t.Errorf("expected follow-up update to sync, got %+v", report)
	}
	if rem.createCount(core.KindTransaction) != 1 || rem.updates[core.KindTransaction] != 1 {
		t.Errorf("expected 1 create and 1 update, got %d/%d", rem.createCount(core.KindTransaction), rem.updates[core.KindTransaction])
	}
}

func TestSyncAll_DeletePropagatesThenHardDeletes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()
	c := NewCoordinator(s, rem, allowAll, DefaultCoordinatorConfig(), nil)

	txn := putTxn(t, s, "food")
	if _, err := c.SyncAll(ctx, testUser); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if err := s.SoftDelete(ctx, core.KindTransaction, txn.LocalID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	report, err := c.SyncAll(ctx, testUser)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if report.Totals().Deleted != 1 {
		t.Errorf("expected 1 deleted, got %+v", report.Totals())
	}
	if len(rem.deletes) != 1 || rem.deletes[0] != "t1" {
		t.Errorf("expected remote delete of t1, got %v", rem.deletes)
	}
	if _, err := s.GetEnvelope(ctx, core.KindTransaction, txn.LocalID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected row hard-deleted, got %v", err)
	}
}

func TestSyncAll_BulkWallets(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()
	rem.bulk = func(ws []core.Wallet) ([]remote.BulkResult, error) {
		out := make([]remote.BulkResult, 0, len(ws))
		for _, w := range ws {
			if w.Name == "Rejected" {
				out = append(out, remote.BulkResult{LocalID: w.LocalID, Err: &remote.Error{Op: "sync wallet", StatusCode: 409, Kind: core.ErrValidation}})
				continue
			}
			out = append(out, remote.BulkResult{LocalID: w.LocalID, RemoteID: "bulk-" + w.Name})
		}
		return out, nil
	}
	config := DefaultCoordinatorConfig()
	config.BulkWallets = true
	c := NewCoordinator(s, rem, allowAll, config, nil)

	ok, _ := s.PutWallet(ctx, core.Wallet{Envelope: core.Envelope{UserID: testUser}, Name: "Bank", Type: core.WalletBank})
	bad, _ := s.PutWallet(ctx, core.Wallet{Envelope: core.Envelope{UserID: testUser}, Name: "Rejected", Type: core.WalletCash})

	report, err := c.SyncKind(ctx, testUser, core.KindWallet)
	if err != nil {
		t.Fatalf("SyncKind: %v", err)
	}
	if report.Synced != 1 || report.Conflicted != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	w, _ := s.GetWallet(ctx, ok.LocalID)
	if w.RemoteID != "bulk-Bank" || w.SyncState != core.SyncSynced {
		t.Errorf("unexpected synced wallet: %+v", w.Envelope)
	}
	w, _ = s.GetWallet(ctx, bad.LocalID)
	if w.SyncState != core.SyncConflict {
		t.Errorf("expected CONFLICT, got %s", w.SyncState)
	}
	if rem.createCount(core.KindWallet) != 0 {
		t.Error("bulk mode should not use per-wallet creates")
	}
}

func TestSyncKind_BulkWalletsStopLeavesNothingSyncing(t *testing.T) {
	tests := []struct {
		name    string
		stopErr error
	}{
		{name: "auth on delete", stopErr: &remote.Error{Op: "delete wallet", StatusCode: 401, Kind: core.ErrAuth}},
		{name: "expired session", stopErr: fmt.Errorf("expired: %w", core.ErrAuth)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			ctx := context.Background()
			rem := newFakeRemote()
			rem.bulk = func(ws []core.Wallet) ([]remote.BulkResult, error) {
				out := make([]remote.BulkResult, 0, len(ws))
				for _, w := range ws {
					out = append(out, remote.BulkResult{LocalID: w.LocalID, RemoteID: "bulk-" + w.Name})
				}
				return out, nil
			}
			config := DefaultCoordinatorConfig()
			config.BulkWallets = true
			c := NewCoordinator(s, rem, allowAll, config, nil)

			old, _ := s.PutWallet(ctx, core.Wallet{Envelope: core.Envelope{UserID: testUser}, Name: "Old", Type: core.WalletCash})
			if _, err := c.SyncKind(ctx, testUser, core.KindWallet); err != nil {
				t.Fatalf("first SyncKind: %v", err)
			}
			if err := s.SoftDelete(ctx, core.KindWallet, old.LocalID); err != nil {
				t.Fatalf("SoftDelete: %v", err)
			}
			fresh, _ := s.PutWallet(ctx, core.Wallet{Envelope: core.Envelope{UserID: testUser}, Name: "Fresh", Type: core.WalletBank})

			rem.mu.Lock()
			rem.pushErr = tt.stopErr
			rem.mu.Unlock()

			if _, err := c.SyncKind(ctx, testUser, core.KindWallet); !errors.Is(err, core.ErrAuth) {
				t.Fatalf("expected ErrAuth, got %v", err)
			}
			counts, err := s.CountByState(ctx, testUser)
			if err != nil {
				t.Fatalf("CountByState: %v", err)
			}
			if n := counts[core.KindWallet][core.SyncSyncing]; n != 0 {
				t.Errorf("expected no wallet left SYNCING, got %d", n)
			}
			w, _ := s.GetWallet(ctx, fresh.LocalID)
			if w.SyncState != core.SyncPending {
				t.Errorf("expected untouched wallet PENDING, got %s", w.SyncState)
			}
		})
	}
}

func TestSyncKind_SameUserRestoreDuringPushCreatesOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()

	sess := session.NewManager(s)
	if err := sess.Begin(ctx, session.Callback{Token: "opaque", UserID: testUser}); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rem.onCreate = func(context.Context) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return nil
	}
	c := NewCoordinator(s, rem, sess, DefaultCoordinatorConfig(), nil)
	txn := putTxn(t, s, "food")

	done := make(chan error, 1)
	go func() {
		_, err := c.SyncKind(sess.Context(), testUser, core.KindTransaction)
		done <- err
	}()

	<-started
	// The saved credentials were rewritten for the same user mid-push.
	if err := sess.Restore(ctx, session.Callback{Token: "opaque-2", UserID: testUser}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SyncKind: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pass did not finish")
	}

	if _, err := c.SyncKind(sess.Context(), testUser, core.KindTransaction); err != nil {
		t.Fatalf("second SyncKind: %v", err)
	}
	if n := rem.createCount(core.KindTransaction); n != 1 {
		t.Errorf("expected 1 remote create, got %d", n)
	}
	env, _ := s.GetEnvelope(ctx, core.KindTransaction, txn.LocalID)
	if env.SyncState != core.SyncSynced || env.RemoteID != "t1" {
		t.Errorf("expected {t1 SYNCED}, got {%s %s}", env.RemoteID, env.SyncState)
	}
}

func TestRefreshFromRemote_MergeRules(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()
	c := NewCoordinator(s, rem, allowAll, DefaultCoordinatorConfig(), nil)

	synced := putTxn(t, s, "a")
	edited := putTxn(t, s, "b")
	if _, err := c.SyncKind(ctx, testUser, core.KindTransaction); err != nil {
		t.Fatalf("SyncKind: %v", err)
	}
	e, _ := s.GetTransaction(ctx, edited.LocalID)
	e.UpdatedAt = 0
	e.Category = "local edit"
	if _, err := s.PutTransaction(ctx, e); err != nil {
		t.Fatalf("PutTransaction: %v", err)
	}

	date := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	rem.transactions = []core.Transaction{
		{Envelope: core.Envelope{RemoteID: "t1"}, Amount: decimal.NewFromInt(-1), Type: core.Expense, Category: "remote a", Date: date},
		{Envelope: core.Envelope{RemoteID: "t2"}, Amount: decimal.NewFromInt(-2), Type: core.Expense, Category: "remote b", Date: date},
		{Envelope: core.Envelope{RemoteID: "t9"}, Amount: decimal.NewFromInt(50), Type: core.Income, Category: "salary", Date: date},
		{Envelope: core.Envelope{RemoteID: "t10"}, Type: "BOGUS", Category: "x", Date: date},
	}

	report, err := c.RefreshFromRemote(ctx, testUser, core.KindTransaction)
	if err != nil {
		t.Fatalf("RefreshFromRemote: %v", err)
	}
	if report.Fetched != 4 || report.Updated != 1 || report.Preserved != 1 || report.Inserted != 1 || report.Skipped != 1 {
		t.Errorf("unexpected merge report: %+v", report)
	}

	got, _ := s.GetTransaction(ctx, synced.LocalID)
	if got.Category != "remote a" {
		t.Errorf("SYNCED row not overwritten: %q", got.Category)
	}
	got, _ = s.GetTransaction(ctx, edited.LocalID)
	if got.Category != "local edit" || got.SyncState != core.SyncPending {
		t.Errorf("PENDING row overwritten: %q %s", got.Category, got.SyncState)
	}
	env, err := s.FindByRemoteID(ctx, core.KindTransaction, testUser, "t9")
	if err != nil || env.SyncState != core.SyncSynced {
		t.Errorf("remote-only row not inserted as SYNCED: %+v %v", env, err)
	}

	report, err = c.RefreshFromRemote(ctx, testUser, core.KindReceipt)
	if err != nil || report.Fetched != 0 {
		t.Errorf("receipt refresh should be a no-op: %+v %v", report, err)
	}
}

func TestPushThenPull_WalletRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()
	c := NewCoordinator(s, rem, allowAll, DefaultCoordinatorConfig(), nil)

	w, _ := s.PutWallet(ctx, core.Wallet{
		Envelope: core.Envelope{UserID: testUser},
		Name:     "Cash",
		Type:     core.WalletCash,
		Balance:  decimal.NewFromInt(100000),
		Color:    "#00ff00",
	})
	if _, err := c.SyncAll(ctx, testUser); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	rem.wallets = []core.Wallet{{
		Envelope: core.Envelope{RemoteID: "w1"},
		Name:     "Cash",
		Type:     core.WalletCash,
		Balance:  decimal.RequireFromString("100000.00"),
	}}
	report, err := c.RefreshFromRemote(ctx, testUser, core.KindWallet)
	if err != nil {
		t.Fatalf("RefreshFromRemote: %v", err)
	}
	if report.Unchanged != 1 || report.Inserted != 0 {
		t.Errorf("expected the pushed wallet to round-trip unchanged, got %+v", report)
	}
	got, _ := s.GetWallet(ctx, w.LocalID)
	if got.Color != "#00ff00" || got.SyncState != core.SyncSynced {
		t.Errorf("unexpected wallet after round trip: %+v", got)
	}
	list, _ := s.ListWallets(ctx, testUser)
	if len(list) != 1 {
		t.Errorf("round trip duplicated the wallet: %d rows", len(list))
	}
}

func TestRefreshFromRemote_Profile(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rem := newFakeRemote()
	c := NewCoordinator(s, rem, allowAll, DefaultCoordinatorConfig(), nil)

	if _, err := s.SeedProfile(ctx, testUser, "a@example.com", "Ann"); err != nil {
		t.Fatalf("SeedProfile: %v", err)
	}
	rem.profile = core.UserProfile{Envelope: core.Envelope{UserID: testUser}, Email: "a@example.com", Name: "Ann", Currency: "IDR"}

	report, err := c.RefreshFromRemote(ctx, testUser, core.KindProfile)
	if err != nil {
		t.Fatalf("RefreshFromRemote: %v", err)
	}
	if report.Updated != 1 {
		t.Errorf("expected profile updated, got %+v", report)
	}
	p, _ := s.GetProfile(ctx, testUser)
	if p.Currency != "IDR" {
		t.Errorf("expected currency from remote, got %q", p.Currency)
	}
}

func TestCoordinator_Metrics(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := NewCoordinator(s, newFakeRemote(), allowAll, DefaultCoordinatorConfig(), m)

	putTxn(t, s, "a")
	putTxn(t, s, "b")
	if _, err := c.SyncAll(ctx, testUser); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	if got := testutil.ToFloat64(m.entities.WithLabelValues("transaction", OutcomeSynced)); got != 2 {
		t.Errorf("expected 2 synced transactions counted, got %v", got)
	}
	if n := testutil.CollectAndCount(m.passDuration); n != len(core.SyncKinds()) {
		t.Errorf("expected a duration series per kind, got %d", n)
	}
}
