package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"finsync/internal/core"
	applog "finsync/internal/log"
	"finsync/internal/remote"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// CoordinatorConfig holds configuration for the sync coordinator
type CoordinatorConfig struct {
	// BaseBackoff is the retry delay after the first network failure (default: 1s)
	BaseBackoff time.Duration

	// MaxBackoff caps the exponential retry delay (default: 5m)
	MaxBackoff time.Duration

	// BulkWallets pushes pending wallets through one /wallets/sync call
	BulkWallets bool
}

// DefaultCoordinatorConfig returns sensible defaults
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

// KindReport summarizes one push pass over a single entity kind.
type KindReport struct {
	Kind       core.EntityKind
	Pending    int
	Synced     int
	Requeued   int // acknowledged, but edited mid-push and queued again
	Failed     int
	Conflicted int
	Skipped    int // still in backoff, or changed under the pass
	Deleted    int
	Coalesced  bool // this caller joined a pass already in flight
	Duration   time.Duration
}

// SyncReport aggregates a SyncAll over every kind.
type SyncReport struct {
	UserID string
	Kinds  []KindReport
}

// Totals sums the per-kind counters.
func (r SyncReport) Totals() KindReport {
	var t KindReport
	for _, k := range r.Kinds {
		t.Pending += k.Pending
		t.Synced += k.Synced
		t.Requeued += k.Requeued
		t.Failed += k.Failed
		t.Conflicted += k.Conflicted
		t.Skipped += k.Skipped
		t.Deleted += k.Deleted
		if k.Duration > t.Duration {
			t.Duration = k.Duration
		}
	}
	return t
}

// MergeReport summarizes one pull-and-merge.
type MergeReport struct {
	Kind      core.EntityKind
	Fetched   int
	Inserted  int
	Updated   int
	Unchanged int
	Preserved int // local edit in progress, remote copy ignored
	Skipped   int // remote row unusable
}

// Coordinator drives convergence between the Local Store and the remote.
// Passes run only when a caller asks; there is no background timer.
type Coordinator struct {
	store   Store
	remote  Remote
	gate    Gate
	config  CoordinatorConfig
	metrics *Metrics

	// passes coalesces concurrent pushes of the same (user, kind).
	passes singleflight.Group
	// locks serializes push and pull of the same (user, kind).
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewCoordinator creates a new sync coordinator. metrics may be nil.
func NewCoordinator(store Store, remote Remote, gate Gate, config CoordinatorConfig, metrics *Metrics) *Coordinator {
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = DefaultCoordinatorConfig().BaseBackoff
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = config.BaseBackoff
	}
	return &Coordinator{
		store:   store,
		remote:  remote,
		gate:    gate,
		config:  config,
		metrics: metrics,
		locks:   make(map[string]*sync.Mutex),
	}
}

func passKey(userID string, kind core.EntityKind) string {
	return userID + "/" + string(kind)
}

func (c *Coordinator) lockFor(userID string, kind core.EntityKind) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	key := passKey(userID, kind)
	mu, ok := c.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[key] = mu
	}
	return mu
}

// SyncAll pushes every kind for userID. Kinds run concurrently; the first
// auth or store error cancels the others and is returned with the partial
// report.
func (c *Coordinator) SyncAll(ctx context.Context, userID string) (SyncReport, error) {
	return c.SyncKinds(ctx, userID, core.SyncKinds())
}

// SyncKinds is SyncAll restricted to kinds.
func (c *Coordinator) SyncKinds(ctx context.Context, userID string, kinds []core.EntityKind) (SyncReport, error) {
	report := SyncReport{UserID: userID}
	if err := c.gate.CheckSync(userID); err != nil {
		return report, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		kind := kind
		g.Go(func() error {
			kr, err := c.syncKind(gctx, userID, kind)
			mu.Lock()
			report.Kinds = append(report.Kinds, kr)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	totals := report.Totals()
	fields := applog.NewFields().
		WithComponent(applog.ComponentSync).
		WithOperation(applog.OpSync).
		WithUser(userID).
		WithSyncCounts(totals.Synced, totals.Failed, totals.Conflicted, totals.Skipped, totals.Deleted)
	fields[applog.FieldSuccess] = err == nil
	slog.InfoContext(ctx, "Sync completed", fields.ToSlice()...)

	return report, err
}

// SyncKind pushes a single kind for userID. A call made while a pass for the
// same (user, kind) is running waits for that pass and shares its report.
func (c *Coordinator) SyncKind(ctx context.Context, userID string, kind core.EntityKind) (KindReport, error) {
	if err := c.gate.CheckSync(userID); err != nil {
		return KindReport{Kind: kind}, err
	}
	return c.syncKind(ctx, userID, kind)
}

func (c *Coordinator) syncKind(ctx context.Context, userID string, kind core.EntityKind) (KindReport, error) {
	v, err, shared := c.passes.Do(passKey(userID, kind), func() (any, error) {
		mu := c.lockFor(userID, kind)
		mu.Lock()
		defer mu.Unlock()
		return c.runPass(ctx, userID, kind)
	})
	kr := v.(KindReport)
	kr.Coalesced = shared
	return kr, err
}

// runPass pushes every pending record of one kind in UpdatedAt order.
func (c *Coordinator) runPass(ctx context.Context, userID string, kind core.EntityKind) (report KindReport, err error) {
	start := time.Now()
	report.Kind = kind
	// Store transitions must land even after ctx is cancelled, otherwise a
	// cancelled pass would strand rows in SYNCING.
	storeCtx := context.WithoutCancel(ctx)

	defer func() {
		report.Duration = time.Since(start)
		c.metrics.observePass(kind, report.Duration)
	}()

	pending, err := c.store.QueryPendingSync(storeCtx, userID, kind)
	if err != nil {
		return report, fmt.Errorf("query pending %s: %w", kind, err)
	}
	report.Pending = len(pending)
	if len(pending) == 0 {
		return report, nil
	}

	slog.DebugContext(ctx, "Sync pass started",
		applog.FieldComponent, applog.ComponentSync,
		applog.FieldUserID, userID,
		applog.FieldKind, kind,
		"pending", len(pending))

	now := c.store.Now()
	var due []core.Envelope
	for _, env := range pending {
		if env.SyncState == core.SyncFailed && env.NextAttemptAt.After(now) {
			c.count(&report, OutcomeSkipped)
			continue
		}
		due = append(due, env)
	}

	if kind == core.KindWallet && c.config.BulkWallets {
		return c.pushWalletsBulk(ctx, storeCtx, due, report)
	}

	for _, env := range due {
		if ctx.Err() != nil {
			break
		}
		outcome, err := c.pushOne(ctx, storeCtx, kind, env)
		if outcome != "" {
			c.count(&report, outcome)
		}
		if err != nil {
			return report, err
		}
	}
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("sync %s interrupted: %w", kind, err)
	}
	return report, nil
}

func (c *Coordinator) count(report *KindReport, outcome string) {
	if outcome == "" {
		return
	}
	switch outcome {
	case OutcomeSynced:
		report.Synced++
	case OutcomeRequeued:
		report.Requeued++
	case OutcomeFailed:
		report.Failed++
	case OutcomeConflicted:
		report.Conflicted++
	case OutcomeSkipped:
		report.Skipped++
	case OutcomeDeleted:
		report.Deleted++
	}
	c.metrics.observe(report.Kind, outcome)
}

// pushOne moves one record through SYNCING to its outcome. The returned error
// is non-nil only when the whole pass must stop.
func (c *Coordinator) pushOne(ctx, storeCtx context.Context, kind core.EntityKind, env core.Envelope) (string, error) {
	captured, err := c.store.MarkSyncing(storeCtx, kind, env.LocalID)
	if errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrNotFound) {
		// Removed or changed since the pending query.
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("mark %s %s syncing: %w", kind, env.LocalID, err)
	}

	if captured.Deleted {
		return c.pushDelete(ctx, storeCtx, kind, captured)
	}

	remoteID, pushErr := c.pushUpsert(ctx, storeCtx, kind, captured)
	if pushErr != nil {
		return c.settleFailure(ctx, storeCtx, kind, captured, pushErr)
	}

	state, err := c.store.MarkSynced(storeCtx, kind, captured.LocalID, remoteID)
	if err != nil {
		c.release(storeCtx, kind, captured, fmt.Sprintf("record acknowledgment: %v", err))
		return OutcomeFailed, nil
	}

	slog.DebugContext(ctx, "Record synced",
		applog.FieldComponent, applog.ComponentSync,
		applog.FieldKind, kind,
		applog.FieldLocalID, captured.LocalID,
		applog.FieldRemoteID, remoteID,
		applog.FieldSyncState, state)

	if state == core.SyncPending {
		return OutcomeRequeued, nil
	}
	return OutcomeSynced, nil
}

// pushUpsert creates the record remotely when it has no remote id yet and
// updates it otherwise. It returns the remote id to record.
func (c *Coordinator) pushUpsert(ctx, storeCtx context.Context, kind core.EntityKind, env core.Envelope) (string, error) {
	switch kind {
	case core.KindTransaction:
		t, err := c.store.GetTransaction(storeCtx, env.LocalID)
		if err != nil {
			return "", err
		}
		if t.RemoteID == "" {
			return c.remote.CreateTransaction(ctx, t)
		}
		return c.remote.UpdateTransaction(ctx, t)

	case core.KindWallet:
		w, err := c.store.GetWallet(storeCtx, env.LocalID)
		if err != nil {
			return "", err
		}
		if w.RemoteID == "" {
			return c.remote.CreateWallet(ctx, w)
		}
		return c.remote.UpdateWallet(ctx, w)

	case core.KindReceipt:
		rt, err := c.store.GetReceipt(storeCtx, env.LocalID)
		if err != nil {
			return "", err
		}
		if rt.RemoteID == "" {
			return c.remote.CreateReceipt(ctx, rt)
		}
		return c.remote.UpdateReceipt(ctx, rt)

	case core.KindProfile:
		p, err := c.store.GetProfile(storeCtx, env.UserID)
		if err != nil {
			return "", err
		}
		return c.remote.UpdateProfile(ctx, p)
	}
	return "", fmt.Errorf("unsupported kind %q", kind)
}

// pushDelete tells the remote about a soft-deleted record, then removes it
// locally. A record the remote never stored is removed without a call.
func (c *Coordinator) pushDelete(ctx, storeCtx context.Context, kind core.EntityKind, env core.Envelope) (string, error) {
	if env.RemoteID != "" {
		var err error
		switch kind {
		case core.KindTransaction:
			err = c.remote.DeleteTransaction(ctx, env.RemoteID)
		case core.KindWallet:
			err = c.remote.DeleteWallet(ctx, env.RemoteID)
		case core.KindReceipt:
			err = c.remote.DeleteReceipt(ctx, env.RemoteID)
		default:
			err = fmt.Errorf("%s records cannot be deleted: %w", kind, core.ErrValidation)
		}
		if err != nil {
			return c.settleFailure(ctx, storeCtx, kind, env, err)
		}
		if err := c.store.AckDelete(storeCtx, kind, env.LocalID); err != nil {
			c.release(storeCtx, kind, env, fmt.Sprintf("record delete acknowledgment: %v", err))
			return OutcomeFailed, nil
		}
	}

	if err := c.store.HardDelete(storeCtx, kind, env.LocalID); err != nil {
		return "", fmt.Errorf("hard delete %s %s: %w", kind, env.LocalID, err)
	}

	slog.DebugContext(ctx, "Record deleted",
		applog.FieldComponent, applog.ComponentSync,
		applog.FieldKind, kind,
		applog.FieldLocalID, env.LocalID,
		applog.FieldRemoteID, env.RemoteID)
	return OutcomeDeleted, nil
}

// settleFailure records a failed push on the row. Validation errors become
// CONFLICT; everything else becomes FAILED with backoff. Auth errors and
// cancellation also stop the pass.
func (c *Coordinator) settleFailure(ctx, storeCtx context.Context, kind core.EntityKind, env core.Envelope, pushErr error) (string, error) {
	attempt := env.Attempts + 1
	fields := applog.NewFields().
		WithComponent(applog.ComponentSync).
		WithOperation(applog.OpPush).
		WithEntity(string(kind), env.LocalID, env.RemoteID)

	switch {
	case errors.Is(pushErr, core.ErrValidation):
		slog.WarnContext(ctx, "Remote rejected record",
			fields.WithErrorType(applog.ErrorTypeConflict).WithError(pushErr).ToSlice()...)
		if err := c.store.MarkConflict(storeCtx, kind, env.LocalID, pushErr.Error()); err != nil {
			return "", fmt.Errorf("mark %s %s conflict: %w", kind, env.LocalID, err)
		}
		return OutcomeConflicted, nil

	case errors.Is(pushErr, core.ErrAuth):
		slog.WarnContext(ctx, "Sync halted, re-authentication required",
			fields.WithErrorType(applog.ErrorTypeAuth).ToSlice()...)
		if err := c.store.MarkFailed(storeCtx, kind, env.LocalID, pushErr.Error(), time.Time{}); err != nil {
			return "", fmt.Errorf("mark %s %s failed: %w", kind, env.LocalID, err)
		}
		return OutcomeFailed, pushErr

	case ctx.Err() != nil:
		// Interrupted, not the record's fault: retry as soon as asked.
		if err := c.store.MarkFailed(storeCtx, kind, env.LocalID, "interrupted", time.Time{}); err != nil {
			return "", fmt.Errorf("mark %s %s failed: %w", kind, env.LocalID, err)
		}
		return OutcomeFailed, nil
	}

	retryAt := c.store.Now().Add(c.backoff(attempt))
	fields[applog.FieldAttempt] = attempt
	fields[applog.FieldRetryAt] = retryAt
	slog.WarnContext(ctx, "Sync attempt failed",
		fields.WithErrorType(applog.ErrorTypeNetwork).WithError(pushErr).ToSlice()...)
	if err := c.store.MarkFailed(storeCtx, kind, env.LocalID, pushErr.Error(), retryAt); err != nil {
		return "", fmt.Errorf("mark %s %s failed: %w", kind, env.LocalID, err)
	}
	return OutcomeFailed, nil
}

// release moves a SYNCING row to FAILED after a local error that followed a
// successful remote call. The next pass repeats the call.
func (c *Coordinator) release(storeCtx context.Context, kind core.EntityKind, env core.Envelope, reason string) {
	slog.ErrorContext(storeCtx, "Failed to record sync result",
		applog.FieldComponent, applog.ComponentSync,
		applog.FieldKind, kind,
		applog.FieldLocalID, env.LocalID,
		applog.FieldErrorType, applog.ErrorTypeDatabase,
		applog.FieldReason, reason)
	if err := c.store.MarkFailed(storeCtx, kind, env.LocalID, reason, time.Time{}); err != nil {
		slog.ErrorContext(storeCtx, "Failed to release record from SYNCING",
			applog.FieldKind, kind,
			applog.FieldLocalID, env.LocalID,
			applog.FieldError, err)
	}
}

// backoff returns BaseBackoff doubled per previous attempt, capped at MaxBackoff.
func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.config.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.config.MaxBackoff {
			return c.config.MaxBackoff
		}
	}
	return d
}

// pushWalletsBulk sends every due wallet through one /wallets/sync call.
// Deleted wallets go through the per-record delete path first, before any
// wallet of the batch is moved to SYNCING.
func (c *Coordinator) pushWalletsBulk(ctx, storeCtx context.Context, due []core.Envelope, report KindReport) (KindReport, error) {
	live := make([]core.Envelope, 0, len(due))
	for _, env := range due {
		if !env.Deleted {
			live = append(live, env)
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		outcome, err := c.pushOne(ctx, storeCtx, core.KindWallet, env)
		if outcome != "" {
			c.count(&report, outcome)
		}
		if err != nil {
			return report, err
		}
	}

	var (
		batch    []core.Wallet
		captured = make(map[string]core.Envelope)
	)
	for _, env := range live {
		if ctx.Err() != nil {
			break
		}
		locked, err := c.store.MarkSyncing(storeCtx, core.KindWallet, env.LocalID)
		if errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrNotFound) {
			c.count(&report, OutcomeSkipped)
			continue
		}
		if err != nil {
			c.releaseAll(storeCtx, captured, "bulk push aborted")
			return report, fmt.Errorf("mark wallet %s syncing: %w", env.LocalID, err)
		}
		if locked.Deleted {
			// Deleted between the pending query and MarkSyncing.
			outcome, err := c.pushDelete(ctx, storeCtx, core.KindWallet, locked)
			if outcome != "" {
				c.count(&report, outcome)
			}
			if err != nil {
				c.releaseAll(storeCtx, captured, "bulk push aborted")
				return report, err
			}
			continue
		}
		w, err := c.store.GetWallet(storeCtx, env.LocalID)
		if err != nil {
			c.release(storeCtx, core.KindWallet, locked, fmt.Sprintf("load wallet: %v", err))
			c.count(&report, OutcomeFailed)
			continue
		}
		captured[w.LocalID] = locked
		batch = append(batch, w)
	}
	if len(batch) == 0 {
		return report, ctx.Err()
	}

	results, err := c.remote.SyncWallets(ctx, batch)
	if err != nil {
		var stop error
		for _, env := range captured {
			outcome, serr := c.settleFailure(ctx, storeCtx, core.KindWallet, env, err)
			if outcome != "" {
				c.count(&report, outcome)
			}
			if serr != nil && stop == nil {
				stop = serr
			}
		}
		return report, stop
	}

	for _, r := range results {
		env, ok := captured[r.LocalID]
		if !ok {
			continue
		}
		delete(captured, r.LocalID)
		outcome, err := c.settleBulkResult(ctx, storeCtx, env, r)
		c.count(&report, outcome)
		if err != nil {
			c.releaseAll(storeCtx, captured, "bulk push aborted")
			return report, err
		}
	}
	for _, env := range captured {
		c.release(storeCtx, core.KindWallet, env, "missing from bulk response")
		c.count(&report, OutcomeFailed)
	}
	return report, nil
}

func (c *Coordinator) settleBulkResult(ctx, storeCtx context.Context, env core.Envelope, r remote.BulkResult) (string, error) {
	if r.Err != nil {
		return c.settleFailure(ctx, storeCtx, core.KindWallet, env, r.Err)
	}
	state, err := c.store.MarkSynced(storeCtx, core.KindWallet, env.LocalID, r.RemoteID)
	if err != nil {
		c.release(storeCtx, core.KindWallet, env, fmt.Sprintf("record acknowledgment: %v", err))
		return OutcomeFailed, nil
	}
	if state == core.SyncPending {
		return OutcomeRequeued, nil
	}
	return OutcomeSynced, nil
}

func (c *Coordinator) releaseAll(storeCtx context.Context, captured map[string]core.Envelope, reason string) {
	for _, env := range captured {
		c.release(storeCtx, core.KindWallet, env, reason)
	}
}
