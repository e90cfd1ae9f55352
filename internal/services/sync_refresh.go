package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"finsync/internal/core"
	applog "finsync/internal/log"
)

// RefreshFromRemote pulls the remote copy of kind and merges it into the
// Local Store:
//   - a remote record matching a local SYNCED record overwrites its business fields
//   - a remote record with no local match is inserted as SYNCED
//   - local records in any other state, or soft-deleted, are left alone
//
// Receipts have no list endpoint; refreshing them is a no-op.
func (c *Coordinator) RefreshFromRemote(ctx context.Context, userID string, kind core.EntityKind) (MergeReport, error) {
	report := MergeReport{Kind: kind}
	if err := c.gate.CheckSync(userID); err != nil {
		return report, err
	}

	mu := c.lockFor(userID, kind)
	mu.Lock()
	defer mu.Unlock()

	var err error
	switch kind {
	case core.KindTransaction:
		err = c.mergeTransactions(ctx, userID, &report)
	case core.KindWallet:
		err = c.mergeWallets(ctx, userID, &report)
	case core.KindProfile:
		err = c.mergeProfile(ctx, userID, &report)
	case core.KindReceipt:
		return report, nil
	default:
		return report, fmt.Errorf("unsupported kind %q", kind)
	}
	if err != nil {
		return report, err
	}

	slog.InfoContext(ctx, "Refresh completed",
		applog.FieldComponent, applog.ComponentSync,
		applog.FieldOperation, applog.OpPull,
		applog.FieldUserID, userID,
		applog.FieldKind, kind,
		"fetched", report.Fetched,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"preserved", report.Preserved)
	return report, nil
}

// localMatch finds the local record for a remote id. ok is false when there
// is none.
func (c *Coordinator) localMatch(ctx context.Context, kind core.EntityKind, userID, remoteID string) (core.Envelope, bool, error) {
	env, err := c.store.FindByRemoteID(ctx, kind, userID, remoteID)
	if errors.Is(err, core.ErrNotFound) {
		return core.Envelope{}, false, nil
	}
	if err != nil {
		return core.Envelope{}, false, err
	}
	return env, true, nil
}

func mergeable(env core.Envelope) bool {
	return env.SyncState == core.SyncSynced && !env.Deleted
}

func (c *Coordinator) skipRemote(ctx context.Context, kind core.EntityKind, remoteID string, err error, report *MergeReport) {
	slog.WarnContext(ctx, "Ignoring unusable remote record",
		applog.FieldComponent, applog.ComponentSync,
		applog.FieldKind, kind,
		applog.FieldRemoteID, remoteID,
		applog.FieldError, err)
	report.Skipped++
}

func (c *Coordinator) mergeTransactions(ctx context.Context, userID string, report *MergeReport) error {
	list, err := c.remote.ListTransactions(ctx, userID)
	if err != nil {
		return fmt.Errorf("list remote transactions: %w", err)
	}
	report.Fetched = len(list)

	for _, rt := range list {
		if rt.RemoteID == "" {
			c.skipRemote(ctx, core.KindTransaction, "", errors.New("missing id"), report)
			continue
		}
		rt.UserID = userID
		if err := rt.Validate(); err != nil {
			c.skipRemote(ctx, core.KindTransaction, rt.RemoteID, err, report)
			continue
		}

		env, ok, err := c.localMatch(ctx, core.KindTransaction, userID, rt.RemoteID)
		if err != nil {
			return err
		}
		switch {
		case !ok:
			if _, err := c.store.InsertRemoteTransaction(ctx, rt); err != nil {
				return fmt.Errorf("insert remote transaction %s: %w", rt.RemoteID, err)
			}
			report.Inserted++
		case mergeable(env):
			applied, err := c.store.ApplyRemoteTransaction(ctx, env.LocalID, rt)
			if err != nil {
				return fmt.Errorf("apply remote transaction %s: %w", rt.RemoteID, err)
			}
			if applied {
				report.Updated++
			} else {
				report.Preserved++
			}
		default:
			report.Preserved++
		}
	}
	return nil
}

func (c *Coordinator) mergeWallets(ctx context.Context, userID string, report *MergeReport) error {
	list, err := c.remote.ListWallets(ctx, userID)
	if err != nil {
		return fmt.Errorf("list remote wallets: %w", err)
	}
	report.Fetched = len(list)

	for _, rw := range list {
		if rw.RemoteID == "" {
			c.skipRemote(ctx, core.KindWallet, "", errors.New("missing id"), report)
			continue
		}
		rw.UserID = userID
		if err := rw.Validate(); err != nil {
			c.skipRemote(ctx, core.KindWallet, rw.RemoteID, err, report)
			continue
		}

		env, ok, err := c.localMatch(ctx, core.KindWallet, userID, rw.RemoteID)
		if err != nil {
			return err
		}
		switch {
		case !ok:
			if _, err := c.store.InsertRemoteWallet(ctx, rw); err != nil {
				return fmt.Errorf("insert remote wallet %s: %w", rw.RemoteID, err)
			}
			report.Inserted++
		case mergeable(env):
			local, err := c.store.GetWallet(ctx, env.LocalID)
			if err != nil {
				return err
			}
			if local.SameBusinessFields(rw) {
				report.Unchanged++
				continue
			}
			applied, err := c.store.ApplyRemoteWallet(ctx, env.LocalID, rw)
			if err != nil {
				return fmt.Errorf("apply remote wallet %s: %w", rw.RemoteID, err)
			}
			if applied {
				report.Updated++
			} else {
				report.Preserved++
			}
		default:
			report.Preserved++
		}
	}
	return nil
}

func (c *Coordinator) mergeProfile(ctx context.Context, userID string, report *MergeReport) error {
	rp, err := c.remote.GetProfile(ctx)
	if err != nil {
		return fmt.Errorf("get remote profile: %w", err)
	}
	report.Fetched = 1
	if rp.UserID != "" && rp.UserID != userID {
		c.skipRemote(ctx, core.KindProfile, rp.UserID, errors.New("profile belongs to another user"), report)
		return nil
	}
	rp.UserID = userID

	_, err = c.store.GetProfile(ctx, userID)
	if errors.Is(err, core.ErrNotFound) {
		if _, err := c.store.SeedProfile(ctx, userID, rp.Email, rp.Name); err != nil {
			return fmt.Errorf("seed profile: %w", err)
		}
		report.Inserted++
	} else if err != nil {
		return err
	}

	applied, err := c.store.ApplyRemoteProfile(ctx, rp)
	if err != nil {
		return fmt.Errorf("apply remote profile: %w", err)
	}
	switch {
	case applied && report.Inserted == 0:
		report.Updated++
	case !applied:
		report.Preserved++
	}
	return nil
}
