package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"finsync/internal/core"
	applog "finsync/internal/log"
)

const envelopeColumns = `local_id, user_id, remote_id, sync_state, updated_at, deleted, attempts, next_attempt_at, last_error`

// envelopeRow scans the shared sync columns.
type envelopeRow struct {
	e           core.Envelope
	remoteID    sql.NullString
	nextAttempt int64
}

func (r *envelopeRow) dest() []any {
	return []any{
		&r.e.LocalID, &r.e.UserID, &r.remoteID, &r.e.SyncState, &r.e.UpdatedAt,
		&r.e.Deleted, &r.e.Attempts, &r.nextAttempt, &r.e.LastError,
	}
}

func (r *envelopeRow) envelope() core.Envelope {
	e := r.e
	e.RemoteID = r.remoteID.String
	e.NextAttemptAt = timeFromUnixNano(r.nextAttempt)
	return e
}

type rowState struct {
	state        core.SyncState
	updatedAt    int64
	syncingStamp int64
	remoteID     sql.NullString
	deleted      bool
	deleteAcked  bool
}

func loadRowState(ctx context.Context, tx *sql.Tx, table, localID string) (rowState, error) {
	var rs rowState
	err := tx.QueryRowContext(ctx,
		`SELECT sync_state, updated_at, syncing_stamp, remote_id, deleted, delete_acked FROM `+table+` WHERE local_id = ?`,
		localID,
	).Scan(&rs.state, &rs.updatedAt, &rs.syncingStamp, &rs.remoteID, &rs.deleted, &rs.deleteAcked)
	if errors.Is(err, sql.ErrNoRows) {
		return rs, fmt.Errorf("%s %s: %w", table, localID, core.ErrNotFound)
	}
	if err != nil {
		return rs, fmt.Errorf("load %s %s: %w", table, localID, err)
	}
	return rs, nil
}

// prepareLocalWrite applies the stale-write guard for a user mutation and
// fills in the envelope's UpdatedAt and SyncState. It reports whether the row
// already exists. Must run inside write.
func (s *Store) prepareLocalWrite(ctx context.Context, tx *sql.Tx, table string, e *core.Envelope) (bool, error) {
	rs, err := loadRowState(ctx, tx, table, e.LocalID)
	if errors.Is(err, core.ErrNotFound) {
		e.UpdatedAt = s.nextStamp(0, e.UpdatedAt)
		e.SyncState = core.SyncPending
		e.RemoteID = ""
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rs.deleted {
		return true, fmt.Errorf("%s %s is deleted: %w", table, e.LocalID, core.ErrNotFound)
	}
	if e.UpdatedAt != 0 && e.UpdatedAt <= rs.updatedAt {
		return true, fmt.Errorf("%s %s: updated_at %d not after stored %d: %w",
			table, e.LocalID, e.UpdatedAt, rs.updatedAt, core.ErrStaleWrite)
	}
	e.UpdatedAt = s.nextStamp(rs.updatedAt, e.UpdatedAt)
	// A row mid-push stays SYNCING; MarkSynced notices the advanced stamp.
	if rs.state == core.SyncSyncing {
		e.SyncState = core.SyncSyncing
	} else {
		e.SyncState = core.SyncPending
	}
	e.RemoteID = rs.remoteID.String
	return true, nil
}

// touchLocalWrite resets retry bookkeeping after a user mutation.
func touchLocalWrite(ctx context.Context, tx *sql.Tx, table string, e core.Envelope) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE `+table+`
		SET sync_state = ?, updated_at = ?, next_attempt_at = 0,
		    last_error = CASE WHEN ? = 'SYNCING' THEN last_error ELSE '' END
		WHERE local_id = ?`,
		e.SyncState, e.UpdatedAt, e.SyncState, e.LocalID)
	if err != nil {
		return fmt.Errorf("update %s envelope: %w", table, err)
	}
	return nil
}

// QueryPendingSync returns every record of kind owned by userID that is
// PENDING or FAILED, oldest edit first.
func (s *Store) QueryPendingSync(ctx context.Context, userID string, kind core.EntityKind) ([]core.Envelope, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+envelopeColumns+` FROM `+table+`
		WHERE user_id = ? AND sync_state IN ('PENDING', 'FAILED')
		ORDER BY updated_at ASC, local_id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query pending %s: %w", table, err)
	}
	defer rows.Close()

	var out []core.Envelope
	for rows.Next() {
		var r envelopeRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("scan pending %s: %w", table, err)
		}
		out = append(out, r.envelope())
	}
	return out, rows.Err()
}

// GetEnvelope returns the sync envelope of a single record.
func (s *Store) GetEnvelope(ctx context.Context, kind core.EntityKind, localID string) (core.Envelope, error) {
	table, err := tableFor(kind)
	if err != nil {
		return core.Envelope{}, err
	}
	var r envelopeRow
	err = s.db.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM `+table+` WHERE local_id = ?`, localID).Scan(r.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Envelope{}, fmt.Errorf("%s %s: %w", kind, localID, core.ErrNotFound)
	}
	if err != nil {
		return core.Envelope{}, fmt.Errorf("get %s envelope: %w", kind, err)
	}
	return r.envelope(), nil
}

// FindByRemoteID looks up a record by the identifier the remote assigned.
func (s *Store) FindByRemoteID(ctx context.Context, kind core.EntityKind, userID, remoteID string) (core.Envelope, error) {
	table, err := tableFor(kind)
	if err != nil {
		return core.Envelope{}, err
	}
	var r envelopeRow
	err = s.db.QueryRowContext(ctx,
		`SELECT `+envelopeColumns+` FROM `+table+` WHERE user_id = ? AND remote_id = ?`,
		userID, remoteID,
	).Scan(r.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Envelope{}, fmt.Errorf("%s remote %s: %w", kind, remoteID, core.ErrNotFound)
	}
	if err != nil {
		return core.Envelope{}, fmt.Errorf("find %s by remote id: %w", kind, err)
	}
	return r.envelope(), nil
}

// MarkSyncing moves a PENDING or FAILED record to SYNCING and returns the
// envelope as it was captured for the push. Its UpdatedAt is the snapshot
// MarkSynced compares against.
func (s *Store) MarkSyncing(ctx context.Context, kind core.EntityKind, localID string) (core.Envelope, error) {
	table, err := tableFor(kind)
	if err != nil {
		return core.Envelope{}, err
	}
	err = s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE `+table+`
			SET sync_state = 'SYNCING', syncing_stamp = updated_at
			WHERE local_id = ? AND sync_state IN ('PENDING', 'FAILED')`, localID)
		if err != nil {
			return fmt.Errorf("mark %s syncing: %w", kind, err)
		}
		return requireTransition(ctx, tx, res, table, localID, core.SyncSyncing)
	})
	if err != nil {
		return core.Envelope{}, err
	}
	s.notify(kind, localID, OpStateChanged)
	return s.GetEnvelope(ctx, kind, localID)
}

// MarkSynced records the remote acknowledgment of a push. If the record was
// edited while SYNCING, the acknowledgment is still recorded (remote id kept)
// and the record is requeued as PENDING in the same transaction, so the newer
// edit is pushed as an update on the next pass. Returns the resulting state.
func (s *Store) MarkSynced(ctx context.Context, kind core.EntityKind, localID, remoteID string) (core.SyncState, error) {
	if remoteID == "" {
		return "", fmt.Errorf("mark %s %s synced without remote id: %w", kind, localID, core.ErrInvalidTransition)
	}
	table, err := tableFor(kind)
	if err != nil {
		return "", err
	}

	var result core.SyncState
	err = s.write(ctx, func(tx *sql.Tx) error {
		rs, err := loadRowState(ctx, tx, table, localID)
		if err != nil {
			return err
		}
		if rs.state != core.SyncSyncing {
			return fmt.Errorf("%s %s is %s, not SYNCING: %w", kind, localID, rs.state, core.ErrInvalidTransition)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE `+table+`
			SET remote_id = ?, sync_state = 'SYNCED', attempts = 0, next_attempt_at = 0, last_error = ''
			WHERE local_id = ?`, remoteID, localID); err != nil {
			return fmt.Errorf("mark %s synced: %w", kind, err)
		}
		result = core.SyncSynced

		if rs.updatedAt > rs.syncingStamp {
			if _, err := tx.ExecContext(ctx,
				`UPDATE `+table+` SET sync_state = 'PENDING' WHERE local_id = ?`, localID); err != nil {
				return fmt.Errorf("requeue %s: %w", kind, err)
			}
			result = core.SyncPending
			slog.InfoContext(ctx, "Record edited during sync, requeued",
				applog.FieldComponent, applog.ComponentStore,
				applog.FieldKind, kind,
				applog.FieldLocalID, localID,
				applog.FieldRemoteID, remoteID)
			return nil
		}

		switch kind {
		case core.KindReceipt:
			_, err = tx.ExecContext(ctx, `UPDATE receipts SET is_synced = 1 WHERE local_id = ?`, localID)
		case core.KindProfile:
			_, err = tx.ExecContext(ctx, `UPDATE user_profiles SET is_data_modified = 0 WHERE local_id = ?`, localID)
		}
		if err != nil {
			return fmt.Errorf("mark %s synced flags: %w", kind, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.notify(kind, localID, OpStateChanged)
	return result, nil
}

// MarkFailed moves a SYNCING record to FAILED; it becomes eligible again at retryAt.
func (s *Store) MarkFailed(ctx context.Context, kind core.EntityKind, localID, reason string, retryAt time.Time) error {
	return s.endSyncing(ctx, kind, localID, core.SyncFailed, reason, retryAt)
}

// MarkConflict moves a SYNCING record to CONFLICT. It is not retried until the
// user edits it.
func (s *Store) MarkConflict(ctx context.Context, kind core.EntityKind, localID, reason string) error {
	return s.endSyncing(ctx, kind, localID, core.SyncConflict, reason, time.Time{})
}

func (s *Store) endSyncing(ctx context.Context, kind core.EntityKind, localID string, to core.SyncState, reason string, retryAt time.Time) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	err = s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE `+table+`
			SET sync_state = ?, attempts = attempts + 1, next_attempt_at = ?, last_error = ?
			WHERE local_id = ? AND sync_state = 'SYNCING'`,
			to, unixNanoOrZero(retryAt), reason, localID)
		if err != nil {
			return fmt.Errorf("mark %s %s: %w", kind, to, err)
		}
		return requireTransition(ctx, tx, res, table, localID, to)
	})
	if err != nil {
		return err
	}
	s.notify(kind, localID, OpStateChanged)
	return nil
}

func requireTransition(ctx context.Context, tx *sql.Tx, res sql.Result, table, localID string, to core.SyncState) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	rs, err := loadRowState(ctx, tx, table, localID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s cannot move from %s to %s: %w", table, localID, rs.state, to, core.ErrInvalidTransition)
}

// ResetSyncing moves every SYNCING record of userID to FAILED. Used at session
// start to recover from a process that died mid-pass.
func (s *Store) ResetSyncing(ctx context.Context, userID string) (int, error) {
	total := 0
	err := s.write(ctx, func(tx *sql.Tx) error {
		for _, kind := range core.SyncKinds() {
			table, _ := tableFor(kind)
			res, err := tx.ExecContext(ctx, `
				UPDATE `+table+`
				SET sync_state = 'FAILED', attempts = attempts + 1, next_attempt_at = 0, last_error = 'interrupted'
				WHERE user_id = ? AND sync_state = 'SYNCING'`, userID)
			if err != nil {
				return fmt.Errorf("reset syncing %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if total > 0 {
		slog.WarnContext(ctx, "Reset records left in SYNCING",
			applog.FieldComponent, applog.ComponentStore,
			applog.FieldUserID, userID,
			"count", total)
		for _, kind := range core.SyncKinds() {
			s.notify(kind, "", OpStateChanged)
		}
	}
	return total, nil
}

// SoftDelete records a user delete. Records the remote has never seen are
// removed at once; anything else keeps a deleted marker and is queued so the
// remote hears about it before the row is hard-deleted.
func (s *Store) SoftDelete(ctx context.Context, kind core.EntityKind, localID string) error {
	if kind == core.KindProfile {
		return fmt.Errorf("profiles cannot be deleted locally: %w", core.ErrInvalidTransition)
	}
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	var reopened string
	err = s.write(ctx, func(tx *sql.Tx) error {
		rs, err := loadRowState(ctx, tx, table, localID)
		if err != nil {
			return err
		}
		if rs.deleted {
			return nil
		}
		if kind == core.KindTransaction {
			if reopened, err = unlinkReceipt(ctx, tx, localID); err != nil {
				return err
			}
		}
		// A create may be in flight, so a SYNCING row is never dropped here.
		if !rs.remoteID.Valid && rs.state != core.SyncSyncing {
			_, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE local_id = ?`, localID)
			if err != nil {
				return fmt.Errorf("delete unsynced %s: %w", kind, err)
			}
			return nil
		}
		state := core.SyncPending
		if rs.state == core.SyncSyncing {
			state = core.SyncSyncing
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE `+table+`
			SET deleted = 1, sync_state = ?, updated_at = ?, next_attempt_at = 0, last_error = ''
			WHERE local_id = ?`,
			state, s.nextStamp(rs.updatedAt, 0), localID)
		if err != nil {
			return fmt.Errorf("soft delete %s: %w", kind, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(kind, localID, OpDeleted)
	if reopened != "" {
		s.notify(core.KindReceipt, reopened, OpUpserted)
	}
	return nil
}

// unlinkReceipt drops the link from a transaction to the receipt it was
// promoted from and marks that receipt unprocessed, so it can be promoted
// again. It returns the receipt's local id, or "" when there was no link.
func unlinkReceipt(ctx context.Context, tx *sql.Tx, txnLocalID string) (string, error) {
	var receiptID sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT receipt_local_id FROM transactions WHERE local_id = ?`, txnLocalID).Scan(&receiptID)
	if err != nil {
		return "", fmt.Errorf("load receipt link: %w", err)
	}
	if !receiptID.Valid || receiptID.String == "" {
		return "", nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE transactions SET receipt_local_id = NULL WHERE local_id = ?`, txnLocalID); err != nil {
		return "", fmt.Errorf("unlink receipt: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE receipts SET is_processed = 0 WHERE local_id = ?`, receiptID.String); err != nil {
		return "", fmt.Errorf("reopen receipt: %w", err)
	}
	return receiptID.String, nil
}

// AckDelete records that the remote accepted the deletion of a SYNCING,
// soft-deleted record.
func (s *Store) AckDelete(ctx context.Context, kind core.EntityKind, localID string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE `+table+` SET delete_acked = 1
			WHERE local_id = ? AND deleted = 1 AND sync_state = 'SYNCING'`, localID)
		if err != nil {
			return fmt.Errorf("ack delete %s: %w", kind, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("ack delete %s %s: %w", kind, localID, core.ErrInvalidTransition)
		}
		return nil
	})
}

// HardDelete removes a soft-deleted record whose deletion the remote has
// acknowledged. Calling it earlier is a programming error and fails loudly.
func (s *Store) HardDelete(ctx context.Context, kind core.EntityKind, localID string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		rs, err := loadRowState(ctx, tx, table, localID)
		if err != nil {
			return err
		}
		if !rs.deleted || (rs.remoteID.Valid && !rs.deleteAcked) {
			slog.ErrorContext(ctx, "Refusing hard delete before remote acknowledgment",
				applog.FieldComponent, applog.ComponentStore,
				applog.FieldOperation, applog.OpDelete,
				applog.FieldKind, kind,
				applog.FieldLocalID, localID,
				applog.FieldRemoteID, rs.remoteID.String,
				"deleted", rs.deleted)
			return fmt.Errorf("%s %s: %w", kind, localID, core.ErrDeleteNotAcknowledged)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE local_id = ?`, localID); err != nil {
			return fmt.Errorf("hard delete %s: %w", kind, err)
		}
		return nil
	})
}

// StateCounts is a per-kind histogram of sync states for status surfaces.
type StateCounts map[core.EntityKind]map[core.SyncState]int

// CountByState counts non-deleted and deleted-but-unsynced records by state.
func (s *Store) CountByState(ctx context.Context, userID string) (StateCounts, error) {
	out := make(StateCounts)
	for _, kind := range core.SyncKinds() {
		table, _ := tableFor(kind)
		rows, err := s.db.QueryContext(ctx,
			`SELECT sync_state, COUNT(*) FROM `+table+` WHERE user_id = ? GROUP BY sync_state`, userID)
		if err != nil {
			return nil, fmt.Errorf("count %s by state: %w", table, err)
		}
		counts := make(map[core.SyncState]int)
		for rows.Next() {
			var state core.SyncState
			var n int
			if err := rows.Scan(&state, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s counts: %w", table, err)
			}
			counts[state] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		out[kind] = counts
	}
	return out, nil
}
