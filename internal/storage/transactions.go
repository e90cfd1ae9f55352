package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"finsync/internal/core"

	"github.com/shopspring/decimal"
)

const transactionColumns = envelopeColumns + `, amount, type, category, date, merchant, location, notes, receipt_local_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(sc rowScanner) (core.Transaction, error) {
	var (
		r       envelopeRow
		t       core.Transaction
		amount  string
		date    string
		receipt sql.NullString
	)
	dest := append(r.dest(), &amount, &t.Type, &t.Category, &date, &t.Merchant, &t.Location, &t.Notes, &receipt)
	if err := sc.Scan(dest...); err != nil {
		return t, err
	}
	t.Envelope = r.envelope()
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return t, fmt.Errorf("parse stored amount %q: %w", amount, err)
	}
	if t.Date, err = parseTime(date); err != nil {
		return t, err
	}
	t.ReceiptLocalID = receipt.String
	return t, nil
}

// PutTransaction upserts a locally edited transaction keyed by LocalID. A zero
// LocalID creates a new record. See prepareLocalWrite for the stale-write guard.
func (s *Store) PutTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if t.LocalID == "" {
		t.LocalID = core.NewLocalID()
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	err := s.write(ctx, func(tx *sql.Tx) error {
		exists, err := s.prepareLocalWrite(ctx, tx, "transactions", &t.Envelope)
		if err != nil {
			return err
		}
		if !exists {
			return insertTransaction(ctx, tx, t)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE transactions
			SET amount = ?, type = ?, category = ?, date = ?, merchant = ?, location = ?, notes = ?, receipt_local_id = ?
			WHERE local_id = ?`,
			core.FormatAmount(t.Amount), t.Type, t.Category, formatTime(t.Date),
			t.Merchant, t.Location, t.Notes, nullString(t.ReceiptLocalID), t.LocalID)
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		return touchLocalWrite(ctx, tx, "transactions", t.Envelope)
	})
	if err != nil {
		return t, err
	}
	s.notify(core.KindTransaction, t.LocalID, OpUpserted)
	return s.GetTransaction(ctx, t.LocalID)
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t core.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (
			local_id, user_id, remote_id, sync_state, updated_at,
			amount, type, category, date, merchant, location, notes, receipt_local_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.LocalID, t.UserID, nullString(t.RemoteID), t.SyncState, t.UpdatedAt,
		core.FormatAmount(t.Amount), t.Type, t.Category, formatTime(t.Date),
		t.Merchant, t.Location, t.Notes, nullString(t.ReceiptLocalID))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, localID string) (core.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE local_id = ?`, localID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("transaction %s: %w", localID, core.ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// ListTransactions returns the user's visible transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string) ([]core.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = ? AND deleted = 0
		ORDER BY date DESC, updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListCategories returns the distinct categories of the user's visible
// transactions, sorted.
func (s *Store) ListCategories(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT category FROM transactions
		WHERE user_id = ? AND deleted = 0
		ORDER BY category`, userID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ApplyRemoteTransaction overwrites business fields of a SYNCED local record
// with the remote's copy. Records in any other state are left alone; the
// return value reports whether the overwrite happened.
func (s *Store) ApplyRemoteTransaction(ctx context.Context, localID string, remote core.Transaction) (bool, error) {
	var applied bool
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET amount = ?, type = ?, category = ?, date = ?, merchant = ?, location = ?, notes = ?
			WHERE local_id = ? AND sync_state = 'SYNCED' AND deleted = 0`,
			core.FormatAmount(remote.Amount), remote.Type, remote.Category, formatTime(remote.Date),
			remote.Merchant, remote.Location, remote.Notes, localID)
		if err != nil {
			return fmt.Errorf("apply remote transaction: %w", err)
		}
		n, err := res.RowsAffected()
		applied = n == 1
		return err
	})
	if err == nil && applied {
		s.notify(core.KindTransaction, localID, OpUpserted)
	}
	return applied, err
}

// InsertRemoteTransaction stores a record first seen on the remote as SYNCED.
func (s *Store) InsertRemoteTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if t.RemoteID == "" {
		return t, fmt.Errorf("insert remote transaction without remote id: %w", core.ErrInvalidTransition)
	}
	t.LocalID = core.NewLocalID()
	t.SyncState = core.SyncSynced
	err := s.write(ctx, func(tx *sql.Tx) error {
		t.UpdatedAt = s.nextStamp(0, 0)
		return insertTransaction(ctx, tx, t)
	})
	if err != nil {
		return t, err
	}
	s.notify(core.KindTransaction, t.LocalID, OpUpserted)
	return t, nil
}
