package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"finsync/internal/core"

	"github.com/shopspring/decimal"
)

const walletColumns = envelopeColumns + `, name, type, balance, color, icon`

func scanWallet(sc rowScanner) (core.Wallet, error) {
	var (
		r       envelopeRow
		w       core.Wallet
		balance string
	)
	dest := append(r.dest(), &w.Name, &w.Type, &balance, &w.Color, &w.Icon)
	if err := sc.Scan(dest...); err != nil {
		return w, err
	}
	w.Envelope = r.envelope()
	var err error
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return w, fmt.Errorf("parse stored balance %q: %w", balance, err)
	}
	return w, nil
}

// PutWallet upserts a locally edited wallet keyed by LocalID.
func (s *Store) PutWallet(ctx context.Context, w core.Wallet) (core.Wallet, error) {
	if w.LocalID == "" {
		w.LocalID = core.NewLocalID()
	}
	if err := w.Validate(); err != nil {
		return w, err
	}
	err := s.write(ctx, func(tx *sql.Tx) error {
		exists, err := s.prepareLocalWrite(ctx, tx, "wallets", &w.Envelope)
		if err != nil {
			return err
		}
		if !exists {
			return insertWallet(ctx, tx, w)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE wallets SET name = ?, type = ?, balance = ?, color = ?, icon = ?
			WHERE local_id = ?`,
			w.Name, w.Type, core.FormatAmount(w.Balance), w.Color, w.Icon, w.LocalID)
		if err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}
		return touchLocalWrite(ctx, tx, "wallets", w.Envelope)
	})
	if err != nil {
		return w, err
	}
	s.notify(core.KindWallet, w.LocalID, OpUpserted)
	return s.GetWallet(ctx, w.LocalID)
}

func insertWallet(ctx context.Context, tx *sql.Tx, w core.Wallet) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (
			local_id, user_id, remote_id, sync_state, updated_at,
			name, type, balance, color, icon
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.LocalID, w.UserID, nullString(w.RemoteID), w.SyncState, w.UpdatedAt,
		w.Name, w.Type, core.FormatAmount(w.Balance), w.Color, w.Icon)
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, localID string) (core.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE local_id = ?`, localID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return w, fmt.Errorf("wallet %s: %w", localID, core.ErrNotFound)
	}
	if err != nil {
		return w, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// ListWallets returns the user's visible wallets ordered by name.
func (s *Store) ListWallets(ctx context.Context, userID string) ([]core.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+walletColumns+` FROM wallets
		WHERE user_id = ? AND deleted = 0
		ORDER BY name ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []core.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ApplyRemoteWallet overwrites business fields of a SYNCED wallet. Display
// metadata is taken from the remote only when the remote sends it.
func (s *Store) ApplyRemoteWallet(ctx context.Context, localID string, remote core.Wallet) (bool, error) {
	var applied bool
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE wallets
			SET name = ?, type = ?, balance = ?,
			    color = CASE WHEN ? = '' THEN color ELSE ? END,
			    icon = CASE WHEN ? = '' THEN icon ELSE ? END
			WHERE local_id = ? AND sync_state = 'SYNCED' AND deleted = 0`,
			remote.Name, remote.Type, core.FormatAmount(remote.Balance),
			remote.Color, remote.Color, remote.Icon, remote.Icon, localID)
		if err != nil {
			return fmt.Errorf("apply remote wallet: %w", err)
		}
		n, err := res.RowsAffected()
		applied = n == 1
		return err
	})
	if err == nil && applied {
		s.notify(core.KindWallet, localID, OpUpserted)
	}
	return applied, err
}

// InsertRemoteWallet stores a wallet first seen on the remote as SYNCED.
func (s *Store) InsertRemoteWallet(ctx context.Context, w core.Wallet) (core.Wallet, error) {
	if w.RemoteID == "" {
		return w, fmt.Errorf("insert remote wallet without remote id: %w", core.ErrInvalidTransition)
	}
	w.LocalID = core.NewLocalID()
	w.SyncState = core.SyncSynced
	err := s.write(ctx, func(tx *sql.Tx) error {
		w.UpdatedAt = s.nextStamp(0, 0)
		return insertWallet(ctx, tx, w)
	})
	if err != nil {
		return w, err
	}
	s.notify(core.KindWallet, w.LocalID, OpUpserted)
	return w, nil
}
