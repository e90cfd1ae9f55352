package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"finsync/internal/core"
	applog "finsync/internal/log"

	"github.com/shopspring/decimal"
)

const receiptColumns = envelopeColumns +
	`, merchant, total, currency, confidence, line_items, receipt_date, category, is_processed, is_synced`

// lineItemJSON is the on-disk shape of a receipt line item.
type lineItemJSON struct {
	Name     string          `json:"name"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

func encodeLineItems(items []core.LineItem) (string, error) {
	out := make([]lineItemJSON, len(items))
	for i, it := range items {
		out[i] = lineItemJSON{Name: it.Name, Quantity: it.Quantity, Price: it.Price}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode line items: %w", err)
	}
	return string(b), nil
}

func decodeLineItems(s string) ([]core.LineItem, error) {
	var in []lineItemJSON
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		return nil, fmt.Errorf("decode line items: %w", err)
	}
	out := make([]core.LineItem, len(in))
	for i, it := range in {
		out[i] = core.LineItem{Name: it.Name, Quantity: it.Quantity, Price: it.Price}
	}
	return out, nil
}

func scanReceipt(sc rowScanner) (core.ReceiptTransaction, error) {
	var (
		r         envelopeRow
		rt        core.ReceiptTransaction
		total     string
		lineItems string
		date      string
	)
	dest := append(r.dest(), &rt.Merchant, &total, &rt.Currency, &rt.Confidence, &lineItems,
		&date, &rt.Category, &rt.IsProcessed, &rt.IsSynced)
	if err := sc.Scan(dest...); err != nil {
		return rt, err
	}
	rt.Envelope = r.envelope()
	var err error
	if rt.Total, err = decimal.NewFromString(total); err != nil {
		return rt, fmt.Errorf("parse stored total %q: %w", total, err)
	}
	if rt.LineItems, err = decodeLineItems(lineItems); err != nil {
		return rt, err
	}
	if rt.ReceiptDate, err = parseTime(date); err != nil {
		return rt, err
	}
	return rt, nil
}

// InsertReceipt stores a freshly ingested receipt as one complete row.
func (s *Store) InsertReceipt(ctx context.Context, rt core.ReceiptTransaction) (core.ReceiptTransaction, error) {
	if rt.LocalID == "" {
		rt.LocalID = core.NewLocalID()
	}
	if err := rt.Validate(); err != nil {
		return rt, err
	}
	rt.IsProcessed = false
	rt.IsSynced = false
	items, err := encodeLineItems(rt.LineItems)
	if err != nil {
		return rt, err
	}
	err = s.write(ctx, func(tx *sql.Tx) error {
		exists, err := s.prepareLocalWrite(ctx, tx, "receipts", &rt.Envelope)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("receipt %s already exists: %w", rt.LocalID, core.ErrInvalidTransition)
		}
		return insertReceipt(ctx, tx, rt, items)
	})
	if err != nil {
		return rt, err
	}
	s.notify(core.KindReceipt, rt.LocalID, OpUpserted)
	return s.GetReceipt(ctx, rt.LocalID)
}

func insertReceipt(ctx context.Context, tx *sql.Tx, rt core.ReceiptTransaction, items string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO receipts (
			local_id, user_id, remote_id, sync_state, updated_at,
			merchant, total, currency, confidence, line_items, receipt_date, category, is_processed, is_synced
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rt.LocalID, rt.UserID, nullString(rt.RemoteID), rt.SyncState, rt.UpdatedAt,
		rt.Merchant, core.FormatAmount(rt.Total), rt.Currency, rt.Confidence, items,
		formatTime(rt.ReceiptDate), rt.Category, boolInt(rt.IsProcessed), boolInt(rt.IsSynced))
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// PutReceipt applies a user correction to the extracted fields. Processing and
// sync flags are not taken from the caller.
func (s *Store) PutReceipt(ctx context.Context, rt core.ReceiptTransaction) (core.ReceiptTransaction, error) {
	if rt.LocalID == "" {
		return s.InsertReceipt(ctx, rt)
	}
	if err := rt.Validate(); err != nil {
		return rt, err
	}
	items, err := encodeLineItems(rt.LineItems)
	if err != nil {
		return rt, err
	}
	err = s.write(ctx, func(tx *sql.Tx) error {
		exists, err := s.prepareLocalWrite(ctx, tx, "receipts", &rt.Envelope)
		if err != nil {
			return err
		}
		if !exists {
			rt.IsProcessed, rt.IsSynced = false, false
			return insertReceipt(ctx, tx, rt, items)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE receipts
			SET merchant = ?, total = ?, currency = ?, line_items = ?, receipt_date = ?, category = ?, is_synced = 0
			WHERE local_id = ?`,
			rt.Merchant, core.FormatAmount(rt.Total), rt.Currency, items,
			formatTime(rt.ReceiptDate), rt.Category, rt.LocalID)
		if err != nil {
			return fmt.Errorf("update receipt: %w", err)
		}
		return touchLocalWrite(ctx, tx, "receipts", rt.Envelope)
	})
	if err != nil {
		return rt, err
	}
	s.notify(core.KindReceipt, rt.LocalID, OpUpserted)
	return s.GetReceipt(ctx, rt.LocalID)
}

func (s *Store) GetReceipt(ctx context.Context, localID string) (core.ReceiptTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE local_id = ?`, localID)
	rt, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rt, fmt.Errorf("receipt %s: %w", localID, core.ErrNotFound)
	}
	if err != nil {
		return rt, fmt.Errorf("get receipt: %w", err)
	}
	return rt, nil
}

// ListUnprocessedReceipts returns receipts not yet promoted to a transaction.
func (s *Store) ListUnprocessedReceipts(ctx context.Context, userID string) ([]core.ReceiptTransaction, error) {
	return s.listReceipts(ctx, `user_id = ? AND deleted = 0 AND is_processed = 0`, userID)
}

// ListUnsyncedReceipts returns receipts the remote has not stored yet.
func (s *Store) ListUnsyncedReceipts(ctx context.Context, userID string) ([]core.ReceiptTransaction, error) {
	return s.listReceipts(ctx, `user_id = ? AND deleted = 0 AND is_synced = 0`, userID)
}

func (s *Store) listReceipts(ctx context.Context, where string, args ...any) ([]core.ReceiptTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE `+where+` ORDER BY updated_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var out []core.ReceiptTransaction
	for rows.Next() {
		rt, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// PromoteReceipt converts a receipt into a transaction built by build. The
// check and both writes happen in one transaction: a receipt already processed
// yields its existing transaction and created=false.
func (s *Store) PromoteReceipt(
	ctx context.Context,
	receiptLocalID string,
	build func(core.ReceiptTransaction) core.Transaction,
) (txn core.Transaction, created bool, err error) {
	err = s.write(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE local_id = ?`, receiptLocalID)
		rt, err := scanReceipt(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("receipt %s: %w", receiptLocalID, core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load receipt: %w", err)
		}
		if rt.Deleted {
			return fmt.Errorf("receipt %s is deleted: %w", receiptLocalID, core.ErrNotFound)
		}

		if rt.IsProcessed {
			row := tx.QueryRowContext(ctx,
				`SELECT `+transactionColumns+` FROM transactions WHERE receipt_local_id = ? AND deleted = 0`, receiptLocalID)
			txn, err = scanTransaction(row)
			switch {
			case err == nil:
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("load promoted transaction for receipt %s: %w", receiptLocalID, err)
			}
			// Processed flag without a live transaction: promote again.
			slog.WarnContext(ctx, "Processed receipt has no transaction",
				applog.FieldComponent, applog.ComponentStore,
				applog.FieldOperation, applog.OpPromote,
				applog.FieldLocalID, receiptLocalID)
			if _, err := tx.ExecContext(ctx,
				`UPDATE transactions SET receipt_local_id = NULL WHERE receipt_local_id = ?`, receiptLocalID); err != nil {
				return fmt.Errorf("unlink deleted transaction: %w", err)
			}
			txn = core.Transaction{}
		}

		txn = build(rt)
		txn.LocalID = core.NewLocalID()
		txn.UserID = rt.UserID
		txn.ReceiptLocalID = rt.LocalID
		txn.UpdatedAt = 0
		if err := txn.Validate(); err != nil {
			return err
		}
		if _, err := s.prepareLocalWrite(ctx, tx, "transactions", &txn.Envelope); err != nil {
			return err
		}
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE receipts SET is_processed = 1 WHERE local_id = ?`, receiptLocalID); err != nil {
			return fmt.Errorf("mark receipt processed: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return txn, false, err
	}
	if created {
		slog.InfoContext(ctx, "Receipt promoted to transaction",
			applog.FieldComponent, applog.ComponentStore,
			applog.FieldOperation, applog.OpPromote,
			applog.FieldLocalID, receiptLocalID,
			"transaction_local_id", txn.LocalID)
		s.notify(core.KindTransaction, txn.LocalID, OpUpserted)
		s.notify(core.KindReceipt, receiptLocalID, OpUpserted)
	}
	return txn, created, nil
}
