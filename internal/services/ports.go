package services

import (
	"context"
	"time"

	"finsync/internal/core"
	"finsync/internal/remote"
)

// Store is the Local Store surface the coordinator drives.
type Store interface {
	Now() time.Time

	QueryPendingSync(ctx context.Context, userID string, kind core.EntityKind) ([]core.Envelope, error)
	FindByRemoteID(ctx context.Context, kind core.EntityKind, userID, remoteID string) (core.Envelope, error)
	MarkSyncing(ctx context.Context, kind core.EntityKind, localID string) (core.Envelope, error)
	MarkSynced(ctx context.Context, kind core.EntityKind, localID, remoteID string) (core.SyncState, error)
	MarkFailed(ctx context.Context, kind core.EntityKind, localID, reason string, retryAt time.Time) error
	MarkConflict(ctx context.Context, kind core.EntityKind, localID, reason string) error
	AckDelete(ctx context.Context, kind core.EntityKind, localID string) error
	HardDelete(ctx context.Context, kind core.EntityKind, localID string) error

	GetTransaction(ctx context.Context, localID string) (core.Transaction, error)
	ApplyRemoteTransaction(ctx context.Context, localID string, remote core.Transaction) (bool, error)
	InsertRemoteTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)

	GetWallet(ctx context.Context, localID string) (core.Wallet, error)
	ApplyRemoteWallet(ctx context.Context, localID string, remote core.Wallet) (bool, error)
	InsertRemoteWallet(ctx context.Context, w core.Wallet) (core.Wallet, error)

	GetReceipt(ctx context.Context, localID string) (core.ReceiptTransaction, error)

	GetProfile(ctx context.Context, userID string) (core.UserProfile, error)
	SeedProfile(ctx context.Context, userID, email, name string) (core.UserProfile, error)
	ApplyRemoteProfile(ctx context.Context, remote core.UserProfile) (bool, error)
}

// Remote is the gateway surface the coordinator pushes to and pulls from.
type Remote interface {
	CreateTransaction(ctx context.Context, t core.Transaction) (string, error)
	UpdateTransaction(ctx context.Context, t core.Transaction) (string, error)
	DeleteTransaction(ctx context.Context, remoteID string) error
	ListTransactions(ctx context.Context, userID string) ([]core.Transaction, error)

	CreateWallet(ctx context.Context, w core.Wallet) (string, error)
	UpdateWallet(ctx context.Context, w core.Wallet) (string, error)
	DeleteWallet(ctx context.Context, remoteID string) error
	ListWallets(ctx context.Context, userID string) ([]core.Wallet, error)
	SyncWallets(ctx context.Context, wallets []core.Wallet) ([]remote.BulkResult, error)

	CreateReceipt(ctx context.Context, rt core.ReceiptTransaction) (string, error)
	UpdateReceipt(ctx context.Context, rt core.ReceiptTransaction) (string, error)
	DeleteReceipt(ctx context.Context, remoteID string) error

	GetProfile(ctx context.Context) (core.UserProfile, error)
	UpdateProfile(ctx context.Context, p core.UserProfile) (string, error)
}

// Gate decides whether a user may sync at all. It returns core.ErrGuestMode
// or an error wrapping core.ErrAuth when not.
type Gate interface {
	CheckSync(userID string) error
}

// OCR extracts receipt data from a base64-encoded image.
type OCR interface {
	SubmitOCR(ctx context.Context, imageBase64, userID string) (core.ReceiptExtraction, error)
}

// ReceiptStore is the Local Store surface the ingestion pipeline needs.
type ReceiptStore interface {
	Now() time.Time
	InsertReceipt(ctx context.Context, rt core.ReceiptTransaction) (core.ReceiptTransaction, error)
	GetReceipt(ctx context.Context, localID string) (core.ReceiptTransaction, error)
	ListCategories(ctx context.Context, userID string) ([]string, error)
	PromoteReceipt(ctx context.Context, receiptLocalID string, build func(core.ReceiptTransaction) core.Transaction) (core.Transaction, bool, error)
}
