package core

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	Income  TransactionType = "INCOME"
	Expense TransactionType = "EXPENSE"
)

const (
	WalletCash       WalletType = "CASH"
	WalletBank       WalletType = "BANK"
	WalletEWallet    WalletType = "E_WALLET"
	WalletInvestment WalletType = "INVESTMENT"
	WalletDebt       WalletType = "DEBT"
)

type (
	TransactionType string

	WalletType string

	Transaction struct {
		Envelope
		Amount   decimal.Decimal // signed
		Type     TransactionType
		Category string
		Date     time.Time
		Merchant string
		Location string
		Notes    string
		// ReceiptLocalID is a weak reference; the receipt lifecycle is not owned here.
		ReceiptLocalID string
	}

	Wallet struct {
		Envelope
		Name    string
		Type    WalletType
		Balance decimal.Decimal
		// Display metadata, never compared during merge.
		Color string
		Icon  string
	}

	LineItem struct {
		Name     string
		Quantity decimal.Decimal
		Price    decimal.Decimal
	}

	ReceiptTransaction struct {
		Envelope
		Merchant    string
		Total       decimal.Decimal
		Currency    string
		Confidence  float64
		LineItems   []LineItem
		ReceiptDate time.Time
		Category    string
		IsProcessed bool
		IsSynced    bool
	}

	UserProfile struct {
		Envelope
		Email          string
		Name           string
		Currency       string
		PhotoURL       string
		IsDataModified bool
	}

	// ReceiptExtraction is what the OCR collaborator returns for one image.
	ReceiptExtraction struct {
		Merchant   string
		Total      decimal.Decimal
		Currency   string
		Date       time.Time
		Category   string
		Confidence float64
		LineItems  []LineItem
	}

	// SecuritySettings never leave the device.
	SecuritySettings struct {
		UserID           string
		PINHash          string
		BiometricEnabled bool
		AutoLockAfter    time.Duration
		UpdatedAt        int64
	}
)

var (
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidWalletType      = errors.New("invalid wallet type")
	ErrEmptyCategory          = errors.New("empty category")
	ErrEmptyWalletName        = errors.New("empty wallet name")
	ErrMissingDate            = errors.New("missing date")
	ErrMissingUser            = errors.New("missing user id")
	ErrNegativeTotal          = errors.New("receipt total cannot be negative")
	ErrInvalidConfidence      = errors.New("confidence must be between 0 and 1")
	ErrNotesTooLong           = errors.New("notes too long (max 500 bytes)")
)

const MaxNotesLength = 500

// TruncateNotes shortens s to fit MaxNotesLength without splitting a rune.
func TruncateNotes(s string) string {
	if len(s) <= MaxNotesLength {
		return s
	}
	cut := MaxNotesLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (t TransactionType) IsValid() bool {
	return t == Income || t == Expense
}

func (t WalletType) IsValid() bool {
	switch t {
	case WalletCash, WalletBank, WalletEWallet, WalletInvestment, WalletDebt:
		return true
	}
	return false
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return ErrMissingUser
	}
	if !t.Type.IsValid() {
		return ErrInvalidTransactionType
	}
	if strings.TrimSpace(t.Category) == "" {
		return ErrEmptyCategory
	}
	if t.Date.IsZero() {
		return ErrMissingDate
	}
	if len(t.Notes) > MaxNotesLength {
		return ErrNotesTooLong
	}
	return nil
}

func (w Wallet) Validate() error {
	if strings.TrimSpace(w.UserID) == "" {
		return ErrMissingUser
	}
	if strings.TrimSpace(w.Name) == "" {
		return ErrEmptyWalletName
	}
	if len(w.Name) > 100 {
		return errors.New("wallet name too long (max 100 characters)")
	}
	if !w.Type.IsValid() {
		return ErrInvalidWalletType
	}
	return nil
}

func (r ReceiptTransaction) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return ErrMissingUser
	}
	if r.Total.IsNegative() {
		return ErrNegativeTotal
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return ErrInvalidConfidence
	}
	return nil
}

func (p UserProfile) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return ErrMissingUser
	}
	if p.LocalID != "" && p.LocalID != p.UserID {
		return errors.New("profile local id must equal user id")
	}
	return nil
}

// SameBusinessFields reports whether two wallets agree on everything except
// display metadata and the sync envelope.
func (w Wallet) SameBusinessFields(o Wallet) bool {
	return w.Name == o.Name && w.Type == o.Type && w.Balance.Equal(o.Balance)
}
