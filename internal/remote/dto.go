package remote

import (
	"time"

	"finsync/internal/core"

	"github.com/shopspring/decimal"
)

// Wire shapes of the remote API. Amounts travel as decimal strings.

type transactionDTO struct {
	ID        string          `json:"id,omitempty"`
	LocalID   string          `json:"localId,omitempty"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Type      string          `json:"type"`
	Category  string          `json:"category"`
	Date      time.Time       `json:"date"`
	Merchant  string          `json:"merchant,omitempty"`
	Location  string          `json:"location,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	ReceiptID string          `json:"receiptId,omitempty"`
}

func toTransactionDTO(t core.Transaction) transactionDTO {
	return transactionDTO{
		ID:       t.RemoteID,
		LocalID:  t.LocalID,
		UserID:   t.UserID,
		Amount:   t.Amount,
		Type:     string(t.Type),
		Category: t.Category,
		Date:     t.Date.UTC(),
		Merchant: t.Merchant,
		Location: t.Location,
		Notes:    t.Notes,
	}
}

func (d transactionDTO) toCore() core.Transaction {
	return core.Transaction{
		Envelope: core.Envelope{RemoteID: d.ID, UserID: d.UserID},
		Amount:   d.Amount,
		Type:     core.TransactionType(d.Type),
		Category: d.Category,
		Date:     d.Date,
		Merchant: d.Merchant,
		Location: d.Location,
		Notes:    d.Notes,
	}
}

type walletDTO struct {
	ID      string          `json:"id,omitempty"`
	LocalID string          `json:"localId,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Balance decimal.Decimal `json:"balance"`
	Color   string          `json:"color,omitempty"`
	Icon    string          `json:"icon,omitempty"`
}

func toWalletDTO(w core.Wallet) walletDTO {
	return walletDTO{
		ID:      w.RemoteID,
		LocalID: w.LocalID,
		UserID:  w.UserID,
		Name:    w.Name,
		Type:    string(w.Type),
		Balance: w.Balance,
		Color:   w.Color,
		Icon:    w.Icon,
	}
}

func (d walletDTO) toCore() core.Wallet {
	return core.Wallet{
		Envelope: core.Envelope{RemoteID: d.ID, UserID: d.UserID},
		Name:     d.Name,
		Type:     core.WalletType(d.Type),
		Balance:  d.Balance,
		Color:    d.Color,
		Icon:     d.Icon,
	}
}

type walletSyncRequest struct {
	Wallets []walletDTO `json:"wallets"`
}

type walletSyncResult struct {
	LocalID string `json:"localId"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
	Status  int    `json:"status,omitempty"`
}

type walletSyncResponse struct {
	Results []walletSyncResult `json:"results"`
}

// BulkResult is the outcome of one wallet in a bulk push. Err is nil on
// success and otherwise wraps a taxonomy sentinel.
type BulkResult struct {
	LocalID  string
	RemoteID string
	Err      error
}

type profileDTO struct {
	ID       string `json:"id,omitempty"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Currency string `json:"currency,omitempty"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

func toProfileDTO(p core.UserProfile) profileDTO {
	return profileDTO{
		ID:       p.RemoteID,
		Email:    p.Email,
		Name:     p.Name,
		Currency: p.Currency,
		PhotoURL: p.PhotoURL,
	}
}

func (d profileDTO) toCore() core.UserProfile {
	return core.UserProfile{
		Envelope: core.Envelope{RemoteID: d.ID, UserID: d.ID, LocalID: d.ID},
		Email:    d.Email,
		Name:     d.Name,
		Currency: d.Currency,
		PhotoURL: d.PhotoURL,
	}
}

type lineItemDTO struct {
	Name     string          `json:"name"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

func toLineItemDTOs(items []core.LineItem) []lineItemDTO {
	out := make([]lineItemDTO, len(items))
	for i, it := range items {
		out[i] = lineItemDTO{Name: it.Name, Quantity: it.Quantity, Price: it.Price}
	}
	return out
}

func fromLineItemDTOs(items []lineItemDTO) []core.LineItem {
	out := make([]core.LineItem, len(items))
	for i, it := range items {
		out[i] = core.LineItem{Name: it.Name, Quantity: it.Quantity, Price: it.Price}
	}
	return out
}

type ocrRequest struct {
	Image  string `json:"image"`
	UserID string `json:"userId"`
}

type ocrResponse struct {
	Merchant   string          `json:"merchant"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency,omitempty"`
	Date       *time.Time      `json:"date,omitempty"`
	Category   string          `json:"category,omitempty"`
	Confidence float64         `json:"confidence"`
	LineItems  []lineItemDTO   `json:"lineItems"`
}

func (r ocrResponse) toCore() core.ReceiptExtraction {
	ex := core.ReceiptExtraction{
		Merchant:   r.Merchant,
		Total:      r.Total,
		Currency:   r.Currency,
		Category:   r.Category,
		Confidence: r.Confidence,
		LineItems:  fromLineItemDTOs(r.LineItems),
	}
	if r.Date != nil {
		ex.Date = *r.Date
	}
	return ex
}

type receiptDTO struct {
	ID         string          `json:"id,omitempty"`
	LocalID    string          `json:"localId"`
	UserID     string          `json:"userId"`
	Merchant   string          `json:"merchant"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency,omitempty"`
	Confidence float64         `json:"confidence"`
	LineItems  []lineItemDTO   `json:"lineItems"`
	Date       *time.Time      `json:"date,omitempty"`
	Category   string          `json:"category,omitempty"`
	Processed  bool            `json:"isProcessed"`
}

func toReceiptDTO(rt core.ReceiptTransaction) receiptDTO {
	d := receiptDTO{
		ID:         rt.RemoteID,
		LocalID:    rt.LocalID,
		UserID:     rt.UserID,
		Merchant:   rt.Merchant,
		Total:      rt.Total,
		Currency:   rt.Currency,
		Confidence: rt.Confidence,
		LineItems:  toLineItemDTOs(rt.LineItems),
		Category:   rt.Category,
		Processed:  rt.IsProcessed,
	}
	if !rt.ReceiptDate.IsZero() {
		date := rt.ReceiptDate.UTC()
		d.Date = &date
	}
	return d
}

// idResponse picks the identifier out of a create/update response. Some
// endpoints answer with the full object, some wrap it in "data".
type idResponse struct {
	ID   string `json:"id"`
	Data *struct {
		ID string `json:"id"`
	} `json:"data,omitempty"`
}

func (r idResponse) remoteID() string {
	if r.ID != "" {
		return r.ID
	}
	if r.Data != nil {
		return r.Data.ID
	}
	return ""
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
