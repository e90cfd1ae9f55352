package services

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"finsync/internal/cache"
	"finsync/internal/core"
	applog "finsync/internal/log"
)

// ReceiptServiceConfig holds configuration for receipt ingestion
type ReceiptServiceConfig struct {
	// MaxImageBytes bounds the encoded payload sent to OCR (default: 1 MiB)
	MaxImageBytes int

	// MaxImagePixels rejects larger images before decoding them (default: 40M)
	MaxImagePixels int

	// CacheSize is the number of OCR results kept in memory (default: 64)
	CacheSize int

	// CacheTTL is how long an OCR result stays reusable (default: 24h)
	CacheTTL time.Duration

	// DefaultCategory is used on promotion when OCR gave no category hint
	DefaultCategory string
}

// DefaultReceiptServiceConfig returns sensible defaults
func DefaultReceiptServiceConfig() ReceiptServiceConfig {
	return ReceiptServiceConfig{
		MaxImageBytes:   1 << 20,
		MaxImagePixels:  40_000_000,
		CacheSize:       64,
		CacheTTL:        24 * time.Hour,
		DefaultCategory: "Uncategorized",
	}
}

// ReceiptService turns receipt images into stored receipts and receipts into
// transactions.
type ReceiptService struct {
	store  ReceiptStore
	ocr    OCR
	cache  *cache.LRUCache[core.ReceiptExtraction]
	config ReceiptServiceConfig
}

func NewReceiptService(store ReceiptStore, ocr OCR, config ReceiptServiceConfig) *ReceiptService {
	def := DefaultReceiptServiceConfig()
	if config.MaxImageBytes <= 0 {
		config.MaxImageBytes = def.MaxImageBytes
	}
	if config.MaxImagePixels <= 0 {
		config.MaxImagePixels = def.MaxImagePixels
	}
	if config.CacheSize <= 0 {
		config.CacheSize = def.CacheSize
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if strings.TrimSpace(config.DefaultCategory) == "" {
		config.DefaultCategory = def.DefaultCategory
	}
	return &ReceiptService{
		store:  store,
		ocr:    ocr,
		cache:  cache.NewLRUCache[core.ReceiptExtraction](config.CacheSize, config.CacheTTL),
		config: config,
	}
}

// Cache exposes the OCR result cache so it can be registered for cleanup.
func (s *ReceiptService) Cache() *cache.LRUCache[core.ReceiptExtraction] {
	return s.cache
}

// Ingest decodes and normalizes img, extracts it through OCR and stores one
// complete receipt. Nothing is stored unless every step succeeds.
func (s *ReceiptService) Ingest(ctx context.Context, img io.Reader, userID string) (core.ReceiptTransaction, error) {
	if strings.TrimSpace(userID) == "" {
		return core.ReceiptTransaction{}, core.ErrMissingUser
	}
	start := time.Now()

	decoded, format, err := decodeImage(img, s.config.MaxImagePixels)
	if err != nil {
		slog.WarnContext(ctx, "Rejected receipt image",
			applog.FieldComponent, applog.ComponentIngest,
			applog.FieldUserID, userID,
			applog.FieldError, err)
		return core.ReceiptTransaction{}, err
	}

	payload, err := normalizeImage(decoded, s.config.MaxImageBytes)
	if err != nil {
		return core.ReceiptTransaction{}, err
	}

	sum := sha256.Sum256(payload)
	key := hex.EncodeToString(sum[:])

	extraction, hit := s.cache.Get(key)
	if !hit {
		extraction, err = s.ocr.SubmitOCR(ctx, base64.StdEncoding.EncodeToString(payload), userID)
		if err != nil {
			slog.WarnContext(ctx, "Receipt OCR failed",
				applog.FieldComponent, applog.ComponentIngest,
				applog.FieldOperation, applog.OpOCR,
				applog.FieldUserID, userID,
				applog.FieldBytes, len(payload),
				applog.FieldError, err)
			return core.ReceiptTransaction{}, fmt.Errorf("receipt ocr: %w", err)
		}
		s.cache.Set(key, extraction)
	}

	rt, err := s.store.InsertReceipt(ctx, core.ReceiptTransaction{
		Envelope:    core.Envelope{UserID: userID},
		Merchant:    extraction.Merchant,
		Total:       extraction.Total,
		Currency:    extraction.Currency,
		Confidence:  extraction.Confidence,
		LineItems:   extraction.LineItems,
		ReceiptDate: extraction.Date,
		Category:    extraction.Category,
	})
	if err != nil {
		if errors.Is(err, core.ErrInvalidConfidence) || errors.Is(err, core.ErrNegativeTotal) {
			return core.ReceiptTransaction{}, fmt.Errorf("ocr result rejected: %w: %w", core.ErrValidation, err)
		}
		return core.ReceiptTransaction{}, fmt.Errorf("store receipt: %w", err)
	}

	slog.InfoContext(ctx, "Receipt ingested",
		applog.FieldComponent, applog.ComponentIngest,
		applog.FieldOperation, applog.OpIngest,
		applog.FieldUserID, userID,
		applog.FieldLocalID, rt.LocalID,
		applog.FieldConfidence, rt.Confidence,
		applog.FieldBytes, len(payload),
		"format", format,
		"cache_hit", hit,
		applog.FieldDuration, time.Since(start).Milliseconds())
	return rt, nil
}

// Promote converts a receipt into an expense transaction. Promoting the same
// receipt again returns the transaction created the first time.
func (s *ReceiptService) Promote(ctx context.Context, receiptLocalID string) (core.Transaction, error) {
	rt, err := s.store.GetReceipt(ctx, receiptLocalID)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("promote receipt %s: %w", receiptLocalID, err)
	}
	known, err := s.store.ListCategories(ctx, rt.UserID)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("promote receipt %s: %w", receiptLocalID, err)
	}

	txn, created, err := s.store.PromoteReceipt(ctx, receiptLocalID, func(r core.ReceiptTransaction) core.Transaction {
		t := s.buildTransaction(r)
		t.Category = matchCategory(t.Category, known)
		return t
	})
	if err != nil {
		return core.Transaction{}, fmt.Errorf("promote receipt %s: %w", receiptLocalID, err)
	}
	if !created {
		slog.DebugContext(ctx, "Receipt already promoted",
			applog.FieldComponent, applog.ComponentIngest,
			applog.FieldOperation, applog.OpPromote,
			applog.FieldLocalID, receiptLocalID,
			"transaction_local_id", txn.LocalID)
	}
	return txn, nil
}

func (s *ReceiptService) buildTransaction(rt core.ReceiptTransaction) core.Transaction {
	category := rt.Category
	if strings.TrimSpace(category) == "" {
		category = s.config.DefaultCategory
	}
	date := rt.ReceiptDate
	if date.IsZero() {
		date = s.store.Now().UTC().Truncate(24 * time.Hour)
	}
	var notes string
	if n := len(rt.LineItems); n > 0 {
		names := make([]string, 0, n)
		for _, it := range rt.LineItems {
			names = append(names, it.Name)
		}
		notes = core.TruncateNotes(strings.Join(names, ", "))
	}
	return core.Transaction{
		Amount:   rt.Total.Neg(),
		Type:     core.Expense,
		Category: category,
		Date:     date,
		Merchant: rt.Merchant,
		Notes:    notes,
	}
}
