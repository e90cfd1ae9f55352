// Package storage is the on-device Local Store: durable CRUD over the
// synchronizable entities plus the atomic sync-state transitions the
// coordinator relies on.
//
// All writes are serialized by a single write lock and run inside one SQLite
// transaction, so every transition is a single invariant-preserving write.
// Reads do not take the lock.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"finsync/internal/core"
	applog "finsync/internal/log"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB

	// writeMu serializes every mutation; lastStamp is guarded by it.
	writeMu   sync.Mutex
	clock     func() time.Time
	lastStamp int64

	subsMu  sync.Mutex
	subs    map[core.EntityKind]map[int]chan Change
	nextSub int
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for updated_at stamps and retry times.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// Open opens (creating if needed) the SQLite database at dbPath and applies migrations.
func Open(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := buildDSN(dbPath)

	if err := RunMigrations(dsn); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:    db,
		clock: time.Now,
		subs:  make(map[core.EntityKind]map[int]chan Change),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadLastStamp(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func buildDSN(dbPath string) string {
	return "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"
}

func (s *Store) Close() error {
	s.subsMu.Lock()
	for kind, m := range s.subs {
		for id, ch := range m {
			close(ch)
			delete(m, id)
		}
		delete(s.subs, kind)
	}
	s.subsMu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.clock()
}

// loadLastStamp seeds the monotonic stamp from what is already on disk, so a
// wall clock that moved backwards between runs cannot produce older stamps.
func (s *Store) loadLastStamp(ctx context.Context) error {
	var maxStamp sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(m) FROM (
			SELECT MAX(updated_at) AS m FROM transactions
			UNION ALL SELECT MAX(updated_at) FROM wallets
			UNION ALL SELECT MAX(updated_at) FROM receipts
			UNION ALL SELECT MAX(updated_at) FROM user_profiles
			UNION ALL SELECT MAX(updated_at) FROM security_settings
		)`).Scan(&maxStamp)
	if err != nil {
		return fmt.Errorf("load last stamp: %w", err)
	}
	s.lastStamp = maxStamp.Int64
	return nil
}

// nextStamp returns the updated_at value for a local mutation. A non-zero
// requested stamp is used verbatim (the caller already passed the stale-write
// guard); otherwise the stamp is strictly greater than both stored and every
// stamp handed out before. Must be called with writeMu held.
func (s *Store) nextStamp(stored, requested int64) int64 {
	if requested != 0 {
		if requested > s.lastStamp {
			s.lastStamp = requested
		}
		return requested
	}
	now := s.clock().UnixNano()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	if now <= stored {
		now = stored + 1
	}
	s.lastStamp = now
	return now
}

// write runs fn inside a serialized transaction.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "Failed to roll back transaction",
				applog.FieldComponent, applog.ComponentStore,
				applog.FieldErrorType, applog.ErrorTypeDatabase,
				applog.FieldError, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func tableFor(kind core.EntityKind) (string, error) {
	switch kind {
	case core.KindTransaction:
		return "transactions", nil
	case core.KindWallet:
		return "wallets", nil
	case core.KindReceipt:
		return "receipts", nil
	case core.KindProfile:
		return "user_profiles", nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeFromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
