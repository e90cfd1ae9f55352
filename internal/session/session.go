// Package session owns the signed-in identity on the device: the bearer
// credential, guest mode, and the context that bounds every sync pass.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"finsync/internal/core"
	applog "finsync/internal/log"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ProfileStore is the slice of the Local Store a session needs at sign-in.
type ProfileStore interface {
	SeedProfile(ctx context.Context, userID, email, name string) (core.UserProfile, error)
	ResetSyncing(ctx context.Context, userID string) (int, error)
}

// Manager holds at most one session at a time. It implements
// oauth2.TokenSource for the remote gateway and the sync gate for the
// coordinator.
type Manager struct {
	store ProfileStore
	now   func() time.Time

	mu     sync.RWMutex
	guest  bool
	cb     Callback
	expiry time.Time // zero when the token carries no exp claim
	ctx    context.Context
	cancel context.CancelFunc

	// users whose leftover SYNCING rows were already released by this process
	released map[string]bool
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store ProfileStore, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now, released: make(map[string]bool)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin starts a signed-in session from a parsed callback. The profile is
// seeded from the identity payload and any rows a previous process left in
// SYNCING are released for retry. Rows in SYNCING at a later Begin belong to
// passes of this process, which settle them; they are left alone.
//
// Beginning again for the signed-in user only swaps the credential: passes
// running under the current session context keep going.
func (m *Manager) Begin(ctx context.Context, cb Callback) error {
	expiry, err := TokenExpiry(cb.Token)
	if err != nil {
		return err
	}
	if !expiry.IsZero() && !m.now().Before(expiry) {
		return fmt.Errorf("token expired at %s: %w", expiry.Format(time.RFC3339), core.ErrAuth)
	}

	if _, err := m.store.SeedProfile(ctx, cb.UserID, cb.Email, cb.Name); err != nil {
		return fmt.Errorf("seed profile: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.released[cb.UserID] {
		if _, err := m.store.ResetSyncing(ctx, cb.UserID); err != nil {
			return fmt.Errorf("reset interrupted sync: %w", err)
		}
		m.released[cb.UserID] = true
	}

	sameUser := m.ctx != nil && !m.guest && m.cb.UserID == cb.UserID
	if !sameUser {
		if m.cancel != nil {
			m.cancel()
		}
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	m.guest = false
	m.cb = cb
	m.expiry = expiry

	slog.InfoContext(ctx, "Session started",
		applog.FieldComponent, applog.ComponentSession,
		applog.FieldUserID, cb.UserID,
		"expires_at", expiry)
	return nil
}

// BeginGuest starts a local-only session. Data is stored under userID but
// nothing is synced.
func (m *Manager) BeginGuest(userID string) {
	sessCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.guest = true
	m.cb = Callback{UserID: userID, Guest: true}
	m.expiry = time.Time{}
	m.ctx = sessCtx
	m.cancel = cancel
	m.mu.Unlock()

	slog.Info("Guest session started",
		applog.FieldComponent, applog.ComponentSession,
		applog.FieldUserID, userID)
}

// Restore resumes a session saved with SaveCredentials.
func (m *Manager) Restore(ctx context.Context, cb Callback) error {
	if cb.Guest {
		if cb.UserID == "" {
			return fmt.Errorf("%w: guest session without user id", ErrInvalidCallback)
		}
		m.BeginGuest(cb.UserID)
		return nil
	}
	return m.Begin(ctx, cb)
}

// SignOut clears the credential and cancels the session context, which
// aborts any sync pass running under it.
func (m *Manager) SignOut() {
	m.mu.Lock()
	cancel := m.cancel
	userID := m.cb.UserID
	m.cb = Callback{}
	m.guest = false
	m.expiry = time.Time{}
	m.cancel = nil
	m.ctx = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		slog.Info("Session ended",
			applog.FieldComponent, applog.ComponentSession,
			applog.FieldUserID, userID)
	}
}

// Context returns the session context. Without a session it is already
// cancelled.
func (m *Manager) Context() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ctx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return m.ctx
}

func (m *Manager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cb.UserID
}

func (m *Manager) IsGuest() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.guest
}

// Credentials returns the current callback payload, for persisting between runs.
func (m *Manager) Credentials() Callback {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cb
}

// CheckSync reports whether userID may sync right now.
func (m *Manager) CheckSync(userID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.guest {
		return core.ErrGuestMode
	}
	if m.cb.Token == "" {
		return fmt.Errorf("no active session: %w", core.ErrAuth)
	}
	if m.cb.UserID != userID {
		return fmt.Errorf("session belongs to another user: %w", core.ErrAuth)
	}
	if !m.expiry.IsZero() && !m.now().Before(m.expiry) {
		return fmt.Errorf("token expired: %w", core.ErrAuth)
	}
	return nil
}

// Token implements oauth2.TokenSource.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cb.Token == "" {
		return nil, fmt.Errorf("no credential: %w", core.ErrAuth)
	}
	if !m.expiry.IsZero() && !m.now().Before(m.expiry) {
		return nil, fmt.Errorf("token expired: %w", core.ErrAuth)
	}
	return &oauth2.Token{AccessToken: m.cb.Token, TokenType: "Bearer", Expiry: m.expiry}, nil
}

var _ oauth2.TokenSource = (*Manager)(nil)

// TokenExpiry reads the exp claim of a JWT without verifying its signature;
// the device never holds the signing key. Tokens that are not JWTs, or carry
// no exp claim, report a zero time.
func TokenExpiry(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, fmt.Errorf("empty token: %w", core.ErrAuth)
	}
	claims := jwtlib.MapClaims{}
	_, _, err := jwtlib.NewParser().ParseUnverified(token, claims)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenMalformed) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("read token claims: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
