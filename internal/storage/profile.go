package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"finsync/internal/core"
)

const profileColumns = envelopeColumns + `, email, name, currency, photo_url, is_data_modified`

func scanProfile(sc rowScanner) (core.UserProfile, error) {
	var (
		r envelopeRow
		p core.UserProfile
	)
	dest := append(r.dest(), &p.Email, &p.Name, &p.Currency, &p.PhotoURL, &p.IsDataModified)
	if err := sc.Scan(dest...); err != nil {
		return p, err
	}
	p.Envelope = r.envelope()
	return p, nil
}

// GetProfile returns the profile of userID.
func (s *Store) GetProfile(ctx context.Context, userID string) (core.UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE user_id = ?`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("profile %s: %w", userID, core.ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// SeedProfile creates or refreshes the profile from a successful sign-in. The
// identity provider is authoritative here, so the row is SYNCED with the user
// id as remote id. A profile with unpushed local edits keeps them.
func (s *Store) SeedProfile(ctx context.Context, userID, email, name string) (core.UserProfile, error) {
	if userID == "" {
		return core.UserProfile{}, core.ErrMissingUser
	}
	err := s.write(ctx, func(tx *sql.Tx) error {
		rs, err := loadRowState(ctx, tx, "user_profiles", userID)
		if errors.Is(err, core.ErrNotFound) {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO user_profiles (local_id, user_id, remote_id, sync_state, updated_at, email, name)
				VALUES (?, ?, ?, 'SYNCED', ?, ?, ?)`,
				userID, userID, userID, s.nextStamp(0, 0), email, name)
			if err != nil {
				return fmt.Errorf("insert profile: %w", err)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if rs.state != core.SyncSynced {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE user_profiles SET email = ?, name = ?
			WHERE local_id = ? AND is_data_modified = 0`, email, name, userID)
		if err != nil {
			return fmt.Errorf("refresh profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.UserProfile{}, err
	}
	s.notify(core.KindProfile, userID, OpUpserted)
	return s.GetProfile(ctx, userID)
}

// PutProfile applies a local profile edit and marks it modified.
func (s *Store) PutProfile(ctx context.Context, p core.UserProfile) (core.UserProfile, error) {
	p.LocalID = p.UserID
	if err := p.Validate(); err != nil {
		return p, err
	}
	err := s.write(ctx, func(tx *sql.Tx) error {
		exists, err := s.prepareLocalWrite(ctx, tx, "user_profiles", &p.Envelope)
		if err != nil {
			return err
		}
		if !exists {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO user_profiles (
					local_id, user_id, sync_state, updated_at, email, name, currency, photo_url, is_data_modified
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
				p.LocalID, p.UserID, p.SyncState, p.UpdatedAt, p.Email, p.Name, p.Currency, p.PhotoURL)
			if err != nil {
				return fmt.Errorf("insert profile: %w", err)
			}
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE user_profiles
			SET email = ?, name = ?, currency = ?, photo_url = ?, is_data_modified = 1
			WHERE local_id = ?`,
			p.Email, p.Name, p.Currency, p.PhotoURL, p.LocalID)
		if err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
		return touchLocalWrite(ctx, tx, "user_profiles", p.Envelope)
	})
	if err != nil {
		return p, err
	}
	s.notify(core.KindProfile, p.LocalID, OpUpserted)
	return s.GetProfile(ctx, p.UserID)
}

// ApplyRemoteProfile overwrites a SYNCED, unmodified profile with the remote copy.
func (s *Store) ApplyRemoteProfile(ctx context.Context, remote core.UserProfile) (bool, error) {
	var applied bool
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE user_profiles
			SET email = ?, name = ?, currency = ?, photo_url = ?
			WHERE local_id = ? AND sync_state = 'SYNCED' AND is_data_modified = 0`,
			remote.Email, remote.Name, remote.Currency, remote.PhotoURL, remote.UserID)
		if err != nil {
			return fmt.Errorf("apply remote profile: %w", err)
		}
		n, err := res.RowsAffected()
		applied = n == 1
		return err
	})
	if err == nil && applied {
		s.notify(core.KindProfile, remote.UserID, OpUpserted)
	}
	return applied, err
}

// GetSecuritySettings returns the device-local settings of userID, or
// defaults when none were stored yet.
func (s *Store) GetSecuritySettings(ctx context.Context, userID string) (core.SecuritySettings, error) {
	st := core.SecuritySettings{UserID: userID}
	var autoLock int64
	err := s.db.QueryRowContext(ctx, `
		SELECT pin_hash, biometric_enabled, auto_lock_seconds, updated_at
		FROM security_settings WHERE user_id = ?`, userID,
	).Scan(&st.PINHash, &st.BiometricEnabled, &autoLock, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("get security settings: %w", err)
	}
	st.AutoLockAfter = time.Duration(autoLock) * time.Second
	return st, nil
}

// PutSecuritySettings stores device-local settings under the same stale-write
// guard as synchronizable records. They are never queued for sync.
func (s *Store) PutSecuritySettings(ctx context.Context, st core.SecuritySettings) (core.SecuritySettings, error) {
	if st.UserID == "" {
		return st, core.ErrMissingUser
	}
	err := s.write(ctx, func(tx *sql.Tx) error {
		var stored int64
		err := tx.QueryRowContext(ctx,
			`SELECT updated_at FROM security_settings WHERE user_id = ?`, st.UserID).Scan(&stored)
		exists := true
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
		} else if err != nil {
			return fmt.Errorf("load security settings: %w", err)
		}
		if exists && st.UpdatedAt != 0 && st.UpdatedAt <= stored {
			return fmt.Errorf("security settings %s: updated_at %d not after stored %d: %w",
				st.UserID, st.UpdatedAt, stored, core.ErrStaleWrite)
		}
		st.UpdatedAt = s.nextStamp(stored, st.UpdatedAt)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO security_settings (user_id, pin_hash, biometric_enabled, auto_lock_seconds, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				pin_hash = excluded.pin_hash,
				biometric_enabled = excluded.biometric_enabled,
				auto_lock_seconds = excluded.auto_lock_seconds,
				updated_at = excluded.updated_at`,
			st.UserID, st.PINHash, boolInt(st.BiometricEnabled), int64(st.AutoLockAfter/time.Second), st.UpdatedAt)
		if err != nil {
			return fmt.Errorf("save security settings: %w", err)
		}
		return nil
	})
	return st, err
}
